package ibuf

import "testing"

func TestDiscardSpace_RemovesEveryRecordForSpaceOnly(t *testing.T) {
	h := newHarness(t)
	// Five buffered against (testSpace, 200), three against
	// (testSpace, 201) — two pages of the same space, uneven counts.
	for i := 0; i < 5; i++ {
		bufferOne(t, h, 200, []byte{byte('a' + i)}, []byte("v"))
	}
	for i := 0; i < 3; i++ {
		bufferOne(t, h, 201, []byte{byte('x' + i)}, []byte("v"))
	}

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.DiscardSpace(txID, testSpace)
	if err != nil {
		t.Fatalf("DiscardSpace: %v", err)
	}
	if n != 8 {
		t.Fatalf("discarded count: got %d want 8", n)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	count, err := NewIBufTree(h.aux, h.g.free).Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("auxiliary tree after discard: got %d records, want 0", count)
	}

	stats := h.g.Stats()
	if stats.NMergedRecs != 8 {
		t.Errorf("NMergedRecs: got %d want 8", stats.NMergedRecs)
	}
}

func TestDiscardSpace_LeavesOtherSpacesAlone(t *testing.T) {
	h := newHarness(t)
	bufferOne(t, h, 200, []byte("k1"), []byte("v"))

	otherSpace := uint32(2)
	h.dir.Register(otherSpace, h.target)
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	mod := Mod{Kind: ModInsert, Key: []byte("k2"), Value: []byte("v")}
	h.setFreeBits(t, 50, 3)
	outcome, err := h.g.TryBuffer(txID, TargetKey{SpaceID: otherSpace, PageNo: 50}, mod, []FieldType{FieldBytes}, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Deferred {
		t.Fatalf("setup insert into other space: got %s want deferred", outcome)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	txID2, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.DiscardSpace(txID2, testSpace)
	if err != nil {
		t.Fatalf("DiscardSpace: %v", err)
	}
	if n != 1 {
		t.Fatalf("discarded count: got %d want 1", n)
	}
	if err := h.p.CommitTx(txID2); err != nil {
		t.Fatal(err)
	}

	count, err := NewIBufTree(h.aux, h.g.free).Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("auxiliary tree should still hold the other space's record: got %d want 1", count)
	}
}

func TestTryBuffer_RejectedAfterSpaceDiscarded(t *testing.T) {
	h := newHarness(t)
	bufferOne(t, h, 200, []byte("k1"), []byte("v"))

	h.dir.Unregister(testSpace)
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.g.DiscardSpace(txID, testSpace); err != nil {
		t.Fatalf("DiscardSpace: %v", err)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	// Until the space is redefined, nothing may be buffered against it:
	// there is no page the records could ever be merged into.
	h.setFreeBits(t, 200, 3)
	txID2, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	mod := Mod{Kind: ModInsert, Key: []byte("k2"), Value: []byte("v")}
	outcome, err := h.g.TryBuffer(txID2, h.target1(200), mod, []FieldType{FieldBytes}, true)
	if err != nil {
		t.Fatalf("TryBuffer: %v", err)
	}
	if outcome != RejectedTryAgain {
		t.Fatalf("TryBuffer into a discarded space: got %s want rejected-try-again", outcome)
	}
	if err := h.p.AbortTx(txID2); err != nil {
		t.Fatal(err)
	}

	count, err := NewIBufTree(h.aux, h.g.free).Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("auxiliary tree after rejected insert: got %d records, want 0", count)
	}

	// Redefining the space makes it bufferable again.
	h.dir.Register(testSpace, h.target)
	txID3, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	outcome, err = h.g.TryBuffer(txID3, h.target1(200), mod, []FieldType{FieldBytes}, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Deferred {
		t.Fatalf("TryBuffer after redefining the space: got %s want deferred", outcome)
	}
	if err := h.p.CommitTx(txID3); err != nil {
		t.Fatal(err)
	}
}

func TestDiscardSpace_EmptySpaceIsNoop(t *testing.T) {
	h := newHarness(t)
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.DiscardSpace(txID, 99)
	if err != nil {
		t.Fatalf("DiscardSpace: %v", err)
	}
	if n != 0 {
		t.Fatalf("discarded count for untouched space: got %d want 0", n)
	}
}
