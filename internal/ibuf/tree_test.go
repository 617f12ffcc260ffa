package ibuf

import "testing"

func TestIBufTree_PutCountRemove(t *testing.T) {
	h := newHarness(t)
	tree := NewIBufTree(h.aux, h.g.free)

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	recs := []Record{
		{Target: h.target1(10), Mod: Mod{Kind: ModInsert, Key: []byte("a"), Value: []byte("1")}},
		{Target: h.target1(10), Mod: Mod{Kind: ModInsert, Key: []byte("b"), Value: []byte("2")}},
		{Target: h.target1(20), Mod: Mod{Kind: ModInsert, Key: []byte("c"), Value: []byte("3")}},
	}
	var keys [][]byte
	for _, rec := range recs {
		if err := tree.Put(txID, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
		key, err := EncodeKey(rec)
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, key)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	count, err := tree.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("Count: got %d want 3", count)
	}

	txID2, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	ok, err := tree.Remove(txID2, keys[0])
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if err := h.p.CommitTx(txID2); err != nil {
		t.Fatal(err)
	}

	count, err = tree.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("Count after Remove: got %d want 2", count)
	}
}

func TestIBufTree_ScanTargetOnlySeesThatTarget(t *testing.T) {
	h := newHarness(t)
	tree := NewIBufTree(h.aux, h.g.free)

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	put := func(pageNo uint32, key string) {
		rec := Record{Target: h.target1(pageNo), Mod: Mod{Kind: ModInsert, Key: []byte(key), Value: []byte("v")}}
		if err := tree.Put(txID, rec); err != nil {
			t.Fatal(err)
		}
	}
	put(10, "a")
	put(10, "b")
	put(11, "c")
	put(9, "d")
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	var seen []string
	err = tree.ScanTarget(h.target1(10), func(_ []byte, rec Record) (bool, error) {
		seen = append(seen, string(rec.Mod.Key))
		return true, nil
	})
	if err != nil {
		t.Fatalf("ScanTarget: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("ScanTarget(page 10): got %v, want 2 records", seen)
	}
}

func TestIBufTree_ScanSpaceSeesEveryPage(t *testing.T) {
	h := newHarness(t)
	tree := NewIBufTree(h.aux, h.g.free)

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	for _, pageNo := range []uint32{3, 4, 5} {
		rec := Record{Target: h.target1(pageNo), Mod: Mod{Kind: ModDeleteMark, Key: []byte("k")}}
		if err := tree.Put(txID, rec); err != nil {
			t.Fatal(err)
		}
	}
	// Record in a different space must not show up.
	otherRec := Record{Target: TargetKey{SpaceID: testSpace + 1, PageNo: 3}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("k")}}
	if err := tree.Put(txID, otherRec); err != nil {
		t.Fatal(err)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	var pages []uint32
	err = tree.ScanSpace(testSpace, func(_ []byte, rec Record) (bool, error) {
		pages = append(pages, rec.Target.PageNo)
		return true, nil
	})
	if err != nil {
		t.Fatalf("ScanSpace: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("ScanSpace(testSpace): got %v, want 3 pages", pages)
	}
}

func TestTargetRangeIsHalfOpen(t *testing.T) {
	start, end := TargetRange(TargetKey{SpaceID: 1, PageNo: 10})
	k, err := EncodeKey(Record{Target: TargetKey{SpaceID: 1, PageNo: 10}, Mod: Mod{Kind: ModDeleteMark, Key: []byte("z")}})
	if err != nil {
		t.Fatal(err)
	}
	if !(lessOrEqual(start, k) && less(k, end)) {
		t.Fatalf("key for page 10 should fall in [start,end): start=%x key=%x end=%x", start, k, end)
	}
}

func lessOrEqual(a, b []byte) bool { return compareBytes(a, b) <= 0 }
func less(a, b []byte) bool        { return compareBytes(a, b) < 0 }

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
