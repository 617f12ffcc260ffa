package ibuf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

func bufferOne(t *testing.T, h *harness, pageNo uint32, key, value []byte) {
	t.Helper()
	h.setFreeBits(t, pageNo, 3)
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	mod := Mod{Kind: ModInsert, Key: key, Value: value}
	outcome, err := h.g.TryBuffer(txID, h.target1(pageNo), mod, []FieldType{FieldBytes}, true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Deferred {
		t.Fatalf("buffering setup: got %s want deferred", outcome)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}
}

func TestMergeForPage_AppliesAndClearsBuffered(t *testing.T) {
	h := newHarness(t)
	bufferOne(t, h, 10, []byte("sk"), []byte("sv"))
	bufferOne(t, h, 10, []byte("sk2"), []byte("sv2"))

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.MergeForPage(txID, h.target1(10), h.target, true)
	if err != nil {
		t.Fatalf("MergeForPage: %v", err)
	}
	if n != 2 {
		t.Fatalf("merged count: got %d want 2", n)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	val, found, err := h.target.Get([]byte("sk"))
	if err != nil || !found || !bytes.Equal(val, []byte("sv")) {
		t.Fatalf("target.Get(sk): val=%q found=%v err=%v", val, found, err)
	}

	buf, err := h.p.ReadPage(h.bmID)
	if err != nil {
		t.Fatal(err)
	}
	bm := WrapBitmap(buf)
	if bm.Buffered(10) {
		t.Error("buffered bit should be cleared after a clean merge")
	}
	h.p.UnpinPage(h.bmID)

	count, err := NewIBufTree(h.aux, h.g.free).Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("auxiliary tree should be empty after merge, has %d records", count)
	}

	stats := h.g.Stats()
	if stats.NMerges != 1 || stats.NMergedRecs != 2 {
		t.Errorf("stats: got NMerges=%d NMergedRecs=%d, want 1/2", stats.NMerges, stats.NMergedRecs)
	}
}

func TestMergeForPage_NoopWhenNotBuffered(t *testing.T) {
	h := newHarness(t)
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.MergeForPage(txID, h.target1(99), h.target, true)
	if err != nil {
		t.Fatalf("MergeForPage: %v", err)
	}
	if n != 0 {
		t.Fatalf("merged count for unbuffered page: got %d want 0", n)
	}
}

// failingTree rejects Insert for one specific key, simulating a target
// page that can't absorb an applied record (e.g. a uniqueness conflict
// the original insert never hit because it was buffered).
type failingTree struct {
	BtreeOps
	failKey []byte
}

func (f *failingTree) Insert(txID pager.TxID, key, value []byte) error {
	if bytes.Equal(key, f.failKey) {
		return errors.New("simulated apply failure")
	}
	return f.BtreeOps.Insert(txID, key, value)
}

func TestMerge_FailedApplyLeavesBufferedBitSet(t *testing.T) {
	h := newHarness(t)
	bufferOne(t, h, 10, []byte("bad"), []byte("sv"))

	ft := &failingTree{BtreeOps: h.target, failKey: []byte("bad")}

	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	n, err := h.g.MergeForPage(txID, h.target1(10), ft, true)
	if err != nil {
		t.Fatalf("MergeForPage should not itself error on a corrupt/rejected record: %v", err)
	}
	if n != 0 {
		t.Fatalf("applied count: got %d want 0 (the one record should have failed to apply)", n)
	}
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	buf, err := h.p.ReadPage(h.bmID)
	if err != nil {
		t.Fatal(err)
	}
	bm := WrapBitmap(buf)
	buffered := bm.Buffered(10)
	h.p.UnpinPage(h.bmID)
	if !buffered {
		t.Error("bitmap.buffered must stay set after a failed apply, per the discard/corruption design note")
	}

	// The rejected auxiliary record itself stays in the tree, so the
	// merge the bitmap bit forces on the next read of the page can retry
	// applying it.
	count, err := NewIBufTree(h.aux, h.g.free).Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("auxiliary tree: got %d records, want 1", count)
	}
}
