package ibuf

import (
	"context"
	"testing"
)

// bufferVolume buffers n records of size valSize each against pageNo, all
// under free-bits level 3 (the most generous quantization bucket), and
// returns the total encoded volume buffered — the quantity the
// volume-ratio gate in contract() compares against page capacity.
func bufferVolume(t *testing.T, h *harness, pageNo uint32, n, valSize int) int {
	t.Helper()
	h.setFreeBits(t, pageNo, 3)
	total := 0
	for i := 0; i < n; i++ {
		txID, err := h.p.BeginTx()
		if err != nil {
			t.Fatal(err)
		}
		key := []byte{byte(i), byte(i >> 8)}
		value := make([]byte, valSize)
		mod := Mod{Kind: ModInsert, Key: key, Value: value}
		rec := Record{Target: h.target1(pageNo), TypeBitmap: []FieldType{FieldBytes}, Compact: true, Mod: mod}
		vol, err := EncodedVolume(rec)
		if err != nil {
			t.Fatal(err)
		}
		outcome, err := h.g.TryBuffer(txID, h.target1(pageNo), mod, []FieldType{FieldBytes}, true)
		if err != nil {
			t.Fatal(err)
		}
		if outcome != Deferred {
			t.Fatalf("buffer setup insert %d: got %s want deferred", i, outcome)
		}
		if err := h.p.CommitTx(txID); err != nil {
			t.Fatal(err)
		}
		total += vol
	}
	return total
}

func TestContract_AsyncSkipsBelowVolumeRatio(t *testing.T) {
	h := newHarness(t)
	c := NewContractor(h.g, h.dir)

	vol := bufferVolume(t, h, 100, 1, 64)
	capacity := h.p.PageSize()
	if vol*MergeThreshold > capacity*(MergeThreshold-1) {
		t.Fatalf("test setup: buffered volume %d already crosses the ratio gate for capacity %d", vol, capacity)
	}

	n, err := c.Contract(context.Background(), false, MergeArea)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if n != 0 {
		t.Fatalf("async contraction below the volume ratio: got %d merged, want 0", n)
	}
}

func TestContract_AsyncProceedsAboveVolumeRatio(t *testing.T) {
	h := newHarness(t)
	c := NewContractor(h.g, h.dir)

	capacity := h.p.PageSize()
	// Buffer enough across a few distinct pages in the same MergeArea
	// window (100-103 all share page/MergeArea == 100/8) to push the
	// group's total buffered volume past the MergeThreshold ratio of a
	// single page's capacity.
	var vol int
	vol += bufferVolume(t, h, 100, 2, capacity/4)
	vol += bufferVolume(t, h, 101, 2, capacity/4)
	vol += bufferVolume(t, h, 102, 1, capacity/4)
	if vol*MergeThreshold <= capacity*(MergeThreshold-1) {
		t.Fatalf("test setup: buffered volume %d does not cross the ratio gate for capacity %d", vol, capacity)
	}

	n, err := c.Contract(context.Background(), false, MergeArea)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if n == 0 {
		t.Fatal("async contraction above the volume ratio should have merged at least one record")
	}
}

func TestContract_SyncAlwaysMakesProgress(t *testing.T) {
	h := newHarness(t)
	c := NewContractor(h.g, h.dir)

	vol := bufferVolume(t, h, 100, 1, 64)
	capacity := h.p.PageSize()
	if vol*MergeThreshold > capacity*(MergeThreshold-1) {
		t.Fatalf("test setup: buffered volume %d already crosses the ratio gate for capacity %d", vol, capacity)
	}

	n, err := c.Contract(context.Background(), true, MergeArea)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if n == 0 {
		t.Fatal("a synchronous contraction must make progress regardless of how thin the neighbourhood is")
	}
}

func TestContract_EmptyTreeIsNoop(t *testing.T) {
	h := newHarness(t)
	c := NewContractor(h.g, h.dir)

	n, err := c.Contract(context.Background(), true, MergeArea)
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	if n != 0 {
		t.Fatalf("contraction over an empty auxiliary tree: got %d merged, want 0", n)
	}
}
