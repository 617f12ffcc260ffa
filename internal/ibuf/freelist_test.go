package ibuf

import (
	"path/filepath"
	"testing"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

func newTestPager(t *testing.T) *pager.Pager {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "freelist_test.db")
	p, err := pager.OpenPager(pager.PagerConfig{DBPath: dbPath, PageSize: pager.DefaultPageSize})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestFreeList_AddTakeAndThresholds(t *testing.T) {
	p := newTestPager(t)
	fl := NewFreeList(p)

	// size=8, height=0: EnoughFreeForInsert needs size/2+3*height = 4
	// pages; TooMuchFree kicks in at 3 more, i.e. 7.
	const size, height = 8, 0
	const required = size/2 + 3*height
	const tooMuch = 3 + size/2 + 3*height

	if fl.EnoughFreeForInsert(size, height) {
		t.Fatal("empty free list should not be enough for insert")
	}

	var pages []pager.PageID
	for i := 0; i < required; i++ {
		id, _ := p.AllocPage()
		pages = append(pages, id)
		fl.AddPage(id)
	}
	if !fl.EnoughFreeForInsert(size, height) {
		t.Fatal("free list at the required reserve should be enough")
	}
	if fl.TooMuchFree(size, height) {
		t.Fatal("free list at exactly the required reserve should not be too much")
	}

	for fl.Count() < tooMuch {
		id, _ := p.AllocPage()
		fl.AddPage(id)
	}
	if !fl.TooMuchFree(size, height) {
		t.Fatal("free list at the too-much threshold should report too much")
	}
	fl.ReleaseSurplus(size, height)
	if fl.TooMuchFree(size, height) {
		t.Fatalf("after ReleaseSurplus: still too much free (%d pages)", fl.Count())
	}
	if fl.Count() < required {
		t.Fatalf("ReleaseSurplus over-released below the required reserve: got %d want >= %d", fl.Count(), required)
	}

	pid, ok := fl.TakePage()
	if !ok {
		t.Fatal("TakePage should succeed while reserve is non-empty")
	}
	fl.AddPage(pid)
}

func TestFreeList_TakePageForSplitFallsBackToBufferPool(t *testing.T) {
	p := newTestPager(t)
	fl := NewFreeList(p)

	// Reserve empty: must fall back to BufferPool.AllocPage.
	_, buf := fl.TakePageForSplit()
	if len(buf) != p.PageSize() {
		t.Fatalf("fallback buffer size: got %d want %d", len(buf), p.PageSize())
	}

	id, _ := p.AllocPage()
	fl.AddPage(id)
	gotID, gotBuf := fl.TakePageForSplit()
	if gotID != id {
		t.Fatalf("TakePageForSplit should prefer the reserve: got %d want %d", gotID, id)
	}
	if len(gotBuf) != p.PageSize() {
		t.Fatalf("reserve buffer size: got %d want %d", len(gotBuf), p.PageSize())
	}
}

func TestFreeList_FlushAndLoadRoundTrip(t *testing.T) {
	p := newTestPager(t)
	fl := NewFreeList(p)
	for i := 0; i < 3; i++ {
		id, _ := p.AllocPage()
		fl.AddPage(id)
	}

	txID, err := p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	root, err := fl.FlushToDisk(txID)
	if err != nil {
		t.Fatalf("FlushToDisk: %v", err)
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	fl2 := NewFreeList(p)
	if err := fl2.LoadFromDisk(root); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if fl2.Count() != 3 {
		t.Fatalf("reloaded free list: got %d pages, want 3", fl2.Count())
	}
}

func TestFreeList_LoadFromDisk_InvalidRootIsNoop(t *testing.T) {
	p := newTestPager(t)
	fl := NewFreeList(p)
	if err := fl.LoadFromDisk(pager.InvalidPageID); err != nil {
		t.Fatalf("LoadFromDisk(InvalidPageID): %v", err)
	}
	if fl.Count() != 0 {
		t.Fatalf("expected empty free list, got %d", fl.Count())
	}
}
