package ibuf

import (
	"path/filepath"
	"testing"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// harness wires a fresh on-disk database with an insert buffer rooted
// over an empty auxiliary tree and one registered target space, enough
// for every core-package test to exercise TryBuffer/MergeForPage/
// DiscardSpace/Contract against something real rather than a mock.
//
// Page 1 is deliberately allocated first (before the auxiliary and
// target trees), so it lands at the fixed bitmap-page offset
// BitmapPageForWindow assumes for small page numbers — mirroring how a
// real format-time bootstrap reserves the first bitmap window before
// creating anything else in a fresh tablespace.
type harness struct {
	p       *pager.Pager
	aux     *pager.BTree
	target  *pager.BTree
	dir     *SpaceDirectory
	g       *Global
	bmID    pager.PageID
	wndSize int
}

const testSpace = uint32(1)

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ibuf_test.db")
	p, err := pager.OpenPager(pager.PagerConfig{DBPath: dbPath, PageSize: pager.DefaultPageSize})
	if err != nil {
		t.Fatalf("OpenPager: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	txID, err := p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}

	bmID, bmBuf := p.AllocPage()
	wndSize := BitmapWindowSize(p.PageSize())
	bm := InitBitmap(bmBuf, bmID, uint32(bmID)+1, uint32(wndSize))
	if err := p.WritePage(txID, bmID, bm.Bytes()); err != nil {
		t.Fatal(err)
	}

	aux, err := pager.CreateBTree(p, txID)
	if err != nil {
		t.Fatal(err)
	}
	target, err := pager.CreateBTree(p, txID)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}

	dir := NewSpaceDirectory()
	dir.Register(testSpace, target)

	cfg := DefaultConfig()
	txID2, err := p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	g, _, err := CreateIBuf(p, p, dir, cfg, txID2, aux.Root(), aux)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.CommitTx(txID2); err != nil {
		t.Fatal(err)
	}

	return &harness{p: p, aux: aux, target: target, dir: dir, g: g, bmID: bmID, wndSize: wndSize}
}

// setFreeBits marks pageNo's quantized free space directly, bypassing
// TryBuffer, for tests that need to arrange a specific bitmap state
// before exercising the gate logic.
func (h *harness) setFreeBits(t *testing.T, pageNo uint32, level uint8) {
	t.Helper()
	txID, err := h.p.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	buf, err := h.p.ReadPage(h.bmID)
	if err != nil {
		t.Fatal(err)
	}
	bm := WrapBitmap(buf)
	bm.SetFreeBits(pageNo, level)
	if err := h.p.WritePage(txID, h.bmID, bm.Bytes()); err != nil {
		t.Fatal(err)
	}
	h.p.UnpinPage(h.bmID)
	if err := h.p.CommitTx(txID); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) target1(pageNo uint32) TargetKey {
	return TargetKey{SpaceID: testSpace, PageNo: pageNo}
}
