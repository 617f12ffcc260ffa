package ibuf

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Header page
// ───────────────────────────────────────────────────────────────────────────
//
// The insert buffer's header page (PageTypeIbufHeader, addressed by the
// superblock's IbufHeaderRoot field) is the one fixed, well-known page
// that everything else hangs off: the root of the auxiliary B+Tree and
// the head of the private free-list chain (freelist.go).
//
//   [0:32]  Common PageHeader
//   [32:36] AuxTreeRoot   (uint32 LE)
//   [36:40] FreeListRoot  (uint32 LE)

const (
	ibufHdrAuxTreeRootOff  = pager.PageHeaderSize     // 32
	ibufHdrFreeListRootOff = ibufHdrAuxTreeRootOff + 4 // 36
)

// headerFields is the decoded form of the header page.
type headerFields struct {
	AuxTreeRoot  pager.PageID
	FreeListRoot pager.PageID
}

func marshalHeaderPage(buf []byte, id pager.PageID, hf headerFields) {
	h := &pager.PageHeader{Type: pager.PageTypeIbufHeader, ID: id}
	pager.MarshalHeader(h, buf)
	putU32(buf, ibufHdrAuxTreeRootOff, uint32(hf.AuxTreeRoot))
	putU32(buf, ibufHdrFreeListRootOff, uint32(hf.FreeListRoot))
}

func unmarshalHeaderPage(buf []byte) (headerFields, error) {
	hdr := pager.UnmarshalHeader(buf)
	if hdr.Type != pager.PageTypeIbufHeader {
		return headerFields{}, fmt.Errorf("%w: page %d is not an ibuf header page (type %s)", ErrCorruption, hdr.ID, hdr.Type)
	}
	return headerFields{
		AuxTreeRoot:  pager.PageID(getU32(buf, ibufHdrAuxTreeRootOff)),
		FreeListRoot: pager.PageID(getU32(buf, ibufHdrFreeListRootOff)),
	}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Global state
// ───────────────────────────────────────────────────────────────────────────

// Global is the single insert-buffer instance for a database. It owns the
// one mutex that serialises every operation against the auxiliary tree —
// InnoDB's ibuf_mutex plus its strict latch-ordering discipline collapse,
// in this single-process Go port, to one sync.Mutex guarding the whole
// struct; concurrent callers simply queue for it rather than obeying the
// six-category latch order the original C engine needs.
type Global struct {
	mu sync.Mutex

	bp  BufferPool
	log Log
	fsp FileSpace
	cfg Config

	headerPageID pager.PageID
	aux          BtreeOps
	free         *FreeList

	// insideIbuf mirrors InnoDB's thread-local "this thread is already
	// running insert-buffer code" flag. Since mu already serialises all
	// callers in this port, insideIbuf exists to catch a caller that
	// reenters Global from inside a callback it was itself invoked from
	// (a programming error, not a concurrency control mechanism) — see
	// beginMiniTx.
	insideIbuf bool

	stats Stats

	// onSizeGate and onBitmapFull are optional callbacks the Contractor
	// registers onto Global at construction time (see buffering.go's
	// SetSizeGateHook/SetBitmapFullHook) so that Buffering can trigger
	// contraction and merge scheduling without importing contractor.go.
	onSizeGate   func(sync bool, budgetPages int) (int64, error)
	onBitmapFull func(target TargetKey)
}

// Stats holds the insert buffer's persisted and informational counters.
// SegSize/FreeListLen/Height/Empty are kept consistent with
// Size = SegSize - FreeListLen - 1 at all times; the three n_* counters
// are purely informational and never checked against an invariant.
type Stats struct {
	MaxSize     int // soft upper bound on tree size, in pages
	SegSize     int // total pages owned (tree + free-list + header)
	FreeListLen int // pages currently on FreeList
	Height      int // current tree height
	Empty       bool

	NInserts    int64
	NMerges     int64
	NMergedRecs int64
}

// Size is seg_size - free_list_len - 1 (the header page itself).
func (s Stats) Size() int {
	n := s.SegSize - s.FreeListLen - 1
	if n < 0 {
		return 0
	}
	return n
}

// Stats returns a snapshot of the current counters. Height and
// FreeListLen are computed live rather than tracked incrementally: only
// a root-to-leaf traversal can say how many levels the tree currently
// has, and tree splits consume reserve pages through the installed page
// allocator without reporting back here. A consumed reserve page stays
// in the segment (it becomes a tree page), so SegSize is unaffected and
// Size grows by exactly the pages the free list lost.
func (g *Global) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, err := g.aux.Height(); err == nil {
		g.stats.Height = h
	}
	g.stats.FreeListLen = g.free.Count()
	return g.stats
}

// PeekAuxRoot reads the persisted AuxTreeRoot out of the header page at
// headerPageID without constructing a Global, so that process restart
// code can rebind a *pager.BTree to the auxiliary tree's current root
// before calling OpenIBuf — the same "read the segment header before
// touching anything else" step ibuf_init_at_db_start performs on
// database open.
func PeekAuxRoot(bp BufferPool, headerPageID pager.PageID) (pager.PageID, error) {
	buf, err := bp.ReadPage(headerPageID)
	if err != nil {
		return pager.InvalidPageID, fmt.Errorf("ibuf: read header page %d: %w", headerPageID, err)
	}
	defer bp.UnpinPage(headerPageID)
	hf, err := unmarshalHeaderPage(buf)
	if err != nil {
		return pager.InvalidPageID, err
	}
	return hf.AuxTreeRoot, nil
}

// OpenIBuf attaches to an existing insert buffer rooted at headerPageID,
// loading its free-list reserve into memory. aux must already be bound to
// the auxiliary tree's root page (for example a *pager.BTree opened on the
// root PeekAuxRoot returns).
func OpenIBuf(bp BufferPool, log Log, fsp FileSpace, cfg Config, headerPageID pager.PageID, aux BtreeOps) (*Global, error) {
	buf, err := bp.ReadPage(headerPageID)
	if err != nil {
		return nil, fmt.Errorf("ibuf: read header page %d: %w", headerPageID, err)
	}
	defer bp.UnpinPage(headerPageID)

	hf, err := unmarshalHeaderPage(buf)
	if err != nil {
		return nil, err
	}

	free := NewFreeList(bp)
	if err := free.LoadFromDisk(hf.FreeListRoot); err != nil {
		return nil, fmt.Errorf("ibuf: load private free list: %w", err)
	}
	wirePrivateAllocator(aux, free)

	cfg.PageSize = bp.PageSize()
	count, err := aux.Count()
	if err != nil {
		return nil, fmt.Errorf("ibuf: count auxiliary tree: %w", err)
	}
	g := &Global{
		bp:           bp,
		log:          log,
		fsp:          fsp,
		cfg:          cfg,
		headerPageID: headerPageID,
		aux:          aux,
		free:         free,
	}
	g.stats = Stats{
		MaxSize:     maxSizePages(cfg),
		FreeListLen: free.Count(),
		Empty:       count == 0,
	}
	g.stats.SegSize = g.stats.FreeListLen + 1
	return g, nil
}

// maxSizePages turns Config.MaxSizePercent into a page budget. When the
// caller has not measured its real buffer-pool capacity
// (Config.BufferPoolPages left at zero) this falls back to a
// conservative assumption of 4096 pages.
func maxSizePages(cfg Config) int {
	const assumedBufferPoolPages = 4096
	total := cfg.BufferPoolPages
	if total <= 0 {
		total = assumedBufferPoolPages
	}
	n := total * cfg.MaxSizePercent / 100
	if n < 1 {
		n = 1
	}
	return n
}

// CreateIBuf bootstraps a brand-new insert buffer: it allocates the
// header page and wires it to an already-empty auxiliary tree (auxRoot),
// mirroring ibuf_create in ibuf0ibuf.c, which is run once the very first
// time a database is formatted.
func CreateIBuf(bp BufferPool, log Log, fsp FileSpace, cfg Config, txID pager.TxID, auxRoot pager.PageID, aux BtreeOps) (*Global, pager.PageID, error) {
	id, buf := bp.AllocPage()
	marshalHeaderPage(buf, id, headerFields{AuxTreeRoot: auxRoot, FreeListRoot: pager.InvalidPageID})
	if err := bp.WritePage(txID, id, buf); err != nil {
		return nil, pager.InvalidPageID, fmt.Errorf("ibuf: write header page: %w", err)
	}

	cfg.PageSize = bp.PageSize()
	free := NewFreeList(bp)
	wirePrivateAllocator(aux, free)
	g := &Global{
		bp:           bp,
		log:          log,
		fsp:          fsp,
		cfg:          cfg,
		headerPageID: id,
		aux:          aux,
		free:         free,
	}
	g.stats = Stats{MaxSize: maxSizePages(cfg), SegSize: 1, Empty: true}
	return g, id, nil
}

// privatelyAllocated is satisfied by *pager.BTree. Splitting aux off into
// this narrow interface, rather than importing *pager.BTree directly
// here, keeps Global's dependency on BtreeOps the only hard binding —
// wiring the private allocator degrades to a no-op for any other
// BtreeOps implementation instead of failing to compile.
type privatelyAllocated interface {
	SetPageAllocator(fn func() (pager.PageID, []byte))
}

// wirePrivateAllocator makes aux's splits draw from free instead of
// reaching into the shared buffer pool, the reentrancy hazard InnoDB
// gives the insert buffer its own file segment to avoid: growing the
// auxiliary tree must never itself need to buffer a change against some
// other page while an ibuf latch is already held.
func wirePrivateAllocator(aux BtreeOps, free *FreeList) {
	if bt, ok := aux.(privatelyAllocated); ok {
		bt.SetPageAllocator(free.TakePageForSplit)
	}
}

// beginMiniTx starts a correlation-tagged unit of work against the
// auxiliary tree. The returned tag is a UUID used purely for log
// messages and test assertions; it carries no transactional semantics
// of its own, those come from Log.BeginTx/CommitTx/AbortTx.
//
// It also trips insideIbuf, panicking on reentrant use: TryBuffer,
// MergeForPage and DiscardSpace each call beginMiniTx exactly
// once per call, under mu, and defer endMiniTx; none of them call back
// into another exported entry point while still holding mu, so a panic
// here means that invariant was violated by new code, not by a caller.
func (g *Global) beginMiniTx() string {
	if g.insideIbuf {
		panic("ibuf: reentrant mini-transaction — Global is not reentrant")
	}
	g.insideIbuf = true
	return uuid.NewString()
}

func (g *Global) endMiniTx() {
	g.insideIbuf = false
}

// Flush persists the private free-list reserve and the header page. The
// caller (typically the Contractor after a contract() pass, or shutdown)
// is responsible for committing the transaction afterwards.
func (g *Global) Flush(txID pager.TxID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	flRoot, err := g.free.FlushToDisk(txID)
	if err != nil {
		return err
	}
	buf, err := g.bp.ReadPage(g.headerPageID)
	if err != nil {
		return err
	}
	hf, err := unmarshalHeaderPage(buf)
	if err != nil {
		g.bp.UnpinPage(g.headerPageID)
		return err
	}
	g.bp.UnpinPage(g.headerPageID)
	hf.FreeListRoot = flRoot

	out := make([]byte, g.bp.PageSize())
	marshalHeaderPage(out, g.headerPageID, hf)
	return g.bp.WritePage(txID, g.headerPageID, out)
}

// HeaderPageID returns the well-known page this insert buffer is rooted at.
func (g *Global) HeaderPageID() pager.PageID { return g.headerPageID }
