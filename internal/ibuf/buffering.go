package ibuf

import (
	"fmt"
	"log"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffering (C5)
// ───────────────────────────────────────────────────────────────────────────

// Outcome is the result of a try_buffer call.
type Outcome int

const (
	Deferred Outcome = iota
	RejectedTooBig
	RejectedTryAgain
	RejectedBitmapFull
)

func (o Outcome) String() string {
	switch o {
	case Deferred:
		return "deferred"
	case RejectedTooBig:
		return "rejected-too-big"
	case RejectedTryAgain:
		return "rejected-try-again"
	case RejectedBitmapFull:
		return "rejected-bitmap-full"
	default:
		return "unknown"
	}
}

// postHook names the contraction callback TryBuffer owes its caller once
// Global.mu is released. The hooks re-enter Global — the Contractor's
// contract() takes g.mu for Stats and for every merge it drives — so the
// locked core never invokes them itself; it only reports which one is due.
type postHook int

const (
	hookNone postHook = iota
	hookSizeGate
	hookBitmapFull
)

// TryBuffer decides whether a modification against target can be
// deferred instead of applied immediately, in the same decision order as
// InnoDB's ibuf_insert: size gate, volume gate, mode pick, buffered-volume
// walk, bitmap consult, free-space check, commit. mod.Kind selects
// Insert/DeleteMark/Update; fieldTypes describes mod's columns and is
// only meaningful for ModInsert.
//
// Two simplifications from InnoDB's six-latch-category model are
// load-bearing here:
//   - Global.mu already serialises every caller, so there is no separate
//     optimistic/pessimistic latch escalation (step 3); when the private
//     free-list reserve is too thin for a worst-case split, it is topped
//     up from the shared allocator inline instead of yielding latches,
//     adding a page, and retrying.
//   - Step 6's buffered-volume walk never has to cross an unlatched leaf
//     boundary (and so never falls back to the pessimistic UNKNOWN =
//     target_page_capacity bound): BtreeOps.ScanRange here walks the
//     target's whole key range of the auxiliary tree under Global.mu,
//     not page-latch-by-page-latch.
func (g *Global) TryBuffer(txID pager.TxID, target TargetKey, mod Mod, fieldTypes []FieldType, compact bool) (Outcome, error) {
	g.mu.Lock()
	outcome, hook, err := g.tryBufferLocked(txID, target, mod, fieldTypes, compact)
	onSizeGate, onBitmapFull := g.onSizeGate, g.onBitmapFull
	g.mu.Unlock()

	switch hook {
	case hookSizeGate:
		// Step 1's synchronous contraction: the insert is already
		// rejected; contract now so the caller's retry finds room.
		if onSizeGate != nil {
			if _, cerr := onSizeGate(true, 1); cerr != nil {
				return outcome, fmt.Errorf("ibuf: synchronous contraction: %w", cerr)
			}
		}
	case hookBitmapFull:
		// Step 8 rejected for lack of room: schedule a merge for the
		// region around target so it frees up.
		if onBitmapFull != nil {
			onBitmapFull(target)
		}
	}
	return outcome, err
}

func (g *Global) tryBufferLocked(txID pager.TxID, target TargetKey, mod Mod, fieldTypes []FieldType, compact bool) (Outcome, postHook, error) {
	tag := g.beginMiniTx()
	defer g.endMiniTx()

	// Step 0: ibuf_use gate. NONE means every modification is applied
	// directly by the caller; nothing reaches the auxiliary tree at all.
	if g.cfg.Use == IbufUseNone {
		return RejectedTryAgain, hookNone, nil
	}

	// A dropped (or not-yet-redefined) tablespace can never accept a
	// deferred modification: the records would sit in the auxiliary tree
	// with no page to ever merge them into, and DiscardSpace would have
	// to race new arrivals forever. Callers retry once the space exists
	// again.
	if !g.fsp.SpaceExists(target.SpaceID) {
		return RejectedTryAgain, hookNone, nil
	}

	// Step 1: size gate.
	if g.stats.Size() >= g.stats.MaxSize+HardMargin {
		return RejectedTryAgain, hookSizeGate, nil
	}

	rec := Record{Target: target, TypeBitmap: fieldTypes, Compact: compact, Mod: mod}

	// Step 2: volume gate.
	vol, err := EncodedVolume(rec)
	if err != nil {
		return RejectedTooBig, hookNone, err
	}
	pageSize := g.bp.PageSize()
	if vol > pageSize/2 {
		return RejectedTooBig, hookNone, nil
	}

	// Step 3: pick mode. With one mutex standing in for the whole latch
	// hierarchy there is nothing to yield and re-acquire, so the
	// pessimistic path's "release latches, add a page, retry" loop
	// collapses to topping the reserve up in place: grow it from the
	// shared allocator until it could absorb a worst-case split on the
	// current root-to-leaf path, before committing to the insert.
	height, herr := g.aux.Height()
	if herr != nil {
		log.Printf("ibuf: %s: height lookup failed, treating tree as flat for the reserve check: %v", tag, herr)
	}
	for !g.free.EnoughFreeForInsert(g.stats.Size(), height) {
		pid, _ := g.bp.AllocPage()
		g.free.AddPage(pid)
		g.stats.FreeListLen++
		g.stats.SegSize++
	}

	// Step 6: buffered volume for target (steps 4-5 folded into the
	// IBufTree helpers called below; there is no separate cursor
	// position to hold across the volume walk and the insert).
	bufferedVolume := 0
	tree := NewIBufTree(g.aux, g.free)
	if err := tree.ScanTarget(target, func(_ []byte, r Record) (bool, error) {
		v, err := EncodedVolume(r)
		if err != nil {
			return false, err
		}
		bufferedVolume += v
		return true, nil
	}); err != nil {
		return RejectedTryAgain, hookNone, fmt.Errorf("ibuf: %s: scan target volume: %w", tag, err)
	}

	// Step 7: consult the bitmap. The superblock and the bitmap page
	// itself are fixed-address pages, never buffering targets.
	bitmapID := g.bitmapPageFor(target)
	if target.PageNo == 0 || target.PageNo == uint32(bitmapID) {
		return RejectedTryAgain, hookNone, nil
	}
	bmBuf, err := g.bp.ReadPage(bitmapID)
	if err != nil {
		return RejectedTryAgain, hookNone, fmt.Errorf("ibuf: %s: read bitmap page %d: %w", tag, bitmapID, err)
	}
	bm := WrapBitmap(bmBuf)
	if bm.IsIbufPage(target.PageNo) {
		g.bp.UnpinPage(bitmapID)
		return RejectedTryAgain, hookNone, nil
	}
	freeBits := bm.FreeBits(target.PageNo)
	g.bp.UnpinPage(bitmapID)

	// Step 8: free-space check. UnquantizeMin takes the conservative
	// (never-overstating) reading consistent with the bitmap invariant.
	projectedFree := UnquantizeMin(freeBits, pageSize) - bufferedVolume
	if vol > projectedFree {
		return RejectedBitmapFull, hookBitmapFull, nil
	}

	// Step 9: commit.
	if !bm.Buffered(target.PageNo) {
		bm.SetBuffered(target.PageNo, true)
		if err := g.bp.WritePage(txID, bitmapID, bm.Bytes()); err != nil {
			return RejectedTryAgain, hookNone, fmt.Errorf("ibuf: %s: write bitmap page %d: %w", tag, bitmapID, err)
		}
	}
	if err := tree.Put(txID, rec); err != nil {
		return RejectedTryAgain, hookNone, fmt.Errorf("ibuf: %s: insert auxiliary record: %w", tag, err)
	}
	g.stats.Empty = false
	g.stats.NInserts++

	return Deferred, hookNone, nil
}

// bitmapPageFor returns the bitmap page PageID that covers target.PageNo
// within target.SpaceID, given the configured bitmap window size.
func (g *Global) bitmapPageFor(target TargetKey) pager.PageID {
	windowSize := BitmapWindowSize(g.bp.PageSize())
	return pager.PageID(BitmapPageForWindow(target.PageNo, windowSize))
}

// UnquantizeMin returns the minimum number of free bytes consistent with
// a recorded free_bits level: level*quantum. Because the bitmap never
// overstates free space, this is a safe lower bound to subtract buffered
// volume from.
func UnquantizeMin(level uint8, pageSize int) int {
	quantum := pageSize / 4
	return int(level) * quantum
}

// SetSizeGateHook wires a synchronous-contraction callback, invoked when
// step 1 finds the auxiliary tree grown past MaxSize+HardMargin — after
// Global.mu is released, since contraction re-enters Global for every
// merge it drives. The Contractor registers itself here at construction
// time, which keeps buffering.go from importing contractor.go directly.
func (g *Global) SetSizeGateHook(fn func(sync bool, budgetPages int) (int64, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSizeGate = fn
}

// SetBitmapFullHook wires a callback invoked whenever a RejectedBitmapFull
// outcome is returned — likewise after Global.mu is released — so a
// caller can schedule a merge for the region around the rejected target.
func (g *Global) SetBitmapFullHook(fn func(target TargetKey)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBitmapFull = fn
}
