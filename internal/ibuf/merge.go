package ibuf

import (
	"errors"
	"log"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Merge (C6)
// ───────────────────────────────────────────────────────────────────────────

// MergeForPage applies every buffered modification for target to
// targetTree, then removes the applied records from the auxiliary tree,
// following the same sequence as InnoDB's ibuf_merge_or_delete_for_page.
// It is called after target's page has been brought into the buffer pool
// by the caller (targetTree is already bound to the space that owns
// target) and before that I/O-fix is released.
//
// BtreeOps has no structural "page type" introspection (the INDEX_LEAF
// sanity check the original performs is a page-layout concern this
// abstraction deliberately hides), so corruption here is
// detected at the record level instead. A record that fails to decode
// makes the scan itself fail: MergeForPage returns that error before
// deleting anything or touching the bitmap. A record whose application
// targetTree rejects is logged and left in the auxiliary tree, and the
// pass stops there: records applied before it are still deleted, but
// buffered stays set, so the next read of target re-drives the merge
// for the rejected record and every record after it.
func (g *Global) MergeForPage(txID pager.TxID, target TargetKey, targetTree BtreeOps, updateBitmap bool) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tag := g.beginMiniTx()
	defer g.endMiniTx()

	// Step 1: never merge against fixed-address pages (superblock, the
	// bitmap page itself) or the insert buffer's own pages.
	bitmapID := g.bitmapPageFor(target)
	if target.PageNo == 0 || target.PageNo == uint32(bitmapID) {
		return 0, nil
	}
	bmBuf, err := g.bp.ReadPage(bitmapID)
	if err != nil {
		return 0, err
	}
	bm := WrapBitmap(bmBuf)
	if bm.IsIbufPage(target.PageNo) {
		g.bp.UnpinPage(bitmapID)
		return 0, nil
	}

	// Step 2: skip pages with nothing buffered (idempotence — a second
	// merge_for_page call on an already-merged page is a no-op).
	if updateBitmap && !bm.Buffered(target.PageNo) {
		g.bp.UnpinPage(bitmapID)
		return 0, nil
	}
	g.bp.UnpinPage(bitmapID)

	tree := NewIBufTree(g.aux, g.free)
	applied := 0
	appliedBytes := 0
	var toDelete [][]byte
	var applyErr error
	anyApplyFailed := false

	// Steps 4-5: walk every record buffered against target, in order.
	err = tree.ScanTarget(target, func(key []byte, rec Record) (bool, error) {
		if rec.DeleteMark {
			// Already applied by a prior pass that crashed before the
			// physical delete finished: skip reapplying, just collect
			// it for physical removal below.
			toDelete = append(toDelete, key)
			return true, nil
		}

		if err := applyMod(targetTree, txID, rec.Mod); err != nil {
			log.Printf("ibuf: %s: apply failed for target %d/%d, leaving record buffered: %v",
				tag, target.SpaceID, target.PageNo, err)
			anyApplyFailed = true
			return false, nil
		}
		applied++
		if rec.Mod.Kind == ModInsert || rec.Mod.Kind == ModUpdate {
			appliedBytes += len(rec.Mod.Key) + len(rec.Mod.Value) + slotOverhead
		}
		toDelete = append(toDelete, key)
		return true, nil
	})
	if err != nil {
		return applied, err
	}

	// Step 5c: delete-mark then physically delete. Optimistic deletion
	// (a single Remove) is attempted first; on failure the record is
	// delete-marked (re-encoded with DeleteMark=true) under txID and
	// buffered is left set (step 6), so the next merge for target finds
	// the mark and finishes the physical removal.
	//
	// DebugForceCrashBeforePhysicalDelete forces
	// every record through the mark-only path and bails out before the
	// physical removal that would otherwise follow in the same pass,
	// simulating a process crash at exactly that point. The bitmap stays
	// buffered (step 6 below never runs) and the marked records are left
	// for the next, unflagged call to MergeForPage to finish physically
	// removing.
	for _, key := range toDelete {
		if g.cfg.DebugForceCrashBeforePhysicalDelete {
			if merr := g.delayedDeleteMark(txID, tree, key); merr != nil {
				return applied, merr
			}
			continue
		}
		ok, derr := tree.Remove(txID, key)
		if derr != nil || !ok {
			if derr != nil {
				applyErr = derr
			}
			if merr := g.delayedDeleteMark(txID, tree, key); merr != nil {
				return applied, merr
			}
			anyApplyFailed = true
		}
	}
	if applyErr != nil {
		log.Printf("ibuf: %s: one or more optimistic deletes fell back to delete-mark: %v", tag, applyErr)
	}
	if g.cfg.DebugForceCrashBeforePhysicalDelete {
		return applied, ErrForcedCrashBeforePhysicalDelete
	}

	// Step 6: refresh the bitmap and clear buffered — but only once every
	// buffered record actually applied and was physically removed. A
	// record targetTree rejected (see the doc comment above), or one that
	// could only be delete-marked, is still in the auxiliary tree: leaving
	// buffered set forces the next read of target to re-drive the merge,
	// which is the safe direction — a
	// retried merge is a per-record no-op, a skipped one loses data.
	//
	// free_bits is lowered by the bytes the merge just installed on the
	// target page. BtreeOps hides the page's true free space, but the
	// never-overstate invariant only needs a lower bound: if the old
	// level promised at least L·Q free bytes, the page now has at least
	// L·Q − appliedBytes, and requantizing that keeps the bitmap honest.
	// A level left too low is lazily corrected the next time some caller
	// recomputes the page's real free space, which is always safe.
	if !anyApplyFailed {
		bmBuf, err = g.bp.ReadPage(bitmapID)
		if err != nil {
			return applied, err
		}
		bm = WrapBitmap(bmBuf)
		if appliedBytes > 0 {
			remaining := UnquantizeMin(bm.FreeBits(target.PageNo), g.bp.PageSize()) - appliedBytes
			bm.SetFreeBits(target.PageNo, QuantizeFree(remaining, g.bp.PageSize()))
		}
		bm.SetBuffered(target.PageNo, false)
		if err := g.bp.WritePage(txID, bitmapID, bm.Bytes()); err != nil {
			g.bp.UnpinPage(bitmapID)
			return applied, err
		}
		g.bp.UnpinPage(bitmapID)
	}

	// Step 7: counters.
	g.stats.NMerges++
	g.stats.NMergedRecs += int64(applied)

	return applied, nil
}

// applyMod applies one buffered modification to the target tree.
// ModUpdate is modelled as delete-then-insert because BtreeOps exposes
// no in-place update primitive (see Mod's doc comment in iface.go).
func applyMod(tree BtreeOps, txID pager.TxID, mod Mod) error {
	switch mod.Kind {
	case ModInsert:
		return tree.Insert(txID, mod.Key, mod.Value)
	case ModDeleteMark:
		_, err := tree.Delete(txID, mod.Key)
		return err
	case ModUpdate:
		if _, err := tree.Delete(txID, mod.Key); err != nil {
			return err
		}
		return tree.Insert(txID, mod.Key, mod.Value)
	default:
		return errors.New("ibuf: unknown mod kind in merge")
	}
}

// delayedDeleteMark re-inserts key's record with DeleteMark set, so a
// crash before the physical delete below still leaves a durable marker
// that the next merge_for_page call will find and finish removing.
func (g *Global) delayedDeleteMark(txID pager.TxID, tree *IBufTree, key []byte) error {
	rec, err := DecodeKey(key)
	if err != nil {
		return err
	}
	if rec.DeleteMark {
		return nil // already marked, nothing to do
	}
	rec.DeleteMark = true
	if _, err := tree.Remove(txID, key); err != nil {
		return err
	}
	return tree.Put(txID, rec)
}
