package ibuf

import (
	"context"
	"log"
	"sync"
)

// ───────────────────────────────────────────────────────────────────────────
// Contractor (C8)
// ───────────────────────────────────────────────────────────────────────────

// TargetResolver maps a buffered record's target space back to the
// BtreeOps that owns it, so the Contractor can hand merge_for_page a
// concrete tree to apply records into. Concrete binding:
// *SpaceDirectory (adapter_pager.go).
type TargetResolver interface {
	ResolveSpace(spaceID uint32) (BtreeOps, error)
}

// Contractor shrinks the auxiliary tree the way InnoDB's ibuf_contract_ext
// does: pick a batch of target pages worth reading back, merge each one,
// and report how much buffered volume was drained.
//
// pager.BTree exposes no cursor_open_at_rnd_pos, so step 2's "open a
// cursor at a random position in the tree" is approximated with a
// round-robin soft cursor (lastKey): each call resumes scanning where
// the previous one left off and wraps back to the start once it runs
// off the end of the tree. Over repeated calls this still visits the
// whole key space, which is the property the InnoDB algorithm actually
// needs randomness for — no single call touching a uniformly random
// point matters on its own.
type Contractor struct {
	g        *Global
	resolver TargetResolver

	mu      sync.Mutex
	lastKey []byte
}

// NewContractor builds a Contractor and wires it into g as both the
// size-gate hook (synchronous contraction, triggered by TryBuffer step 1
// once the tree has grown past MaxSize+HardMargin) and the bitmap-full
// hook (asynchronous contraction, triggered by TryBuffer step 8 when a
// target page has no room left to absorb more buffering).
func NewContractor(g *Global, resolver TargetResolver) *Contractor {
	c := &Contractor{g: g, resolver: resolver}
	g.SetSizeGateHook(c.contract)
	g.SetBitmapFullHook(func(target TargetKey) {
		if _, err := c.contract(false, MergeArea); err != nil {
			log.Printf("ibuf: async contraction after bitmap-full on %d/%d: %v",
				target.SpaceID, target.PageNo, err)
		}
	})
	return c
}

// Contract runs one contraction pass. ctx is not consulted: the pass
// always runs to completion, and merge_for_page itself is not
// interruptible mid-page.
func (c *Contractor) Contract(ctx context.Context, sync bool, budgetPages int) (int64, error) {
	return c.contract(sync, budgetPages)
}

func (c *Contractor) contract(sync bool, budgetPages int) (int64, error) {
	if c.g.Stats().Empty {
		return 0, nil
	}

	batch := MergeArea
	if budgetPages > 0 && budgetPages < batch {
		batch = budgetPages
	}
	if c.g.cfg.BudgetPagesPerContract > 0 && c.g.cfg.BudgetPagesPerContract < batch {
		batch = c.g.cfg.BudgetPagesPerContract
	}

	group, nextCursor, bufVol, err := c.collectGroup(batch)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.lastKey = nextCursor
	c.mu.Unlock()

	if len(group) == 0 {
		// Nothing buffered anywhere: re-arm the sticky empty flag so
		// later passes return without scanning.
		c.g.mu.Lock()
		if n, err := c.g.aux.Count(); err == nil && n == 0 {
			c.g.stats.Empty = true
		}
		c.g.mu.Unlock()
		return 0, nil
	}

	// A synchronous call exists precisely to make the insert that
	// triggered it possible, so it must make progress regardless of how
	// thin the neighbourhood is; a background pass only bothers with a
	// neighbourhood whose buffered volume crosses the MergeThreshold
	// ratio of a page's capacity:
	//   bufVol/capacity > (MergeThreshold-1)/MergeThreshold
	// rearranged to avoid floating point as:
	//   bufVol*MergeThreshold > capacity*(MergeThreshold-1)
	if !sync {
		capacity := c.g.bp.PageSize()
		if bufVol*MergeThreshold <= capacity*(MergeThreshold-1) {
			return 0, nil
		}
	}

	var merged int64
	for _, target := range group {
		tree, rerr := c.resolver.ResolveSpace(target.SpaceID)
		if rerr != nil {
			log.Printf("ibuf: contract: resolve space %d: %v", target.SpaceID, rerr)
			continue
		}
		txID, terr := c.g.log.BeginTx()
		if terr != nil {
			return merged, terr
		}
		n, merr := c.g.MergeForPage(txID, target, tree, true)
		if merr != nil {
			c.g.log.AbortTx(txID)
			return merged, merr
		}
		if cerr := c.g.log.CommitTx(txID); cerr != nil {
			return merged, cerr
		}
		merged += int64(n)
	}

	// Pages handed back to the shared allocator leave the segment, so
	// SegSize shrinks by however many ReleaseSurplus let go.
	stats := c.g.Stats()
	if c.g.free.TooMuchFree(stats.Size(), stats.Height) {
		c.g.mu.Lock()
		before := c.g.free.Count()
		c.g.free.ReleaseSurplus(stats.Size(), stats.Height)
		released := before - c.g.free.Count()
		c.g.stats.SegSize -= released
		c.g.stats.FreeListLen = c.g.free.Count()
		c.g.mu.Unlock()
	}

	return merged, nil
}

// collectGroup scans the auxiliary tree starting at the soft cursor,
// collecting distinct target pages that fall within the first
// MERGE_AREA-wide (space, page_no/MergeArea) window it encounters, up to
// limit pages. If the cursor is already past the end of the tree it
// wraps back to the beginning once. It returns the group found, the key
// the next call should resume scanning from, and the total encoded
// volume of every buffered record seen in the window (including
// duplicates against a page already in the group) — the input to the
// volume-ratio gate in contract().
func (c *Contractor) collectGroup(limit int) ([]TargetKey, []byte, int, error) {
	c.mu.Lock()
	start := c.lastKey
	c.mu.Unlock()

	c.g.mu.Lock()
	defer c.g.mu.Unlock()

	type window struct {
		space uint32
		base  uint32
	}
	var firstWindow *window
	seen := map[TargetKey]bool{}
	var group []TargetKey
	var nextCursor []byte
	var bufVol int

	scan := func(from []byte) error {
		return c.g.aux.ScanRange(from, nil, func(key, _ []byte) bool {
			rec, derr := DecodeKey(key)
			if derr != nil {
				nextCursor = append([]byte{}, key...)
				return false
			}
			w := window{space: rec.Target.SpaceID, base: rec.Target.PageNo / MergeArea}
			if firstWindow == nil {
				firstWindow = &w
			} else if w != *firstWindow {
				nextCursor = append([]byte{}, key...)
				return false
			}
			if vol, verr := EncodedVolume(rec); verr == nil {
				bufVol += vol
			}
			if !seen[rec.Target] {
				seen[rec.Target] = true
				group = append(group, rec.Target)
			}
			if len(group) >= limit {
				nextCursor = append([]byte{}, key...)
				return false
			}
			return true
		})
	}

	if err := scan(start); err != nil {
		return nil, nil, 0, err
	}
	if len(group) == 0 && start != nil {
		if err := scan(nil); err != nil {
			return nil, nil, 0, err
		}
	}
	return group, nextCursor, bufVol, nil
}
