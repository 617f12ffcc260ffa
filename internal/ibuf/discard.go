package ibuf

import (
	"log"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Discard (C7)
// ───────────────────────────────────────────────────────────────────────────

// DiscardSpace removes every auxiliary record buffered against spaceID,
// without applying any of them. It is called once a
// tablespace has actually been dropped — FileSpace.SpaceExists is
// consulted only to log a warning if that ordering was violated by the
// caller; discard still proceeds either way, since a space about to be
// dropped should never gain new buffered records for it to race with.
func (g *Global) DiscardSpace(txID pager.TxID, spaceID uint32) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tag := g.beginMiniTx()
	defer g.endMiniTx()

	if g.fsp.SpaceExists(spaceID) {
		log.Printf("ibuf: %s: discard_space(%d) called while space still registered with FileSpace", tag, spaceID)
	}

	tree := NewIBufTree(g.aux, g.free)
	var keys [][]byte
	if err := tree.ScanSpace(spaceID, func(key []byte, _ Record) (bool, error) {
		keys = append(keys, key)
		return true, nil
	}); err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		ok, err := tree.Remove(txID, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	g.stats.NMergedRecs += int64(removed)
	return removed, nil
}
