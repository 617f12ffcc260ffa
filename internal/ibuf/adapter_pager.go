package ibuf

import (
	"fmt"
	"sync"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager bindings
// ───────────────────────────────────────────────────────────────────────────
//
// *pager.Pager already implements BufferPool and Log verbatim — ReadPage,
// WritePage, UnpinPage, AllocPage, FreePage and PageSize for the former,
// BeginTx, CommitTx and AbortTx for the latter — and *pager.BTree already
// implements BtreeOps verbatim (Get, Insert, Delete, ScanRange, Count,
// Height).
// Neither needs a wrapper type; passing *pager.Pager and *pager.BTree
// values directly wherever BufferPool, Log or BtreeOps is expected is the
// intended binding.
//
// What pager.go has no notion of at all is more than one independently
// addressable B+Tree keyed by a tablespace id — tinySQL itself is a
// single-file, single-tree store. SpaceDirectory supplies that registry,
// standing in for the catalog a multi-tablespace engine would already
// have, and backs both FileSpace and TargetResolver.
type SpaceDirectory struct {
	mu     sync.RWMutex
	spaces map[uint32]*pager.BTree
}

// NewSpaceDirectory returns an empty directory.
func NewSpaceDirectory() *SpaceDirectory {
	return &SpaceDirectory{spaces: make(map[uint32]*pager.BTree)}
}

// Register attaches tree as the secondary-index tree addressed by
// spaceID, replacing any previous binding — e.g. after an index rebuild
// reroots the tree.
func (d *SpaceDirectory) Register(spaceID uint32, tree *pager.BTree) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spaces[spaceID] = tree
}

// Unregister removes spaceID's binding. Callers drop a space this way
// once its table has actually been torn down, then call
// Global.DiscardSpace to sweep any auxiliary records left pointing at it.
func (d *SpaceDirectory) Unregister(spaceID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.spaces, spaceID)
}

// SpaceExists implements FileSpace.
func (d *SpaceDirectory) SpaceExists(spaceID uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.spaces[spaceID]
	return ok
}

// ResolveSpace implements TargetResolver.
func (d *SpaceDirectory) ResolveSpace(spaceID uint32) (BtreeOps, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tree, ok := d.spaces[spaceID]
	if !ok {
		return nil, fmt.Errorf("%w: space %d not registered", ErrSpaceDiscarded, spaceID)
	}
	return tree, nil
}
