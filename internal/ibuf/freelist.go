package ibuf

import "github.com/ibufdb/ibufdb/internal/storage/pager"

// ───────────────────────────────────────────────────────────────────────────
// Private page allocator
// ───────────────────────────────────────────────────────────────────────────
//
// InnoDB gives the insert buffer its own file segment precisely so that
// growing the auxiliary tree never has to go through the general
// allocator in a way that could itself recurse into buffering (allocating
// a page for a secondary index could, in principle, need to buffer a
// change against some other page, which could need to allocate a page,
// ...). FreeList is that private segment: a small reserve of pages,
// layered on top of pager.FreeManager's existing free-page bookkeeping,
// that the auxiliary tree (tree.go) draws on before ever calling
// BufferPool.AllocPage directly.
type FreeList struct {
	bp BufferPool
	fm *pager.FreeManager
}

// NewFreeList creates an empty FreeList. Call LoadFromDisk to restore a
// previously persisted chain.
func NewFreeList(bp BufferPool) *FreeList {
	return &FreeList{bp: bp, fm: pager.NewFreeManager()}
}

// LoadFromDisk walks the on-disk free-list chain rooted at root and
// populates the in-memory set, the same way pager.OpenPager restores the
// database's own free list at startup.
func (fl *FreeList) LoadFromDisk(root pager.PageID) error {
	if root == pager.InvalidPageID {
		return nil
	}
	return fl.fm.LoadFromDisk(root, fl.bp.ReadPage)
}

// Count returns how many pages are currently held in reserve.
func (fl *FreeList) Count() int { return fl.fm.Count() }

// AddPage puts pid into the private reserve. The insert path calls this
// to top the reserve up from the shared allocator whenever
// EnoughFreeForInsert says a worst-case split could not be absorbed
// privately; the pages stay in reserve until a split consumes them or
// TooMuchFree lets ReleaseSurplus hand them back.
func (fl *FreeList) AddPage(pid pager.PageID) {
	fl.fm.Free(pid)
}

// TakePage pops a page from the private reserve, if any is available.
func (fl *FreeList) TakePage() (pager.PageID, bool) {
	pid := fl.fm.Alloc()
	return pid, pid != pager.InvalidPageID
}

// TakePageForSplit returns a page for the auxiliary tree to use as a new
// leaf or internal node, preferring the private reserve and only falling
// back to BufferPool.AllocPage when the reserve is empty.
func (fl *FreeList) TakePageForSplit() (pager.PageID, []byte) {
	if pid, ok := fl.TakePage(); ok {
		buf := make([]byte, fl.bp.PageSize())
		return pid, buf
	}
	return fl.bp.AllocPage()
}

// EnoughFreeForInsert reports whether the reserve can still absorb a
// split without reaching into the shared allocator. try_buffer checks
// this before committing to buffering a change, alongside the bitmap
// free-space check on the target page itself. The
// reserve has to scale with the tree it backs: a bigger, taller tree
// needs more pages in flight to guarantee every split on the current
// root-to-leaf path can still be satisfied privately.
//   free_list_len >= size/2 + 3*height
func (fl *FreeList) EnoughFreeForInsert(size, height int) bool {
	return fl.fm.Count() >= size/2+3*height
}

// TooMuchFree reports whether the reserve has grown beyond what the
// auxiliary tree plausibly needs, so surplus pages can be handed back to
// the shared allocator instead of sitting idle in the private segment.
//   free_list_len >= 3 + size/2 + 3*height
func (fl *FreeList) TooMuchFree(size, height int) bool {
	return fl.fm.Count() >= 3+size/2+3*height
}

// ReleaseSurplus hands back pages to the shared allocator via FreePage
// until the reserve no longer clears TooMuchFree, shrinking the private
// reserve back down to the size/height-scaled requirement.
func (fl *FreeList) ReleaseSurplus(size, height int) {
	for fl.TooMuchFree(size, height) {
		pid := fl.fm.Alloc()
		if pid == pager.InvalidPageID {
			return
		}
		fl.bp.FreePage(pid)
	}
}

// FlushToDisk persists the in-memory reserve as a chain of
// pager.FreeListPage pages and returns the new chain head, for the
// caller to store in the insert buffer's header page.
func (fl *FreeList) FlushToDisk(txID pager.TxID) (pager.PageID, error) {
	head, pages := fl.fm.FlushToDisk(fl.bp.PageSize(), fl.bp.AllocPage)
	for _, buf := range pages {
		hdr := pager.UnmarshalHeader(buf)
		if err := fl.bp.WritePage(txID, hdr.ID, buf); err != nil {
			return pager.InvalidPageID, err
		}
	}
	return head, nil
}
