package ibuf

import (
	"encoding/binary"
	"fmt"

	"github.com/ibufdb/ibufdb/internal/storage/pager"
)

// ───────────────────────────────────────────────────────────────────────────
// Auxiliary tree
// ───────────────────────────────────────────────────────────────────────────
//
// IBufTree is a thin, record-aware layer over BtreeOps: it turns Record
// values into the sortable keys codec.go defines, and turns a TargetKey
// into the byte-range ScanRange needs to enumerate exactly the records
// buffered against one page (or, for discard_space, every page of one
// space).
//
// The private allocator itself lives one layer down: global.go wires
// FreeList.TakePageForSplit into aux's split sites via
// pager.BTree.SetPageAllocator (see wirePrivateAllocator), so growing
// the auxiliary tree draws pages from the private reserve first and
// only reaches into BufferPool.AllocPage once that reserve is empty.
// IBufTree itself stays a thin record/key translation over BtreeOps —
// it doesn't need to touch free directly, but keeps the reference so
// callers that only have an IBufTree (rather than the Global that built
// it) can still inspect the reserve.
type IBufTree struct {
	aux  BtreeOps
	free *FreeList
}

// NewIBufTree builds an IBufTree over an already-rooted auxiliary
// BtreeOps and its private free-list accounting.
func NewIBufTree(aux BtreeOps, free *FreeList) *IBufTree {
	return &IBufTree{aux: aux, free: free}
}

// Put encodes rec and inserts it into the auxiliary tree. The auxiliary
// tree's value is always empty — every field rec carries lives in the
// sortable key itself, as in InnoDB's ibuf records.
func (t *IBufTree) Put(txID pager.TxID, rec Record) error {
	key, err := EncodeKey(rec)
	if err != nil {
		return err
	}
	return t.aux.Insert(txID, key, nil)
}

// Remove deletes the auxiliary record with the exact key bytes given
// (normally obtained from a prior ScanTarget callback).
func (t *IBufTree) Remove(txID pager.TxID, key []byte) (bool, error) {
	return t.aux.Delete(txID, key)
}

// Count returns the total number of records currently buffered across
// every target page.
func (t *IBufTree) Count() (int, error) {
	return t.aux.Count()
}

// targetPrefix renders the (space, marker, page) prefix shared by every
// auxiliary record buffered against target.
func targetPrefix(target TargetKey) []byte {
	var p [9]byte
	binary.BigEndian.PutUint32(p[0:4], target.SpaceID)
	p[4] = formatMarker
	binary.BigEndian.PutUint32(p[5:9], target.PageNo)
	return p[:]
}

// TargetRange returns the [start, end) byte range containing exactly the
// auxiliary records buffered against target.
func TargetRange(target TargetKey) (start, end []byte) {
	start = targetPrefix(target)
	end = targetPrefix(TargetKey{SpaceID: target.SpaceID, PageNo: target.PageNo + 1})
	return start, end
}

// SpaceRange returns the [start, end) byte range containing every
// auxiliary record buffered against any page of spaceID, used by
// discard_space.
func SpaceRange(spaceID uint32) (start, end []byte) {
	start = targetPrefix(TargetKey{SpaceID: spaceID, PageNo: 0})
	end = targetPrefix(TargetKey{SpaceID: spaceID + 1, PageNo: 0})
	return start, end
}

// ScanTarget calls fn with every decoded record buffered against target,
// in key order (i.e. application order), stopping early if fn returns
// false or an error.
func (t *IBufTree) ScanTarget(target TargetKey, fn func(key []byte, rec Record) (bool, error)) error {
	start, end := TargetRange(target)
	var scanErr error
	err := t.aux.ScanRange(start, end, func(key, _ []byte) bool {
		rec, derr := DecodeKey(key)
		if derr != nil {
			scanErr = fmt.Errorf("ibuf: scan target %+v: %w", target, derr)
			return false
		}
		cont, ferr := fn(key, rec)
		if ferr != nil {
			scanErr = ferr
			return false
		}
		return cont
	})
	if err != nil {
		return err
	}
	return scanErr
}

// ScanSpace calls fn with every decoded record buffered against any page
// of spaceID, in key order.
func (t *IBufTree) ScanSpace(spaceID uint32, fn func(key []byte, rec Record) (bool, error)) error {
	start, end := SpaceRange(spaceID)
	var scanErr error
	err := t.aux.ScanRange(start, end, func(key, _ []byte) bool {
		rec, derr := DecodeKey(key)
		if derr != nil {
			scanErr = fmt.Errorf("ibuf: scan space %d: %w", spaceID, derr)
			return false
		}
		cont, ferr := fn(key, rec)
		if ferr != nil {
			scanErr = ferr
			return false
		}
		return cont
	})
	if err != nil {
		return err
	}
	return scanErr
}
