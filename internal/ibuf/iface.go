// Package ibuf implements an insert buffer (change buffer) for the B+Tree
// storage engine in internal/storage/pager: a small auxiliary B+Tree that
// absorbs secondary-index writes against pages that are not currently
// cached, deferring the random-I/O read of the target page until it is
// next brought in for some other reason, or until a background merge
// pass decides the buffered volume is worth the read.
//
// The design mirrors InnoDB's ibuf0ibuf.c: a bitmap page tracks, per
// target page, an approximate free-space quantization plus a "buffered"
// and an "is itself an ibuf page" bit; the auxiliary tree is keyed by
// (space, format marker, target page, type bitmap, payload) so that a
// range scan over one target page's prefix yields all records buffered
// against it, in application order.
package ibuf

import "github.com/ibufdb/ibufdb/internal/storage/pager"

// TargetKey identifies the page a buffered modification is destined for.
type TargetKey struct {
	SpaceID uint32
	PageNo  uint32
}

// ModKind distinguishes the three operations that can be buffered against
// a secondary-index page.
type ModKind uint8

const (
	ModInsert ModKind = iota
	ModDeleteMark
	ModUpdate
)

func (k ModKind) String() string {
	switch k {
	case ModInsert:
		return "insert"
	case ModDeleteMark:
		return "delete-mark"
	case ModUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Mod is a single secondary-index modification buffered for later
// application to its target page, via the target BtreeOps directly:
// Key is the record's index key (present for every kind); Value is the
// payload to store under Key for ModInsert and ModUpdate (the "after"
// image — BtreeOps exposes no in-place update, so Merge applies a
// ModUpdate as delete-then-insert). ModDeleteMark carries only Key.
type Mod struct {
	Kind  ModKind
	Key   []byte
	Value []byte
}

// BtreeOps is the subset of B+Tree operations the insert buffer needs,
// both for its own auxiliary tree and for applying merged records to a
// target secondary-index tree. Concrete binding: *pager.BTree, which
// satisfies it directly (see adapter_pager.go).
type BtreeOps interface {
	Get(key []byte) ([]byte, bool, error)
	Insert(txID pager.TxID, key, value []byte) error
	Delete(txID pager.TxID, key []byte) (bool, error)
	ScanRange(startKey, endKey []byte, fn func(key, value []byte) bool) error
	Count() (int, error)
	Height() (int, error)
}

// BufferPool is the subset of page-cache operations the insert buffer
// needs for its own bitmap and header pages. Concrete binding:
// *pager.Pager, which satisfies it directly.
type BufferPool interface {
	ReadPage(id pager.PageID) ([]byte, error)
	WritePage(txID pager.TxID, id pager.PageID, buf []byte) error
	UnpinPage(id pager.PageID)
	AllocPage() (pager.PageID, []byte)
	FreePage(pid pager.PageID)
	PageSize() int
}

// Log is the subset of transaction/WAL operations the insert buffer needs
// to sequence delete-mark-then-physical-delete application so that a
// crash between the two steps never loses the delete-mark. Concrete
// binding: *pager.Pager, which satisfies it directly.
type Log interface {
	BeginTx() (pager.TxID, error)
	CommitTx(txID pager.TxID) error
	AbortTx(txID pager.TxID) error
}

// FileSpace reports whether a tablespace is still attached. try_buffer
// refuses to buffer against a space it reports missing; discard_space
// only logs a warning when the space it is asked to discard still
// exists, and drops that space's buffered entries either way.
// Concrete binding: *SpaceDirectory (adapter_pager.go).
type FileSpace interface {
	SpaceExists(spaceID uint32) bool
}
