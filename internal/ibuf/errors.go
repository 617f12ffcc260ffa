package ibuf

import "errors"

// Sentinel errors returned by the insert buffer. Callers use errors.Is
// against these, never string matching.
var (
	// ErrNoSpace means the auxiliary tree's private page allocator could
	// not satisfy a split or a new leaf without taking a page from the
	// shared free list, and the caller asked it not to (budget_pages
	// exhausted, or FreeList.enough_free_for_insert said no).
	ErrNoSpace = errors.New("ibuf: no space in auxiliary tree allocator")

	// ErrBitmapFull means bitmap_page_for addressed a page slot whose
	// window bitmap page itself has no room left for a new window
	// (should not happen with correctly sized bitmaps; treated as
	// corruption upstream).
	ErrBitmapFull = errors.New("ibuf: bitmap page out of capacity")

	// ErrTooBig means the encoded auxiliary record (or the original
	// entry it carries) is too large ever to fit on a single leaf page
	// of the auxiliary tree, even after overflow chaining. Buffering is
	// refused; the caller must apply the change directly.
	ErrTooBig = errors.New("ibuf: entry too large to buffer")

	// ErrCorruption is returned when a decoded auxiliary record, bitmap
	// page, or header page fails a structural check (bad format marker,
	// truncated type bitmap, page not of the expected type).
	ErrCorruption = errors.New("ibuf: corrupted auxiliary structure")

	// ErrCursorLost means a scan over the auxiliary tree's per-page
	// prefix was invalidated by a concurrent structural change (a split
	// or merge moved the record the cursor was positioned on) and must
	// be restarted from the prefix start.
	ErrCursorLost = errors.New("ibuf: auxiliary tree cursor lost position")

	// ErrNotBuffered is returned by operations that require an existing
	// buffered entry (e.g. a targeted delete-mark) when none is found.
	ErrNotBuffered = errors.New("ibuf: no buffered entry for target")

	// ErrSpaceDiscarded is returned when an operation is attempted
	// against a target space that discard_space has already torn down.
	ErrSpaceDiscarded = errors.New("ibuf: target space has been discarded")

	// ErrForcedCrashBeforePhysicalDelete is returned by MergeForPage when
	// Config.DebugForceCrashBeforePhysicalDelete is set, simulating a
	// process crash after every buffered record for the page has been
	// delete-marked but before any of them is physically removed.
	ErrForcedCrashBeforePhysicalDelete = errors.New("ibuf: forced crash before physical delete (debug fault injection)")
)
