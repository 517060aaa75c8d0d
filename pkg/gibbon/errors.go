package gibbon

import "errors"

// Sentinel errors returned by gibbon operations.
//
// Callers should use [errors.Is] to check error kinds:
//
//	if errors.Is(err, gibbon.ErrExhausted) {
//	    // grow the universe via ExpandPermissions / ExpandGroups
//	}
//
// Store failures that do not map to one of these kinds bubble up
// unchanged from the driver. Transient transaction conflicts are retried
// inside the facade's transaction helper and never surface unless the
// retry budget is exhausted.
var (
	// ErrExhausted indicates an allocation found no free slot.
	//
	// Recovery: deallocate unused slots or expand the universe.
	ErrExhausted = errors.New("gibbon: exhausted")

	// ErrNotAllocated indicates a named position is not currently
	// allocated. Returned before any write of the failed operation.
	ErrNotAllocated = errors.New("gibbon: not allocated")

	// ErrShrinkDeniesLive indicates a shrink would drop allocated slots
	// beyond the new boundary. No rows are deleted and no masks are
	// truncated when this is returned.
	//
	// Recovery: deallocate the slots beyond the boundary first.
	ErrShrinkDeniesLive = errors.New("gibbon: shrink would drop allocated slots")

	// ErrResizeDirection indicates the requested byte length is not
	// strictly greater (expand) or strictly smaller (shrink) than the
	// current one.
	//
	// This is a programming error.
	ErrResizeDirection = errors.New("gibbon: wrong resize direction")

	// ErrAlreadySeeded indicates [Gibbon.Seed] found pre-existing slot
	// documents. Existing allocations are preserved.
	//
	// [Gibbon.Initialize] swallows this and is the safe entry point.
	ErrAlreadySeeded = errors.New("gibbon: already seeded")

	// ErrTypeMismatch indicates a mask input that is none of raw bytes,
	// *bitmask.Mask, or a list of positions.
	//
	// This is a programming error.
	ErrTypeMismatch = errors.New("gibbon: unsupported mask input type")

	// ErrConfigInvalid indicates a config that fails validation or a
	// config file that cannot be loaded.
	ErrConfigInvalid = errors.New("gibbon: invalid config")

	// ErrConfigNotFound indicates an explicitly named config file does
	// not exist.
	ErrConfigNotFound = errors.New("gibbon: config file not found")
)
