package memutils

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned when no free block of a sufficient order exists. It is recoverable: the
// same request may succeed once other allocations have been released.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrSizeTooLarge is returned when a request can never be satisfied because it is larger than the largest
// block the allocator manages. It wraps ErrOutOfMemory, so errors.Is(err, ErrOutOfMemory) holds for both,
// but errors.Is(err, ErrSizeTooLarge) only holds for this one.
var ErrSizeTooLarge error = errors.Wrap(ErrOutOfMemory, "requested size exceeds the largest block")

// ErrInvalidRelease is returned when releasing an address that is not a live allocation: a double release,
// a foreign address, or an address that was never returned by the allocator.
var ErrInvalidRelease error = errors.New("address is not a live allocation")

// ErrCorruptHeader is returned when the order byte stored ahead of a live allocation no longer matches
// the order recorded when the block was handed out.
var ErrCorruptHeader error = errors.New("allocation header is corrupt")

// ErrInvalidConfiguration is returned when an allocator is created with orders or a pool size it cannot manage
var ErrInvalidConfiguration error = errors.New("invalid allocator configuration")

// SizeTooLargeError builds the error returned for oversized requests
func SizeTooLargeError(size, maxAllocationSize int) error {
	return errors.Wrapf(ErrSizeTooLarge, "requested %d bytes, but the largest allocation is %d bytes", size, maxAllocationSize)
}
