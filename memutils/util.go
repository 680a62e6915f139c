package memutils

import (
	"math/bits"
)

// AlignDown rounds value down to a multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// BlockSize returns the size in bytes of a block of the provided order
func BlockSize(order int) int {
	return 1 << order
}

// OrderForSize returns the smallest order whose block holds at least size bytes. Sizes below 2 map to order 0.
func OrderForSize(size int) int {
	if size <= 1 {
		return 0
	}

	return bits.Len(uint(size - 1))
}

// FloorOrder returns the largest order whose block fits inside size bytes, or -1 when size is not positive.
func FloorOrder(size int) int {
	if size <= 0 {
		return -1
	}

	return bits.Len(uint(size)) - 1
}
