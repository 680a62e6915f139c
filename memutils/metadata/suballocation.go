package metadata

import "math"

// BlockAllocationHandle identifies a live allocation within a BlockMetadata. For BuddyBlockMetadata it is
// the offset of the allocation's first usable byte, so a handle is never zero.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes the block an AllocationRequest will hand out: the offset of the block and
// the number of bytes originally requested
type Suballocation struct {
	Offset int
	Size   int
}
