package metadata

import (
	"math/bits"
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/kheap/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	// HeaderSize is the number of bytes at the start of every allocated block that are reserved for the
	// block's order. Requests are rounded up by this amount before an order is chosen.
	HeaderSize = 1
	// MaxOrderLimit is the largest order a BuddyBlockMetadata can manage
	MaxOrderLimit = bits.UintSize - 2
)

type buddyAllocation struct {
	order    int
	userData any
}

// BuddyBlockMetadata is a BlockMetadata implementation of a binary buddy allocator.
//
// The pool is divided into blocks whose sizes are powers of two, between 2^minOrder and 2^maxOrder
// bytes. A block of order k always starts at an offset that is a multiple of 2^k, and its buddy
// (the other half of the order k+1 block containing it) is found at offset XOR 2^k. Free blocks are
// kept in one list per order. Allocations take the smallest sufficient free block and split it in
// half until it matches the requested order, frees merge a block with its free buddy for as many
// orders as possible.
//
// Every allocated block reserves HeaderSize bytes at its start for the consumer to record the block's
// order, so the usable region of an order k allocation is 2^k - HeaderSize bytes starting at the
// offset identified by its BlockAllocationHandle.
//
// BuddyBlockMetadata is not synchronized. Consumers must ensure only one goroutine uses it at a time.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	minOrder  int
	maxOrder  int
	freeTable orderTable

	freeCount  int
	freeSize   int
	lostSize   int
	allocCount int
	allocSize  int

	// Live allocations keyed by block offset
	liveAllocations *swiss.Map[int, buddyAllocation]
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a new BuddyBlockMetadata that hands out blocks between 2^minOrder and
// 2^maxOrder bytes. Init must be called before it is used.
func NewBuddyBlockMetadata(minOrder, maxOrder int) (*BuddyBlockMetadata, error) {
	if minOrder < 1 {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "minimum order %d leaves no room for the order header", minOrder)
	}
	if maxOrder < minOrder {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "maximum order %d is smaller than minimum order %d", maxOrder, minOrder)
	}
	if maxOrder > MaxOrderLimit {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration, "maximum order %d is larger than the limit of %d", maxOrder, MaxOrderLimit)
	}

	return &BuddyBlockMetadata{
		minOrder:  minOrder,
		maxOrder:  maxOrder,
		freeTable: newOrderTable(minOrder, maxOrder),
	}, nil
}

// Init carves a pool of size bytes into free blocks. The pool does not need to be a power of two:
// blocks are placed from the start of the pool, largest order first, and each order is used as many
// times as it fits in what remains. A remainder smaller than 2^minOrder is lost.
func (m *BuddyBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.liveAllocations = swiss.NewMap[int, buddyAllocation](42)
	m.carvePool()
}

func (m *BuddyBlockMetadata) carvePool() {
	m.freeTable.reset()
	m.freeCount = 0
	m.freeSize = 0

	topOrder := memutils.FloorOrder(m.size)
	if topOrder > m.maxOrder {
		topOrder = m.maxOrder
	}

	// Every carved block is a multiple of the granule, so the tail below one granule is all that is lost
	usable := memutils.AlignDown(m.size, uint(memutils.BlockSize(m.minOrder)))
	m.lostSize = m.size - usable

	remaining := usable
	cursor := 0
	for order := topOrder; order >= m.minOrder; order-- {
		blockSize := memutils.BlockSize(order)

		for remaining >= blockSize {
			m.pushFree(order, cursor)
			cursor += blockSize
			remaining -= blockSize
		}
	}
}

// MinOrder returns the order of the smallest block this metadata hands out
func (m *BuddyBlockMetadata) MinOrder() int { return m.minOrder }

// MaxOrder returns the order of the largest block this metadata hands out
func (m *BuddyBlockMetadata) MaxOrder() int { return m.maxOrder }

// MaxAllocationSize returns the largest request, in bytes, that can ever be satisfied
func (m *BuddyBlockMetadata) MaxAllocationSize() int {
	return memutils.BlockSize(m.maxOrder) - HeaderSize
}

// AllocationCount returns the number of live allocations
func (m *BuddyBlockMetadata) AllocationCount() int { return m.allocCount }

// FreeRegionsCount returns the number of free blocks across all orders
func (m *BuddyBlockMetadata) FreeRegionsCount() int { return m.freeCount }

// SumFreeSize returns the number of bytes held in free blocks. Lost bytes are not included.
func (m *BuddyBlockMetadata) SumFreeSize() int { return m.freeSize }

// LostSize returns the number of bytes at the end of the pool that were too small to form a block
func (m *BuddyBlockMetadata) LostSize() int { return m.lostSize }

// IsEmpty will return true if this pool has no live allocations
func (m *BuddyBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

// LargestFreeOrder returns the order of the largest free block, or -1 if there are no free blocks
func (m *BuddyBlockMetadata) LargestFreeOrder() int {
	for order := m.maxOrder; order >= m.minOrder; order-- {
		if m.freeTable.count(order) > 0 {
			return order
		}
	}

	return -1
}

// FreeBlocks returns the offsets of the free blocks of the provided order, in free list order
// (the block the next allocation of that order would receive comes first).
func (m *BuddyBlockMetadata) FreeBlocks(order int) []int {
	if order < m.minOrder || order > m.maxOrder {
		return nil
	}

	offsets := make([]int, 0, m.freeTable.count(order))
	_ = m.freeTable.visit(order, func(offset int) error {
		offsets = append(offsets, offset)
		return nil
	})

	return offsets
}

// MayHaveFreeBlock returns true if a request of size bytes would currently succeed. Unlike most
// implementations of this method, the answer is exact.
func (m *BuddyBlockMetadata) MayHaveFreeBlock(size int) bool {
	if size < 0 || size > m.MaxAllocationSize() {
		return false
	}

	_, found := m.findDonorOrder(m.requestOrder(size))
	return found
}

// requestOrder returns the order of the block that would satisfy a request of size bytes
func (m *BuddyBlockMetadata) requestOrder(size int) int {
	order := memutils.OrderForSize(size + HeaderSize)
	if order < m.minOrder {
		return m.minOrder
	}

	return order
}

func (m *BuddyBlockMetadata) findDonorOrder(order int) (int, bool) {
	for ; order <= m.maxOrder; order++ {
		if m.freeTable.count(order) > 0 {
			return order, true
		}
	}

	return 0, false
}

// buddyOf returns the offset of the buddy of the block at offset with the provided order
func (m *BuddyBlockMetadata) buddyOf(offset, order int) int {
	return offset ^ memutils.BlockSize(order)
}

func (m *BuddyBlockMetadata) pushFree(order, offset int) {
	m.freeTable.push(order, offset)
	m.freeCount++
	m.freeSize += memutils.BlockSize(order)
}

func (m *BuddyBlockMetadata) popFree(order int) int {
	offset, ok := m.freeTable.pop(order)
	if !ok {
		panic("attempted to pop from an empty free list")
	}

	m.freeCount--
	m.freeSize -= memutils.BlockSize(order)
	return offset
}

func (m *BuddyBlockMetadata) removeFree(order, offset int) bool {
	if !m.freeTable.remove(order, offset) {
		return false
	}

	m.freeCount--
	m.freeSize -= memutils.BlockSize(order)
	return true
}

// CreateAllocationRequest finds the free block that an allocation of allocSize bytes would be carved from.
// A request of 0 bytes is treated as a request for the smallest block. It returns false with no error when
// every sufficient free list is empty, and an error wrapping memutils.ErrSizeTooLarge when allocSize can never
// be satisfied.
func (m *BuddyBlockMetadata) CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 0 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if allocSize > m.MaxAllocationSize() {
		return false, allocRequest, memutils.SizeTooLargeError(allocSize, m.MaxAllocationSize())
	}

	memutils.DebugValidate(m)

	order := m.requestOrder(allocSize)
	donorOrder, found := m.findDonorOrder(order)
	if !found {
		return false, allocRequest, nil
	}

	offset, _ := m.freeTable.head(donorOrder)

	// The lower half is always the one kept while splitting, so the block
	// ends up at the donor's offset
	allocRequest.Type = AllocationRequestBuddy
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset + HeaderSize)
	allocRequest.Size = memutils.BlockSize(order)
	allocRequest.Item = Suballocation{Offset: offset, Size: allocSize}
	allocRequest.Order = order
	allocRequest.DonorOrder = donorOrder
	allocRequest.AlgorithmData = uint64(offset)

	return true, allocRequest, nil
}

// Alloc commits a request created by CreateAllocationRequest. The donor block is removed from its free list
// and split in half until it reaches the requested order, with each upper half pushed onto the free list one
// order down. It returns an error if the free lists changed since the request was created.
func (m *BuddyBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestBuddy {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	if req.Order < m.minOrder || req.DonorOrder > m.maxOrder || req.DonorOrder < req.Order {
		return errors.Errorf("allocation request has invalid orders: order %d, donor order %d", req.Order, req.DonorOrder)
	}

	offset := int(req.AlgorithmData)
	head, ok := m.freeTable.head(req.DonorOrder)
	if !ok || head != offset {
		return errors.Errorf("allocation request is stale: the block at offset %d is no longer at the head of free list %d", offset, req.DonorOrder)
	}

	m.popFree(req.DonorOrder)

	for order := req.DonorOrder; order > req.Order; {
		order--
		m.pushFree(order, m.buddyOf(offset, order))
	}

	m.liveAllocations.Put(offset, buddyAllocation{order: req.Order, userData: userData})
	m.allocCount++
	m.allocSize += memutils.BlockSize(req.Order)

	return nil
}

// Free returns the allocation identified by allocHandle to the free lists, merging it with its buddy for
// as long as the buddy is free. It returns an error wrapping memutils.ErrInvalidRelease if the handle
// is not a live allocation, which includes handles that were already freed.
func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	m.liveAllocations.Delete(offset)
	m.allocCount--
	m.allocSize -= memutils.BlockSize(alloc.order)

	m.releaseBlock(offset, alloc.order)
	return nil
}

func (m *BuddyBlockMetadata) releaseBlock(offset, order int) {
	for ; order < m.maxOrder; order++ {
		buddy := m.buddyOf(offset, order)

		// A buddy that runs past the end of the pool was never carved, so it can never be free
		if buddy+memutils.BlockSize(order) > m.size || !m.removeFree(order, buddy) {
			break
		}

		if buddy < offset {
			offset = buddy
		}
	}

	m.pushFree(order, offset)
}

func (m *BuddyBlockMetadata) getAllocation(allocHandle BlockAllocationHandle) (int, buddyAllocation, error) {
	if allocHandle == NoAllocation || allocHandle < HeaderSize || allocHandle > BlockAllocationHandle(m.size) {
		return 0, buddyAllocation{}, errors.Wrapf(memutils.ErrInvalidRelease, "handle %d is outside the pool", allocHandle)
	}

	offset := int(allocHandle) - HeaderSize
	alloc, ok := m.liveAllocations.Get(offset)
	if !ok {
		return 0, buddyAllocation{}, errors.Wrapf(memutils.ErrInvalidRelease, "no live allocation at offset %d", offset)
	}

	return offset, alloc, nil
}

// AllocationOffset returns the offset of the block holding a live allocation. The block's first
// HeaderSize bytes are reserved for the order header.
func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	offset, _, err := m.getAllocation(allocHandle)
	return offset, err
}

// AllocationOrder returns the order of the block holding a live allocation
func (m *BuddyBlockMetadata) AllocationOrder(allocHandle BlockAllocationHandle) (int, error) {
	_, alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return alloc.order, nil
}

func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	_, alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return alloc.userData, nil
}

func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	offset, alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	alloc.userData = userData
	m.liveAllocations.Put(offset, alloc)
	return nil
}

type buddyRegion struct {
	offset   int
	order    int
	free     bool
	userData any
}

func (m *BuddyBlockMetadata) collectRegions() []buddyRegion {
	regions := make([]buddyRegion, 0, m.freeCount+m.allocCount)

	for order := m.minOrder; order <= m.maxOrder; order++ {
		regionOrder := order
		_ = m.freeTable.visit(order, func(offset int) error {
			regions = append(regions, buddyRegion{offset: offset, order: regionOrder, free: true})
			return nil
		})
	}

	m.liveAllocations.Iter(func(offset int, alloc buddyAllocation) bool {
		regions = append(regions, buddyRegion{offset: offset, order: alloc.order, userData: alloc.userData})
		return false
	})

	slices.SortFunc(regions, func(left, right buddyRegion) int {
		return left.offset - right.offset
	})

	return regions
}

// VisitAllRegions calls handleBlock for every free block and every live allocation in offset order.
// Allocations are reported with the offset and size of their whole block, header included.
func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for _, region := range m.collectRegions() {
		handle := NoAllocation
		if !region.free {
			handle = BlockAllocationHandle(region.offset + HeaderSize)
		}

		err := handleBlock(handle, region.offset, memutils.BlockSize(region.order), region.userData, region.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate scans every free list and live allocation. It verifies that every block is aligned to its
// order and lies inside the pool, that no two buddies are free in the same order, that no two blocks
// overlap, and that the running counters agree with what the scan found.
func (m *BuddyBlockMetadata) Validate() error {
	var freeCount, freeSize int

	for order := m.minOrder; order <= m.maxOrder; order++ {
		blockSize := memutils.BlockSize(order)
		offsets := make(map[int]struct{}, m.freeTable.count(order))
		listLength := 0

		err := m.freeTable.visit(order, func(offset int) error {
			listLength++

			if offset%blockSize != 0 {
				return errors.Errorf("free block at offset %d is not aligned to its order %d", offset, order)
			}
			if offset < 0 || offset+blockSize > m.size {
				return errors.Errorf("free block at offset %d with order %d lies outside the pool", offset, order)
			}
			if _, duplicate := offsets[offset]; duplicate {
				return errors.Errorf("free block at offset %d appears twice in free list %d", offset, order)
			}

			offsets[offset] = struct{}{}
			return nil
		})
		if err != nil {
			return err
		}

		if listLength != m.freeTable.count(order) {
			return errors.Errorf("free list %d holds %d blocks, but its count is %d", order, listLength, m.freeTable.count(order))
		}

		if order < m.maxOrder {
			for offset := range offsets {
				if _, buddyFree := offsets[m.buddyOf(offset, order)]; buddyFree {
					return errors.Errorf("free block at offset %d and its buddy are both free at order %d", offset, order)
				}
			}
		}

		freeCount += listLength
		freeSize += listLength * blockSize
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free block count of the metadata is %d, but the free lists held %d blocks", m.freeCount, freeCount)
	}

	if freeSize != m.freeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free blocks only added up to %d", m.freeSize, freeSize)
	}

	var allocCount, allocSize int
	var validateErr error
	m.liveAllocations.Iter(func(offset int, alloc buddyAllocation) bool {
		blockSize := memutils.BlockSize(alloc.order)

		if alloc.order < m.minOrder || alloc.order > m.maxOrder {
			validateErr = errors.Errorf("allocation at offset %d has invalid order %d", offset, alloc.order)
			return true
		}
		if offset%blockSize != 0 {
			validateErr = errors.Errorf("allocation at offset %d is not aligned to its order %d", offset, alloc.order)
			return true
		}
		if offset < 0 || offset+blockSize > m.size {
			validateErr = errors.Errorf("allocation at offset %d with order %d lies outside the pool", offset, alloc.order)
			return true
		}

		allocCount++
		allocSize += blockSize
		return false
	})
	if validateErr != nil {
		return validateErr
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but there were %d live allocations", m.allocCount, allocCount)
	}

	if allocSize != m.allocSize {
		return errors.Errorf("the allocated size of the metadata is %d, but the live allocations added up to %d", m.allocSize, allocSize)
	}

	nextOffset := 0
	for _, region := range m.collectRegions() {
		if region.offset < nextOffset {
			return errors.Errorf("block at offset %d overlaps the block before it, which ends at offset %d", region.offset, nextOffset)
		}

		nextOffset = region.offset + memutils.BlockSize(region.order)
	}

	if freeSize+allocSize+m.lostSize != m.size {
		return errors.Errorf("the pool is %d bytes, but free (%d), allocated (%d) and lost (%d) bytes add up to %d",
			m.size, freeSize, allocSize, m.lostSize, freeSize+allocSize+m.lostSize)
	}

	return nil
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PoolCount++
	stats.PoolBytes += m.size
	stats.LostBytes += m.lostSize

	for order := m.minOrder; order <= m.maxOrder; order++ {
		for i := 0; i < m.freeTable.count(order); i++ {
			stats.AddFreeBlock(order)
		}
	}

	m.liveAllocations.Iter(func(offset int, alloc buddyAllocation) bool {
		stats.AddAllocation(memutils.BlockSize(alloc.order))
		return false
	})
}

func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PoolCount++
	stats.PoolBytes += m.size
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.allocSize
	stats.FreeBlockCount += m.freeCount
	stats.FreeBytes += m.freeSize
	stats.LostBytes += m.lostSize
}

// BlockJsonData populates a json object with the pool totals and the number of free blocks in each order
func (m *BuddyBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.size-m.allocSize, m.allocCount, m.freeCount)
	json.Name("LostBytes").Int(m.lostSize)
	json.Name("MinOrder").Int(m.minOrder)
	json.Name("MaxOrder").Int(m.maxOrder)

	freeBlocks := json.Name("FreeBlocksPerOrder").Object()
	for order := m.minOrder; order <= m.maxOrder; order++ {
		freeBlocks.Name(strconv.Itoa(order)).Int(m.freeTable.count(order))
	}
	freeBlocks.End()
}

// Clear frees every allocation and carves the pool again, exactly as Init did
func (m *BuddyBlockMetadata) Clear() {
	m.liveAllocations = swiss.NewMap[int, buddyAllocation](42)
	m.allocCount = 0
	m.allocSize = 0
	m.carvePool()
}

// DebugLogAllAllocations calls logFunc once for each live allocation, in offset order
func (m *BuddyBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for _, region := range m.collectRegions() {
		if !region.free {
			logFunc(logger, region.offset, memutils.BlockSize(region.order), region.userData)
		}
	}
}
