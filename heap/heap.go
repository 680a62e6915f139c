package heap

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/kheap/internal/utils"
	"github.com/vkngwrapper/kheap/memutils"
	"github.com/vkngwrapper/kheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Heap is a kernel heap backed by a binary buddy allocator. It manages an arena of memory that
// the caller has set aside for dynamic allocation and hands out addresses within it.
//
// Each allocation is a block of 2^k bytes. The first byte of the block holds k, and the address
// returned to the caller points just past it, so the caller may use 2^k - 1 bytes.
//
// Unless HeapCreateExternallySynchronized is specified, a Heap may be used from multiple goroutines.
// With the flag, the caller is responsible for ensuring that at most one call is running at a time.
type Heap struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex

	arena    []byte
	base     uintptr
	metadata *metadata.BuddyBlockMetadata
}

// New creates a Heap that manages the provided arena. The arena does not need to be a power of two
// in size: it is carved into the fewest possible blocks, and any remainder smaller than the smallest
// block is never used. The Heap takes over the arena for the rest of its life, and the caller must not
// touch it except through addresses returned from Allocate.
func New(logger *slog.Logger, arena []byte, options CreateOptions) (*Heap, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a heap without a logger")
	}

	minOrder := options.MinOrder
	if minOrder == 0 {
		minOrder = DefaultMinOrder
	}

	maxOrder := options.MaxOrder
	if maxOrder == 0 {
		maxOrder = DefaultMaxOrder
	}

	blockMetadata, err := metadata.NewBuddyBlockMetadata(minOrder, maxOrder)
	if err != nil {
		return nil, errors.Wrap(err, "could not create heap metadata")
	}

	if len(arena) < memutils.BlockSize(minOrder) {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration,
			"arena of %d bytes is smaller than the smallest block of %d bytes", len(arena), memutils.BlockSize(minOrder))
	}

	base := options.BaseAddress
	if base == 0 {
		base = uintptr(unsafe.Pointer(&arena[0]))
	}

	if uint64(base) > math.MaxUint64-uint64(len(arena)) {
		return nil, errors.Wrapf(memutils.ErrInvalidConfiguration,
			"arena of %d bytes at base address 0x%x wraps the address space", len(arena), base)
	}

	blockMetadata.Init(len(arena))
	memutils.WritePoison(arena)

	heap := &Heap{
		logger:   logger,
		mutex:    utils.OptionalMutex{UseMutex: options.Flags&HeapCreateExternallySynchronized == 0},
		arena:    arena,
		base:     base,
		metadata: blockMetadata,
	}

	logger.Debug("Heap::New",
		slog.String("BaseAddress", formatAddress(base)),
		slog.Int("Size", len(arena)),
		slog.Int("MinOrder", minOrder),
		slog.Int("MaxOrder", maxOrder),
		slog.String("Flags", options.Flags.String()),
	)

	if blockMetadata.LostSize() > 0 {
		logger.Warn("heap arena has a remainder too small to form a block, it will never be allocated",
			slog.Int("LostBytes", blockMetadata.LostSize()))
	}

	return heap, nil
}

func formatAddress(address uintptr) string {
	return fmt.Sprintf("0x%08x", address)
}

// BaseAddress returns the address of the first byte of the arena
func (h *Heap) BaseAddress() uintptr {
	return h.base
}

// Size returns the size in bytes of the arena
func (h *Heap) Size() int {
	return len(h.arena)
}

// MaxAllocationSize returns the largest number of bytes a single call to Allocate can ever return
func (h *Heap) MaxAllocationSize() int {
	if h.metadata == nil {
		return 0
	}

	return h.metadata.MaxAllocationSize()
}

func (h *Heap) checkAlive() error {
	if h.metadata == nil {
		return errors.New("attempted to use a heap that has been destroyed")
	}

	return nil
}

// Allocate reserves at least size bytes and returns the address of the first usable byte. A size
// of 0 reserves the smallest block. When no free block is large enough, the returned error matches
// memutils.ErrOutOfMemory; when size is larger than MaxAllocationSize it also matches
// memutils.ErrSizeTooLarge.
func (h *Heap) Allocate(size int) (uintptr, error) {
	h.logger.Debug("Heap::Allocate", slog.Int("Size", size))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return 0, err
	}

	success, request, err := h.metadata.CreateAllocationRequest(size)
	if err != nil {
		return 0, errors.Wrapf(err, "could not allocate %d bytes", size)
	}
	if !success {
		return 0, errors.Wrapf(memutils.ErrOutOfMemory, "no free block can hold %d bytes", size)
	}

	// The requested size is kept as user data for diagnostics
	err = h.metadata.Alloc(request, size)
	if err != nil {
		return 0, err
	}

	h.arena[request.Item.Offset] = byte(request.Order)

	memutils.DebugValidate(h.metadata)
	return h.base + uintptr(request.BlockAllocationHandle), nil
}

// handleFor converts an address returned from Allocate into the metadata handle for it. It only
// checks that the address could belong to the arena, not that it is live.
func (h *Heap) handleFor(address uintptr) (metadata.BlockAllocationHandle, error) {
	if address < h.base+metadata.HeaderSize || address >= h.base+uintptr(len(h.arena)) {
		return metadata.NoAllocation, errors.Wrapf(memutils.ErrInvalidRelease,
			"address %s is outside the heap arena", formatAddress(address))
	}

	return metadata.BlockAllocationHandle(address - h.base), nil
}

// liveAllocation finds the block behind an address returned from Allocate, and verifies that the
// order header in front of it still matches the order of the block
func (h *Heap) liveAllocation(address uintptr) (metadata.BlockAllocationHandle, int, int, error) {
	handle, err := h.handleFor(address)
	if err != nil {
		return handle, 0, 0, err
	}

	order, err := h.metadata.AllocationOrder(handle)
	if err != nil {
		return handle, 0, 0, errors.Wrapf(err, "address %s", formatAddress(address))
	}

	blockOffset := int(handle) - metadata.HeaderSize
	headerOrder := int(h.arena[blockOffset])
	if headerOrder != order {
		return handle, 0, 0, errors.Wrapf(memutils.ErrCorruptHeader,
			"allocation at %s has order %d in its header, but it was allocated with order %d",
			formatAddress(address), headerOrder, order)
	}

	return handle, blockOffset, order, nil
}

// Release returns an allocation to the heap. The address must be one returned from Allocate that has
// not been released since. Anything else is rejected with an error matching memutils.ErrInvalidRelease,
// and an allocation whose order header was overwritten is rejected with memutils.ErrCorruptHeader and
// remains allocated.
func (h *Heap) Release(address uintptr) error {
	h.logger.Debug("Heap::Release", slog.String("Address", formatAddress(address)))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	handle, blockOffset, order, err := h.liveAllocation(address)
	if err != nil {
		return err
	}

	err = h.metadata.Free(handle)
	if err != nil {
		return err
	}

	memutils.WritePoison(h.arena[blockOffset : blockOffset+memutils.BlockSize(order)])

	memutils.DebugValidate(h.metadata)
	return nil
}

// Bytes returns the usable memory behind a live allocation
func (h *Heap) Bytes(address uintptr) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return nil, err
	}

	handle, blockOffset, order, err := h.liveAllocation(address)
	if err != nil {
		return nil, err
	}

	end := blockOffset + memutils.BlockSize(order)
	return h.arena[int(handle):end:end], nil
}

// UsableSize returns the number of bytes the caller may use at a live allocation's address
func (h *Heap) UsableSize(address uintptr) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return 0, err
	}

	_, _, order, err := h.liveAllocation(address)
	if err != nil {
		return 0, err
	}

	return memutils.BlockSize(order) - metadata.HeaderSize, nil
}

// FreeBlocks lists the addresses of the free blocks of the provided order, starting with the block
// that the next allocation of that order would receive
func (h *Heap) FreeBlocks(order int) []uintptr {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.metadata == nil {
		return nil
	}

	offsets := h.metadata.FreeBlocks(order)
	addresses := make([]uintptr, 0, len(offsets))
	for _, offset := range offsets {
		addresses = append(addresses, h.base+uintptr(offset))
	}

	return addresses
}

// SumFreeSize returns the number of bytes held in free blocks
func (h *Heap) SumFreeSize() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.metadata == nil {
		return 0
	}

	return h.metadata.SumFreeSize()
}

// LargestFreeBlockSize returns the size of the largest free block, or 0 if the heap is exhausted
func (h *Heap) LargestFreeBlockSize() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.metadata == nil {
		return 0
	}

	order := h.metadata.LargestFreeOrder()
	if order < 0 {
		return 0
	}

	return memutils.BlockSize(order)
}

// AddStatistics sums this heap's statistics into the provided statistics object
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.metadata != nil {
		h.metadata.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums this heap's detailed statistics into the provided statistics object
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.metadata != nil {
		h.metadata.AddDetailedStatistics(stats)
	}
}

// Validate checks the allocator's free lists and live allocations for consistency, and verifies
// that the order header of every live allocation is intact. It is expensive and intended for
// diagnostics and tests.
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	err := h.metadata.Validate()
	if err != nil {
		return err
	}

	return h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		headerOrder := int(h.arena[offset])
		if memutils.BlockSize(headerOrder) != size {
			return errors.Wrapf(memutils.ErrCorruptHeader, "allocation at %s of %d bytes has order %d in its header",
				formatAddress(h.base+uintptr(handle)), size, headerOrder)
		}

		return nil
	})
}

// CheckCorruption verifies that no free block has been written to since it was released. It
// only detects anything when built with the debug_kheap build tag, and returns nil otherwise.
func (h *Heap) CheckCorruption() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	return h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free && !memutils.ValidatePoison(h.arena[offset:offset+size]) {
			return errors.Newf("memory corruption detected in the free block at %s", formatAddress(h.base+uintptr(offset)))
		}

		return nil
	})
}

func (h *Heap) logUnreleasedMemory(logger *slog.Logger, offset, size int, userData any) {
	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased allocation",
		slog.String("address", formatAddress(h.base+uintptr(offset+metadata.HeaderSize))),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("requestedSize", userData),
	)
}

// Reset releases every live allocation at once and returns the heap to the state it was in right
// after New. Each allocation that was still live is logged as unreleased memory.
func (h *Heap) Reset() error {
	h.logger.Debug("Heap::Reset")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	h.metadata.DebugLogAllAllocations(h.logger, h.logUnreleasedMemory)
	h.metadata.Clear()
	memutils.WritePoison(h.arena)

	return nil
}

// Destroy gives up the heap's arena. It fails if any allocation is still live, logging each of them.
func (h *Heap) Destroy() error {
	h.logger.Debug("Heap::Destroy")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.checkAlive(); err != nil {
		return err
	}

	if !h.metadata.IsEmpty() {
		h.metadata.DebugLogAllAllocations(h.logger, h.logUnreleasedMemory)
		return errors.Newf("%d allocations were not released before the heap was destroyed", h.metadata.AllocationCount())
	}

	h.metadata = nil
	h.arena = nil
	return nil
}
