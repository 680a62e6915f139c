package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/kheap/memutils"
	"github.com/vkngwrapper/kheap/memutils/metadata"
)

func newBuddy(t *testing.T, minOrder, maxOrder, size int) *metadata.BuddyBlockMetadata {
	buddy, err := metadata.NewBuddyBlockMetadata(minOrder, maxOrder)
	require.NoError(t, err)

	buddy.Init(size)
	require.NoError(t, buddy.Validate())
	return buddy
}

func allocate(t *testing.T, buddy *metadata.BuddyBlockMetadata, size int) metadata.BlockAllocationHandle {
	success, req, err := buddy.CreateAllocationRequest(size)
	require.NoError(t, err)
	require.True(t, success)

	err = buddy.Alloc(req, size)
	require.NoError(t, err)
	require.NoError(t, buddy.Validate())

	return req.BlockAllocationHandle
}

func TestBuddyBasicAlloc(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	var stats memutils.DetailedStatistics
	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:      1,
			PoolBytes:      1024,
			FreeBlockCount: 1,
			FreeBytes:      1024,
		},
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeBlockSizeMin:  1024,
		FreeBlockSizeMax:  1024,
		FreeBlocksByOrder: []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
	}, stats)

	success, req, err := buddy.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, metadata.AllocationRequestBuddy, req.Type)
	require.Equal(t, "Buddy", req.Type.String())
	require.Equal(t, 7, req.Order)
	require.Equal(t, 10, req.DonorOrder)
	require.Equal(t, 128, req.Size)
	require.Equal(t, metadata.BlockAllocationHandle(1), req.BlockAllocationHandle)
	require.Equal(t, 0, req.Item.Offset)
	require.Equal(t, 100, req.Item.Size)

	alloc1 := req.BlockAllocationHandle
	err = buddy.Alloc(req, 1)
	require.NoError(t, err)
	require.NoError(t, buddy.Validate())

	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:       1,
			PoolBytes:       1024,
			AllocationCount: 1,
			AllocationBytes: 128,
			FreeBlockCount:  3,
			FreeBytes:       896,
		},
		AllocationSizeMin: 128,
		AllocationSizeMax: 128,
		FreeBlockSizeMin:  128,
		FreeBlockSizeMax:  512,
		FreeBlocksByOrder: []int{0, 0, 0, 0, 0, 0, 0, 1, 1, 1},
	}, stats)

	require.Equal(t, []int{512}, buddy.FreeBlocks(9))
	require.Equal(t, []int{256}, buddy.FreeBlocks(8))
	require.Equal(t, []int{128}, buddy.FreeBlocks(7))
	require.Empty(t, buddy.FreeBlocks(10))

	err = buddy.Free(alloc1)
	require.NoError(t, err)
	require.NoError(t, buddy.Validate())

	stats.Clear()
	buddy.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			PoolCount:      1,
			PoolBytes:      1024,
			FreeBlockCount: 1,
			FreeBytes:      1024,
		},
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeBlockSizeMin:  1024,
		FreeBlockSizeMax:  1024,
		FreeBlocksByOrder: []int{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
	}, stats)
	require.True(t, buddy.IsEmpty())
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	alloc1 := allocate(t, buddy, 64)
	require.Equal(t, metadata.BlockAllocationHandle(1), alloc1)

	alloc2 := allocate(t, buddy, 13)
	require.Equal(t, metadata.BlockAllocationHandle(129), alloc2)

	order, err := buddy.AllocationOrder(alloc2)
	require.NoError(t, err)
	require.Equal(t, 4, order)

	require.Equal(t, []int{512}, buddy.FreeBlocks(9))
	require.Equal(t, []int{256}, buddy.FreeBlocks(8))
	require.Empty(t, buddy.FreeBlocks(7))
	require.Equal(t, []int{192}, buddy.FreeBlocks(6))
	require.Equal(t, []int{160}, buddy.FreeBlocks(5))
	require.Equal(t, []int{144}, buddy.FreeBlocks(4))
	require.Equal(t, 880, buddy.SumFreeSize())

	require.NoError(t, buddy.Free(alloc1))
	require.NoError(t, buddy.Validate())

	// The 128 byte block at 0 can't merge while its buddy at 128 is split
	require.Equal(t, []int{0}, buddy.FreeBlocks(7))
	require.Equal(t, 1008, buddy.SumFreeSize())

	require.NoError(t, buddy.Free(alloc2))
	require.NoError(t, buddy.Validate())

	require.Equal(t, []int{0}, buddy.FreeBlocks(10))
	require.Equal(t, 1, buddy.FreeRegionsCount())
	require.Equal(t, 1024, buddy.SumFreeSize())
	require.Equal(t, 10, buddy.LargestFreeOrder())
}

func TestBuddyBuddyCoalescing(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	left := allocate(t, buddy, 100)
	right := allocate(t, buddy, 100)
	require.Equal(t, metadata.BlockAllocationHandle(1), left)
	require.Equal(t, metadata.BlockAllocationHandle(129), right)

	require.NoError(t, buddy.Free(right))
	require.Equal(t, []int{128}, buddy.FreeBlocks(7))

	require.NoError(t, buddy.Free(left))
	require.Empty(t, buddy.FreeBlocks(7))
	require.Equal(t, []int{0}, buddy.FreeBlocks(10))
	require.NoError(t, buddy.Validate())
}

func TestBuddyInitNonPowerOfTwo(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 2914)

	require.Equal(t, []int{1024, 0}, buddy.FreeBlocks(10))
	require.Equal(t, []int{2048}, buddy.FreeBlocks(9))
	require.Equal(t, []int{2560}, buddy.FreeBlocks(8))
	require.Empty(t, buddy.FreeBlocks(7))
	require.Equal(t, []int{2816}, buddy.FreeBlocks(6))
	require.Equal(t, []int{2880}, buddy.FreeBlocks(5))
	require.Empty(t, buddy.FreeBlocks(4))

	require.Equal(t, 2912, buddy.SumFreeSize())
	require.Equal(t, 2, buddy.LostSize())
	require.Equal(t, 6, buddy.FreeRegionsCount())

	buddy = newBuddy(t, 4, 10, 1000)
	require.Equal(t, []int{0}, buddy.FreeBlocks(9))
	require.Equal(t, []int{512}, buddy.FreeBlocks(8))
	require.Equal(t, []int{768}, buddy.FreeBlocks(7))
	require.Equal(t, []int{896}, buddy.FreeBlocks(6))
	require.Equal(t, []int{960}, buddy.FreeBlocks(5))
	require.Equal(t, 8, buddy.LostSize())
	require.Equal(t, 992, buddy.SumFreeSize())
	require.Equal(t, 9, buddy.LargestFreeOrder())
}

func TestBuddyPoolSmallerThanGranule(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 8)

	require.Equal(t, 0, buddy.FreeRegionsCount())
	require.Equal(t, 8, buddy.LostSize())
	require.Equal(t, -1, buddy.LargestFreeOrder())

	success, _, err := buddy.CreateAllocationRequest(0)
	require.NoError(t, err)
	require.False(t, success)
}

func TestBuddyTiledMaxOrder(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 4096)

	require.Equal(t, []int{3072, 2048, 1024, 0}, buddy.FreeBlocks(10))
	require.Equal(t, 0, buddy.LostSize())

	var handles []metadata.BlockAllocationHandle
	for _, expected := range []metadata.BlockAllocationHandle{3073, 2049, 1025, 1} {
		handle := allocate(t, buddy, buddy.MaxAllocationSize())
		require.Equal(t, expected, handle)
		handles = append(handles, handle)
	}

	require.False(t, buddy.MayHaveFreeBlock(0))
	success, _, err := buddy.CreateAllocationRequest(1)
	require.NoError(t, err)
	require.False(t, success)

	for _, handle := range handles {
		require.NoError(t, buddy.Free(handle))
		require.NoError(t, buddy.Validate())
	}

	// Max order blocks never merge with each other
	require.Len(t, buddy.FreeBlocks(10), 4)
	require.Equal(t, 4, buddy.FreeRegionsCount())
	require.Equal(t, 4096, buddy.SumFreeSize())
}

func TestBuddyMergeStopsAtPoolEnd(t *testing.T) {
	// 1536 bytes: one order 10 block at 0 and one order 9 block at 1024 whose buddy would run past the end
	buddy := newBuddy(t, 4, 11, 1536)
	require.Equal(t, []int{0}, buddy.FreeBlocks(10))
	require.Equal(t, []int{1024}, buddy.FreeBlocks(9))

	handle := allocate(t, buddy, 511)
	require.Equal(t, metadata.BlockAllocationHandle(1025), handle)

	require.NoError(t, buddy.Free(handle))
	require.NoError(t, buddy.Validate())
	require.Equal(t, []int{1024}, buddy.FreeBlocks(9))
	require.Equal(t, []int{0}, buddy.FreeBlocks(10))
	require.Empty(t, buddy.FreeBlocks(11))
}

func TestBuddyExhaustion(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)
	require.Equal(t, 1023, buddy.MaxAllocationSize())

	handle := allocate(t, buddy, 1023)
	require.Equal(t, 0, buddy.FreeRegionsCount())

	success, _, err := buddy.CreateAllocationRequest(1023)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = buddy.CreateAllocationRequest(1024)
	require.False(t, success)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrSizeTooLarge))
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	require.NoError(t, buddy.Free(handle))
	require.True(t, buddy.MayHaveFreeBlock(1023))
	require.False(t, buddy.MayHaveFreeBlock(1024))
}

func TestBuddyRequestSizes(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	success, req, err := buddy.CreateAllocationRequest(0)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 4, req.Order)

	// 15 bytes plus the header is exactly one granule, 16 needs the next order
	_, req, err = buddy.CreateAllocationRequest(15)
	require.NoError(t, err)
	require.Equal(t, 4, req.Order)

	_, req, err = buddy.CreateAllocationRequest(16)
	require.NoError(t, err)
	require.Equal(t, 5, req.Order)

	_, req, err = buddy.CreateAllocationRequest(511)
	require.NoError(t, err)
	require.Equal(t, 9, req.Order)

	_, req, err = buddy.CreateAllocationRequest(512)
	require.NoError(t, err)
	require.Equal(t, 10, req.Order)

	success, _, err = buddy.CreateAllocationRequest(-1)
	require.Error(t, err)
	require.False(t, success)
	require.False(t, buddy.MayHaveFreeBlock(-1))
}

func TestBuddyStaleRequest(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	success, req1, err := buddy.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.True(t, success)

	success, req2, err := buddy.CreateAllocationRequest(100)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, req1, req2)

	require.NoError(t, buddy.Alloc(req1, nil))
	require.Error(t, buddy.Alloc(req2, nil))
	require.Equal(t, 1, buddy.AllocationCount())
	require.NoError(t, buddy.Validate())

	require.Error(t, buddy.Alloc(metadata.AllocationRequest{}, nil))
}

func TestBuddyInvalidFree(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	handle := allocate(t, buddy, 64)
	other := allocate(t, buddy, 64)

	require.NoError(t, buddy.Free(handle))

	err := buddy.Free(handle)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrInvalidRelease))

	for _, invalid := range []metadata.BlockAllocationHandle{0, other + 1, 2048, metadata.NoAllocation} {
		err = buddy.Free(invalid)
		require.Error(t, err)
		require.True(t, errors.Is(err, memutils.ErrInvalidRelease))
	}

	require.Equal(t, 1, buddy.AllocationCount())
	require.NoError(t, buddy.Validate())

	require.NoError(t, buddy.Free(other))
	require.Equal(t, []int{0}, buddy.FreeBlocks(10))
}

func TestBuddyUserData(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	handle := allocate(t, buddy, 40)

	userData, err := buddy.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 40, userData)

	require.NoError(t, buddy.SetAllocationUserData(handle, "kernel task"))
	userData, err = buddy.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, "kernel task", userData)

	offset, err := buddy.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.NoError(t, buddy.Free(handle))

	_, err = buddy.AllocationUserData(handle)
	require.True(t, errors.Is(err, memutils.ErrInvalidRelease))
	require.True(t, errors.Is(buddy.SetAllocationUserData(handle, nil), memutils.ErrInvalidRelease))
}

type visitedRegion struct {
	Handle metadata.BlockAllocationHandle
	Offset int
	Size   int
	Free   bool
}

func TestBuddyVisitAllRegions(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)

	allocate(t, buddy, 64)
	allocate(t, buddy, 13)

	var regions []visitedRegion
	err := buddy.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, visitedRegion{Handle: handle, Offset: offset, Size: size, Free: free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []visitedRegion{
		{Handle: 1, Offset: 0, Size: 128},
		{Handle: 129, Offset: 128, Size: 16},
		{Handle: metadata.NoAllocation, Offset: 144, Size: 16, Free: true},
		{Handle: metadata.NoAllocation, Offset: 160, Size: 32, Free: true},
		{Handle: metadata.NoAllocation, Offset: 192, Size: 64, Free: true},
		{Handle: metadata.NoAllocation, Offset: 256, Size: 256, Free: true},
		{Handle: metadata.NoAllocation, Offset: 512, Size: 512, Free: true},
	}, regions)

	stop := errors.New("stop")
	visited := 0
	err = buddy.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		visited++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, visited)
}

func TestBuddyBlockJsonData(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 1024)
	allocate(t, buddy, 100)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	buddy.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"TotalBytes": 1024,
		"UnusedBytes": 896,
		"Allocations": 1,
		"UnusedRanges": 3,
		"LostBytes": 0,
		"MinOrder": 4,
		"MaxOrder": 10,
		"FreeBlocksPerOrder": {"4": 0, "5": 0, "6": 0, "7": 1, "8": 1, "9": 1, "10": 0}
	}`, string(writer.Bytes()))
}

func TestBuddyStatistics(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 2914)
	allocate(t, buddy, 200)

	var stats memutils.Statistics
	buddy.AddStatistics(&stats)

	require.Equal(t, memutils.Statistics{
		PoolCount:       1,
		PoolBytes:       2914,
		AllocationCount: 1,
		AllocationBytes: 256,
		FreeBlockCount:  5,
		FreeBytes:       2656,
		LostBytes:       2,
	}, stats)
}

func TestBuddyClear(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 2914)

	var handles []metadata.BlockAllocationHandle
	for i := 0; i < 5; i++ {
		handles = append(handles, allocate(t, buddy, 30*i))
	}
	require.Equal(t, 5, buddy.AllocationCount())

	buddy.Clear()
	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, []int{1024, 0}, buddy.FreeBlocks(10))
	require.Equal(t, 2912, buddy.SumFreeSize())
	require.Equal(t, 2, buddy.LostSize())

	// Handles from before the clear no longer refer to live allocations
	for _, handle := range handles {
		err := buddy.Free(handle)
		require.True(t, errors.Is(err, memutils.ErrInvalidRelease))

		_, err = buddy.AllocationUserData(handle)
		require.True(t, errors.Is(err, memutils.ErrInvalidRelease))
	}

	handle := allocate(t, buddy, 1023)
	require.Equal(t, metadata.BlockAllocationHandle(1025), handle)
	userData, err := buddy.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 1023, userData)

	buddy.Clear()
	require.NoError(t, buddy.Validate())
	require.Equal(t, 0, buddy.AllocationCount())
	require.Equal(t, 2912, buddy.SumFreeSize())
}

func TestBuddyInvalidConfiguration(t *testing.T) {
	for _, orders := range [][2]int{{0, 10}, {-1, 4}, {10, 4}, {4, metadata.MaxOrderLimit + 1}} {
		_, err := metadata.NewBuddyBlockMetadata(orders[0], orders[1])
		require.Error(t, err)
		require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))
	}

	_, err := metadata.NewBuddyBlockMetadata(1, 1)
	require.NoError(t, err)
}

func TestBuddyRandomOperations(t *testing.T) {
	buddy := newBuddy(t, 4, 10, 2914)
	rng := rand.New(rand.NewSource(1))

	live := make(map[metadata.BlockAllocationHandle]int)
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for handle := range live {
				require.NoError(t, buddy.Free(handle))
				delete(live, handle)
				break
			}
		} else {
			size := rng.Intn(buddy.MaxAllocationSize() + 1)
			success, req, err := buddy.CreateAllocationRequest(size)
			require.NoError(t, err)

			if success {
				require.NoError(t, buddy.Alloc(req, size))
				require.NotContains(t, live, req.BlockAllocationHandle)
				live[req.BlockAllocationHandle] = size
			}
		}

		require.NoError(t, buddy.Validate())
		require.Equal(t, len(live), buddy.AllocationCount())
	}

	for handle := range live {
		require.NoError(t, buddy.Free(handle))
	}

	require.NoError(t, buddy.Validate())
	require.True(t, buddy.IsEmpty())
	require.Equal(t, 2912, buddy.SumFreeSize())
	require.Len(t, buddy.FreeBlocks(10), 2)
	require.Len(t, buddy.FreeBlocks(9), 1)
	require.Len(t, buddy.FreeBlocks(8), 1)
	require.Len(t, buddy.FreeBlocks(6), 1)
	require.Len(t, buddy.FreeBlocks(5), 1)
}

func TestBuddyInitLosesOnlyTheSubGranuleTail(t *testing.T) {
	for _, size := range []int{16, 17, 31, 1000, 1536, 2914, 4095, 5000, 12345} {
		buddy := newBuddy(t, 4, 10, size)

		require.Equal(t, memutils.AlignDown(size, 16), buddy.SumFreeSize(), "size %d", size)
		require.Equal(t, size%16, buddy.LostSize(), "size %d", size)

		var stats memutils.Statistics
		buddy.AddStatistics(&stats)
		require.Equal(t, size, stats.FreeBytes+stats.LostBytes, "size %d", size)
	}
}
