package memutils

import "math"

// Statistics contains the basic accounting for one or more memory pools
type Statistics struct {
	PoolCount       int
	PoolBytes       int
	AllocationCount int
	// AllocationBytes is the number of bytes taken by live allocations, including their order headers
	// and the rounding up to a full block
	AllocationBytes int
	FreeBlockCount  int
	FreeBytes       int
	// LostBytes is the remainder of a pool too small to form a single block. It can never be allocated.
	LostBytes int
}

func (s *Statistics) Clear() {
	s.PoolCount = 0
	s.PoolBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.FreeBlockCount = 0
	s.FreeBytes = 0
	s.LostBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PoolCount += other.PoolCount
	s.PoolBytes += other.PoolBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.FreeBlockCount += other.FreeBlockCount
	s.FreeBytes += other.FreeBytes
	s.LostBytes += other.LostBytes
}

// DetailedStatistics extends Statistics with size extremes and a histogram of free blocks by order
type DetailedStatistics struct {
	Statistics
	AllocationSizeMin int
	AllocationSizeMax int
	FreeBlockSizeMin  int
	FreeBlockSizeMax  int
	// FreeBlocksByOrder holds the number of free blocks of each order, indexed by order
	FreeBlocksByOrder []int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeBlockSizeMin = math.MaxInt
	s.FreeBlockSizeMax = 0
	s.FreeBlocksByOrder = s.FreeBlocksByOrder[:0]
}

func (s *DetailedStatistics) AddFreeBlock(order int) {
	size := BlockSize(order)
	s.FreeBlockCount++
	s.FreeBytes += size

	for len(s.FreeBlocksByOrder) <= order {
		s.FreeBlocksByOrder = append(s.FreeBlocksByOrder, 0)
	}
	s.FreeBlocksByOrder[order]++

	if size < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = size
	}

	if size > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)

	if other.FreeBlockSizeMin < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = other.FreeBlockSizeMin
	}

	if other.FreeBlockSizeMax > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = other.FreeBlockSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}

	for order, count := range other.FreeBlocksByOrder {
		for len(s.FreeBlocksByOrder) <= order {
			s.FreeBlocksByOrder = append(s.FreeBlocksByOrder, 0)
		}
		s.FreeBlocksByOrder[order] += count
	}
}
