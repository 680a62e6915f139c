package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/kheap/memutils"
	"github.com/vkngwrapper/kheap/memutils/metadata"
)

func writeStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("PoolBytes").Int(stats.PoolBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("FreeBlockCount").Int(stats.FreeBlockCount)
	json.Name("FreeBytes").Int(stats.FreeBytes)
	json.Name("LostBytes").Int(stats.LostBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.FreeBlockCount > 0 {
		json.Name("FreeBlockSizeMin").Int(stats.FreeBlockSizeMin)
		json.Name("FreeBlockSizeMax").Int(stats.FreeBlockSizeMax)
	}
}

// BuildStatsString returns a json document describing the heap. When detailedMap is true, the document
// also lists every free list, head first, and every live allocation, with both absolute addresses and
// byte offsets relative to the start of the arena.
func (h *Heap) BuildStatsString(detailedMap bool) string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	if h.metadata == nil {
		root.Name("Destroyed").Bool(true)
		root.End()
		return string(writer.Bytes())
	}

	root.Name("BaseAddress").String(formatAddress(h.base))

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.metadata.AddDetailedStatistics(&stats)

	total := root.Name("Total").Object()
	writeStatistics(&total, &stats)
	total.End()

	pool := root.Name("Pool").Object()
	h.metadata.BlockJsonData(&pool)
	pool.End()

	if detailedMap {
		h.writeFreeLists(&root)
		h.writeAllocations(&root)
	}

	root.End()
	return string(writer.Bytes())
}

func (h *Heap) writeFreeLists(json *jwriter.ObjectState) {
	freeLists := json.Name("FreeLists").Array()
	defer freeLists.End()

	for order := h.metadata.MinOrder(); order <= h.metadata.MaxOrder(); order++ {
		list := freeLists.Object()
		list.Name("Order").Int(order)
		list.Name("BlockSize").Int(memutils.BlockSize(order))

		blocks := list.Name("Blocks").Array()
		for _, offset := range h.metadata.FreeBlocks(order) {
			block := blocks.Object()
			block.Name("Address").String(formatAddress(h.base + uintptr(offset)))
			block.Name("Offset").Int(offset)
			block.End()
		}
		blocks.End()

		list.End()
	}
}

func (h *Heap) writeAllocations(json *jwriter.ObjectState) {
	allocations := json.Name("Allocations").Array()
	defer allocations.End()

	_ = h.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			return nil
		}

		allocation := allocations.Object()
		allocation.Name("Address").String(formatAddress(h.base + uintptr(handle)))
		allocation.Name("Offset").Int(offset)
		allocation.Name("BlockSize").Int(size)
		if requested, ok := userData.(int); ok {
			allocation.Name("RequestedSize").Int(requested)
		}
		allocation.End()

		return nil
	})
}
