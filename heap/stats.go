package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/memutils"
)

// MemoryHeap is a snapshot of a device memory heap's accounting
type MemoryHeap struct {
	Index int
	// Size is the number of bytes that may be allocated from the heap: the device heap size, or the
	// configured limit if it is smaller
	Size int
	// Reserved is the number of bytes of device memory currently allocated from the heap, including
	// unused space in memory blocks. It never exceeds Size.
	Reserved int
	// Allocated is the number of bytes handed out to live allocations. It never exceeds Reserved.
	Allocated int
	Flags     device.MemoryHeapFlags
}

// Stats aggregates memutils.Statistics over the whole allocator, per memory type and per heap
type Stats struct {
	Total       memutils.Statistics
	MemoryTypes []memutils.Statistics
	Heaps       []memutils.Statistics
}

// Heaps returns a snapshot of every heap
func (a *Allocator) Heaps() []MemoryHeap {
	heaps := make([]MemoryHeap, a.accounting.heapCount())
	for heapIndex := range heaps {
		var stats memutils.Statistics
		a.accounting.heapStatistics(heapIndex, &stats)

		heaps[heapIndex] = MemoryHeap{
			Index:     heapIndex,
			Size:      a.accounting.heapLimits[heapIndex],
			Reserved:  stats.BlockBytes,
			Allocated: stats.AllocationBytes,
			Flags:     a.accounting.props.Memory.MemoryHeaps[heapIndex].Flags,
		}
	}
	return heaps
}

// HeapStatistics retrieves the live accounting counters of a single heap
func (a *Allocator) HeapStatistics(heapIndex int, stats *memutils.Statistics) {
	a.accounting.heapStatistics(heapIndex, stats)
}

// CalculateStatistics walks every block and dedicated allocation. It is slower than HeapStatistics
// but reflects the sub-allocation metadata directly.
func (a *Allocator) CalculateStatistics() Stats {
	a.logger.Debug("Allocator::CalculateStatistics")

	typeCount := a.accounting.memoryTypeCount()
	stats := Stats{
		MemoryTypes: make([]memutils.Statistics, typeCount),
		Heaps:       make([]memutils.Statistics, a.accounting.heapCount()),
	}

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		typeStats := &stats.MemoryTypes[typeIndex]
		a.memoryBlockLists[typeIndex].AddStatistics(typeStats)
		a.dedicatedAllocations[typeIndex].AddStatistics(typeStats)

		stats.Heaps[a.accounting.heapIndex(typeIndex)].AddStatistics(typeStats)
		stats.Total.AddStatistics(typeStats)
	}

	return stats
}

func writeStatistics(obj *jwriter.ObjectState, stats *memutils.Statistics) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
}

// PrintDetailedMap writes a JSON object describing every heap and memory type to the writer.
// When detailed is true, every block and its sub-allocations are included.
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer, detailed bool) {
	stats := a.CalculateStatistics()

	root := writer.Object()
	defer root.End()

	total := root.Name("Total").Object()
	writeStatistics(&total, &stats.Total)
	total.End()

	heapsObj := root.Name("MemoryHeaps").Array()
	for _, heap := range a.Heaps() {
		heapObj := heapsObj.Object()
		heapObj.Name("Index").Int(heap.Index)
		heapObj.Name("Size").Int(heap.Size)
		heapObj.Name("Reserved").Int(heap.Reserved)
		heapObj.Name("Allocated").Int(heap.Allocated)
		heapObj.Name("Flags").String(heap.Flags.String())
		writeStatistics(&heapObj, &stats.Heaps[heap.Index])
		heapObj.End()
	}
	heapsObj.End()

	typesObj := root.Name("MemoryTypes").Array()
	for typeIndex := 0; typeIndex < a.accounting.memoryTypeCount(); typeIndex++ {
		typeObj := typesObj.Object()
		typeObj.Name("Index").Int(typeIndex)
		typeObj.Name("HeapIndex").Int(a.accounting.heapIndex(typeIndex))
		typeObj.Name("Flags").String(a.accounting.memoryTypeFlags(typeIndex).String())
		writeStatistics(&typeObj, &stats.MemoryTypes[typeIndex])

		if detailed {
			a.memoryBlockLists[typeIndex].PrintDetailedMap(typeObj.Name("Blocks"))
			a.dedicatedAllocations[typeIndex].PrintDetailedMap(typeObj.Name("DedicatedAllocations"))
		}
		typeObj.End()
	}
	typesObj.End()
}

// BuildStatsString returns the output of PrintDetailedMap as a string
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	a.PrintDetailedMap(&writer, detailed)
	return string(writer.Bytes())
}
