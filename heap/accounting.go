package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

// MemoryDevice is the part of a device the allocator needs
type MemoryDevice interface {
	AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error)
}

// heapAccounting tracks, per heap, how much device memory has been allocated and how much of it
// has been handed out. It is updated with atomics so that block lists for different memory types
// never contend on a shared lock.
type heapAccounting struct {
	blockCount      [common.MaxMemoryHeaps]int32
	allocationCount [common.MaxMemoryHeaps]int32
	blockBytes      [common.MaxMemoryHeaps]int64
	allocationBytes [common.MaxMemoryHeaps]int64
	usageCount      [common.MaxMemoryHeaps][usageCount]int32

	memoryCount uint32

	dev        MemoryDevice
	props      *device.Properties
	heapLimits []int
}

func newHeapAccounting(dev MemoryDevice, props *device.Properties, heapSizeLimits []int) (*heapAccounting, error) {
	heapCount := len(props.Memory.MemoryHeaps)
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("device reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}
	if len(props.Memory.MemoryTypes) > common.MaxMemoryTypes {
		return nil, errors.Newf("device reported %d memory types, but at most %d are supported", len(props.Memory.MemoryTypes), common.MaxMemoryTypes)
	}

	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.New("heap.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of device heaps")
	}

	limits := make([]int, heapCount)
	for heapIndex, heap := range props.Memory.MemoryHeaps {
		limits[heapIndex] = heap.Size
		if len(heapSizeLimits) > 0 && heapSizeLimits[heapIndex] > 0 && heapSizeLimits[heapIndex] < heap.Size {
			limits[heapIndex] = heapSizeLimits[heapIndex]
		}
	}

	return &heapAccounting{
		dev:        dev,
		props:      props,
		heapLimits: limits,
	}, nil
}

func (m *heapAccounting) memoryTypeCount() int {
	return len(m.props.Memory.MemoryTypes)
}

func (m *heapAccounting) heapCount() int {
	return len(m.props.Memory.MemoryHeaps)
}

func (m *heapAccounting) heapIndex(memoryTypeIndex int) int {
	return m.props.Memory.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *heapAccounting) memoryTypeFlags(memoryTypeIndex int) device.MemoryPropertyFlags {
	return m.props.Memory.MemoryTypes[memoryTypeIndex].PropertyFlags
}

func (m *heapAccounting) isHostVisible(memoryTypeIndex int) bool {
	return m.memoryTypeFlags(memoryTypeIndex)&device.MemoryPropertyHostVisible != 0
}

func (m *heapAccounting) isNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryTypeFlags(memoryTypeIndex)
	return flags&(device.MemoryPropertyHostVisible|device.MemoryPropertyHostCoherent) == device.MemoryPropertyHostVisible
}

// minimumAlignment is the alignment every allocation of the memory type must respect so that
// flushing one allocation never touches a neighbor's atoms
func (m *heapAccounting) minimumAlignment(memoryTypeIndex int) uint {
	if m.isNonCoherent(memoryTypeIndex) && m.props.Limits.NonCoherentAtomSize > 1 {
		return uint(m.props.Limits.NonCoherentAtomSize)
	}
	return 1
}

func (m *heapAccounting) bufferImageGranularity() uint {
	if m.props.Limits.BufferImageGranularity < 1 {
		return 1
	}
	return uint(m.props.Limits.BufferImageGranularity)
}

// remaining returns the number of bytes that may still be allocated from the heap
func (m *heapAccounting) remaining(heapIndex int) int {
	return m.heapLimits[heapIndex] - int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
}

func (m *heapAccounting) reserveBlockBytes(heapIndex, size int) error {
	for {
		current := atomic.LoadInt64(&m.blockBytes[heapIndex])
		target := current + int64(size)

		if target > int64(m.heapLimits[heapIndex]) {
			return device.OutOfMemoryf("heap %d cannot fit %d more bytes: %d of %d allocated", heapIndex, size, current, m.heapLimits[heapIndex])
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], current, target) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *heapAccounting) releaseBlockBytes(heapIndex, size int) {
	newBytes := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("block bytes for heap %d went negative", heapIndex))
	}

	newCount := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count for heap %d went negative", heapIndex))
	}
}

// allocateDeviceMemory reserves heap capacity and then allocates device memory. The reservation is
// rolled back if the device refuses.
func (m *heapAccounting) allocateDeviceMemory(memoryTypeIndex, size int) (memory device.Memory, err error) {
	newCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.props.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && int(newCount) > maxCount {
		return nil, device.OutOfMemoryf("device memory allocation count limit %d reached", maxCount)
	}

	heapIndex := m.heapIndex(memoryTypeIndex)
	err = m.reserveBlockBytes(heapIndex, size)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.releaseBlockBytes(heapIndex, size)
		}
	}()

	memory, err = m.dev.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	return memory, nil
}

func (m *heapAccounting) freeDeviceMemory(memoryTypeIndex int, size int, memory device.Memory) {
	memory.Free()

	m.releaseBlockBytes(m.heapIndex(memoryTypeIndex), size)
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *heapAccounting) addAllocation(heapIndex int, usage Usage, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
	atomic.AddInt32(&m.usageCount[heapIndex][usage], 1)
}

func (m *heapAccounting) removeAllocation(heapIndex int, usage Usage, size int) {
	newBytes := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newBytes < 0 {
		panic(fmt.Sprintf("allocation bytes for heap %d went negative", heapIndex))
	}

	newCount := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("allocation count for heap %d went negative", heapIndex))
	}

	newUsage := atomic.AddInt32(&m.usageCount[heapIndex][usage], -1)
	if newUsage < 0 {
		panic(fmt.Sprintf("%s allocation count for heap %d went negative", usage, heapIndex))
	}
}

func (m *heapAccounting) holdsUsage(heapIndex int, usage Usage) bool {
	return atomic.LoadInt32(&m.usageCount[heapIndex][usage]) > 0
}

func (m *heapAccounting) heapStatistics(heapIndex int, stats *memutils.Statistics) {
	stats.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
	stats.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
	stats.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	stats.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))
}

func (m *heapAccounting) allocationCountSnapshot() int {
	return int(atomic.LoadUint32(&m.memoryCount))
}
