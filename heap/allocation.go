package heap

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

// Allocation is a region of device memory handed out by the Allocator. It is exclusively owned by
// whoever requested it until it is passed to Allocator.Free.
type Allocation struct {
	allocator       *Allocator
	allocationType  allocationType
	memoryTypeIndex int
	heapIndex       int
	usage           Usage
	suballocType    suballocationType
	size            int
	alignment       uint
	offset          int

	block  *memoryBlock
	handle metadata.BlockAllocationHandle

	dedicatedMemory device.Memory
	dedicatedMapped []byte
	nextDedicated   *Allocation
	prevDedicated   *Allocation

	freed atomic.Bool
}

func (a *Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }
func (a *Allocation) HeapIndex() int       { return a.heapIndex }
func (a *Allocation) Usage() Usage         { return a.usage }
func (a *Allocation) Size() int            { return a.size }
func (a *Allocation) Alignment() uint      { return a.alignment }

// Offset is the offset of the allocation within Memory
func (a *Allocation) Offset() int { return a.offset }

// Dedicated returns true if the allocation owns its device memory outright
func (a *Allocation) Dedicated() bool { return a.allocationType == allocationTypeDedicated }

// Memory returns the device memory the allocation lives in. Resources bind to Memory at Offset.
func (a *Allocation) Memory() device.Memory {
	if a.allocationType == allocationTypeDedicated {
		return a.dedicatedMemory
	}
	return a.block.memory
}

// Mapped returns the host-visible window onto the allocation, or nil if the allocation was made from
// a memory type that is not host-visible
func (a *Allocation) Mapped() []byte {
	var mapped []byte
	switch a.allocationType {
	case allocationTypeBlock:
		mapped = a.block.mapped
	case allocationTypeDedicated:
		mapped = a.dedicatedMapped
	}

	if mapped == nil {
		return nil
	}
	return mapped[a.offset : a.offset+a.size : a.offset+a.size]
}

// Flush makes host writes to a range of the allocation visible to the device. It is a no-op for
// host-coherent memory. Size may be device.WholeSize to flush to the end of the allocation.
func (a *Allocation) Flush(offset, size int) error {
	start, length, ok, err := a.flushRange(offset, size)
	if err != nil || !ok {
		return err
	}
	if a.allocationType == allocationTypeBlock {
		a.block.rangeMutex.Lock()
		defer a.block.rangeMutex.Unlock()
	}
	return a.Memory().Flush(start, length)
}

// Invalidate makes device writes to a range of the allocation visible to the host. It is a no-op
// for host-coherent memory.
func (a *Allocation) Invalidate(offset, size int) error {
	start, length, ok, err := a.flushRange(offset, size)
	if err != nil || !ok {
		return err
	}
	if a.allocationType == allocationTypeBlock {
		a.block.rangeMutex.Lock()
		defer a.block.rangeMutex.Unlock()
	}
	return a.Memory().Invalidate(start, length)
}

func (a *Allocation) flushRange(offset, size int) (start, length int, ok bool, err error) {
	if a.freed.Load() {
		return 0, 0, false, device.InvalidUsagef("attempted to flush a freed allocation")
	}
	if size == device.WholeSize {
		size = a.size - offset
	}
	if size == 0 || !a.allocator.accounting.isNonCoherent(a.memoryTypeIndex) {
		return 0, 0, false, nil
	}
	if offset < 0 || size < 0 || offset+size > a.size {
		return 0, 0, false, device.InvalidUsagef("range [%d, %d) is out of bounds for an allocation of size %d", offset, offset+size, a.size)
	}

	atomSize := uint(a.allocator.accounting.props.Limits.NonCoherentAtomSize)
	if atomSize < 1 {
		atomSize = 1
	}

	memorySize := a.Memory().Size()
	start = memutils.AlignDown(a.offset+offset, atomSize)
	end := memutils.AlignUp(a.offset+offset+size, atomSize)
	if end > memorySize {
		end = memorySize
	}

	return start, end - start, true, nil
}

func (a *Allocation) markFreed() {
	if !a.freed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("allocation of %d bytes in memory type %d was freed twice", a.size, a.memoryTypeIndex))
	}
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocType.String())
	json.Name("Size").Int(a.size)
	json.Name("Usage").String(a.usage.String())
}

func (a *Allocation) validateBlockOffset() error {
	offset, err := a.block.metadata.AllocationOffset(a.handle)
	if err != nil {
		return err
	}
	if offset != a.offset {
		return errors.Newf("allocation offset %d does not match block metadata offset %d", a.offset, offset)
	}
	return nil
}
