package heap

import (
	"context"
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// Allocator hands out regions of device memory. It groups memory types by usage class, enforces
// a hard per-heap byte limit, and sub-allocates large device memory blocks so that most resources
// never need an allocation of their own.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger

	createFlags                 CreateFlags
	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32

	accounting           *heapAccounting
	memoryBlockLists     [common.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [common.MaxMemoryTypes]*dedicatedAllocationList
}

// New creates a new Allocator
//
// dev - The device that memory will be allocated from
//
// props - The device's properties: memory types, heaps and limits are read from it
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev MemoryDevice, props *device.Properties, options CreateOptions) (*Allocator, error) {
	if dev == nil {
		return nil, errors.New("attempted to create an allocator with a nil device")
	} else if props == nil {
		return nil, errors.New("attempted to create an allocator with nil device properties")
	}

	err := memutils.CheckPow2(props.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(props.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		useMutex:    options.Flags&CreateExternallySynchronized == 0,
		logger:      logger,
		createFlags: options.Flags,
	}

	allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	if allocator.preferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	}

	allocator.accounting, err = newHeapAccounting(dev, props, options.HeapSizeLimits)
	if err != nil {
		return nil, err
	}

	typeCount := allocator.accounting.memoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.globalMemoryTypeBits |= 1 << typeIndex

		allocator.memoryBlockLists[typeIndex] = newMemoryBlockList(
			logger,
			allocator.accounting,
			allocator.useMutex,
			typeIndex,
			allocator.calculatePreferredBlockSize(typeIndex),
			options.Flags,
		)
		allocator.dedicatedAllocations[typeIndex] = newDedicatedAllocationList(allocator.useMutex)
	}

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.accounting.heapIndex(memTypeIndex)

	heapSize := a.accounting.props.Memory.MemoryHeaps[heapIndex].Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// MemoryTypeCount returns the number of memory types the allocator chooses between
func (a *Allocator) MemoryTypeCount() int {
	return a.accounting.memoryTypeCount()
}

// FindMemoryTypeIndex returns the memory type an allocation of the provided usage class and size
// would be made from
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, usage Usage, size int) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, usage, size)
}

// findMemoryTypeIndex ranks the memory types allowed by the mask that have every required flag by
// cost: the number of preferred flags they lack plus the number of unwanted flags they carry. Types
// whose heap cannot fit the allocation are skipped. Ties go to a heap that already holds
// allocations of the same usage class.
func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, usage Usage, size int) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits

	requiredFlags, preferredFlags, notPreferredFlags := usage.memoryPreferences()

	bestMemoryTypeIndex := -1
	bestHoldsUsage := false
	minCost := math.MaxInt
	anyCompatible := false

	for memTypeIndex := 0; memTypeIndex < a.accounting.memoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			continue
		}

		flags := a.accounting.memoryTypeFlags(memTypeIndex)
		if requiredFlags&flags != requiredFlags {
			continue
		}
		anyCompatible = true

		heapIndex := a.accounting.heapIndex(memTypeIndex)
		if a.accounting.remaining(heapIndex) < size && !a.memoryBlockLists[memTypeIndex].mayFit(size) {
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		holdsUsage := a.accounting.holdsUsage(heapIndex, usage)

		if cost < minCost || (cost == minCost && holdsUsage && !bestHoldsUsage) {
			bestMemoryTypeIndex = memTypeIndex
			bestHoldsUsage = holdsUsage
			minCost = cost
		}
	}

	if !anyCompatible {
		return -1, errors.Mark(errors.Newf("no memory type allowed by mask %#x supports %s", memoryTypeBits, usage), device.ErrFeatureNotPresent)
	} else if bestMemoryTypeIndex < 0 {
		return -1, device.OutOfMemoryf("no heap has %d bytes remaining for %s", size, usage)
	}

	return bestMemoryTypeIndex, nil
}

// Allocate reserves size bytes aligned to alignment from one of the memory types in typeMask that
// is suitable for the usage class
func (a *Allocator) Allocate(typeMask uint32, usage Usage, size int, alignment uint) (*Allocation, error) {
	a.logger.Debug("Allocator::Allocate")

	return a.allocate(typeMask, usage, size, alignment, suballocationUnknown)
}

// AllocateForBuffer allocates memory suitable for a buffer with the provided requirements
func (a *Allocator) AllocateForBuffer(requirements device.MemoryRequirements, usage Usage) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateForBuffer")

	if requirements.Alignment < 0 {
		return nil, device.InvalidUsagef("buffer memory requirements have a negative alignment %d", requirements.Alignment)
	}
	return a.allocate(requirements.MemoryTypeBits, usage, requirements.Size, uint(requirements.Alignment), suballocationBuffer)
}

// AllocateForImage allocates memory suitable for an image with the provided requirements and tiling
func (a *Allocator) AllocateForImage(requirements device.MemoryRequirements, tiling device.ImageTiling, usage Usage) (*Allocation, error) {
	a.logger.Debug("Allocator::AllocateForImage")

	if requirements.Alignment < 0 {
		return nil, device.InvalidUsagef("image memory requirements have a negative alignment %d", requirements.Alignment)
	}

	suballocType := suballocationImageOptimal
	if tiling == device.ImageTilingLinear {
		suballocType = suballocationImageLinear
	}
	return a.allocate(requirements.MemoryTypeBits, usage, requirements.Size, uint(requirements.Alignment), suballocType)
}

func (a *Allocator) allocate(typeMask uint32, usage Usage, size int, alignment uint, suballocType suballocationType) (*Allocation, error) {
	if size < 1 {
		return nil, device.InvalidUsagef("allocation size %d is not a positive integer", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return nil, errors.Mark(err, device.ErrInvalidUsage)
	}
	if usage >= usageCount {
		return nil, device.InvalidUsagef("unknown usage class %d", usage)
	}

	memoryBits := typeMask
	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, usage, size)
	if err != nil {
		return nil, err
	}

	for {
		alloc, allocErr := a.allocateMemoryOfType(memoryTypeIndex, usage, size, alignment, suballocType)
		if allocErr == nil {
			return alloc, nil
		} else if !errors.Is(allocErr, device.ErrOutOfMemory) {
			return nil, allocErr
		}

		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, usage, size)
		if err != nil {
			return nil, allocErr
		}
	}
}

func (a *Allocator) allocateMemoryOfType(memoryTypeIndex int, usage Usage, size int, alignment uint, suballocType suballocationType) (*Allocation, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
		slog.String("Usage", usage.String()))

	blockList := a.memoryBlockLists[memoryTypeIndex]

	// Allocate dedicated memory if requested size is more than half of preferred block size
	dedicatedPreferred := size > blockList.PreferredBlockSize()/2

	// Don't make everything dedicated when approaching the device's allocation count limit
	maxCount := a.accounting.props.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && a.accounting.allocationCountSnapshot() > maxCount*3/4 {
		dedicatedPreferred = false
	}

	if dedicatedPreferred {
		alloc, err := a.allocateDedicatedMemory(memoryTypeIndex, usage, size, alignment, suballocType)
		if err == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return alloc, nil
		}
	}

	alloc := &Allocation{allocator: a}
	err := blockList.Allocate(size, alignment, usage, suballocType, alloc)
	if err == nil {
		return alloc, nil
	}

	if !dedicatedPreferred {
		alloc, dedicatedErr := a.allocateDedicatedMemory(memoryTypeIndex, usage, size, alignment, suballocType)
		if dedicatedErr == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return alloc, nil
		}
	}

	a.logger.Debug("  Allocate FAILED")
	return nil, err
}

func (a *Allocator) allocateDedicatedMemory(memoryTypeIndex int, usage Usage, size int, alignment uint, suballocType suballocationType) (alloc *Allocation, err error) {
	memory, err := a.accounting.allocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemory FAILED")
		return nil, err
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocateDedicatedMemory FAILED")
			a.accounting.freeDeviceMemory(memoryTypeIndex, size, memory)
		}
	}()

	alloc = &Allocation{
		allocator:       a,
		allocationType:  allocationTypeDedicated,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       a.accounting.heapIndex(memoryTypeIndex),
		usage:           usage,
		suballocType:    suballocType,
		size:            size,
		alignment:       alignment,
		dedicatedMemory: memory,
	}

	if a.accounting.isHostVisible(memoryTypeIndex) {
		alloc.dedicatedMapped, err = memory.Map()
		if err != nil {
			return nil, errors.Wrap(err, "failed to map dedicated memory")
		}
	}

	a.dedicatedAllocations[memoryTypeIndex].Register(alloc)
	a.accounting.addAllocation(alloc.heapIndex, usage, size)
	if utils.DebugChecks {
		utils.DebugAssert(a.dedicatedAllocations[memoryTypeIndex].Validate())
	}

	return alloc, nil
}

// Free returns an allocation to the allocator. Freeing an allocation twice is a fatal accounting
// error and panics.
func (a *Allocator) Free(alloc *Allocation) error {
	a.logger.Debug("Allocator::Free")

	if alloc == nil {
		return device.InvalidUsagef("attempted to free a nil allocation")
	} else if alloc.allocator != a {
		return device.InvalidUsagef("attempted to free an allocation that belongs to a different allocator")
	}

	alloc.markFreed()

	switch alloc.allocationType {
	case allocationTypeBlock:
		if utils.DebugChecks {
			utils.DebugAssert(alloc.validateBlockOffset())
		}
		a.memoryBlockLists[alloc.memoryTypeIndex].Free(alloc)
	case allocationTypeDedicated:
		a.freeDedicatedMemory(alloc)
	default:
		return errors.Newf("attempted to free an allocation with invalid type %s", alloc.allocationType)
	}

	return nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) {
	memoryTypeIndex := alloc.memoryTypeIndex

	a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)

	if alloc.dedicatedMapped != nil {
		alloc.dedicatedMemory.Unmap()
		alloc.dedicatedMapped = nil
	}

	a.accounting.freeDeviceMemory(memoryTypeIndex, alloc.size, alloc.dedicatedMemory)
	a.accounting.removeAllocation(alloc.heapIndex, alloc.usage, alloc.size)
}

// Destroy releases every memory block. It fails, logging each leaked allocation, if any allocation
// has not been freed.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	var leaked bool
	for typeIndex := 0; typeIndex < a.accounting.memoryTypeCount(); typeIndex++ {
		a.dedicatedAllocations[typeIndex].visit(func(alloc *Allocation) {
			leaked = true
			logUnreleasedMemory(a.logger, typeIndex, 0, alloc.size, alloc)
		})

		err := a.memoryBlockLists[typeIndex].Destroy()
		if err != nil {
			leaked = true
		}
	}

	if leaked {
		return errors.New("some allocations were not freed before the destruction of the allocator")
	}
	return nil
}
