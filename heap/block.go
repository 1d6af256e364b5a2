package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"golang.org/x/exp/slog"
)

// memoryBlock is a single device memory allocation that is sub-allocated by its metadata. Blocks
// of host-visible memory types are mapped for their entire lifetime.
type memoryBlock struct {
	id              int
	memoryTypeIndex int
	memory          device.Memory
	mapped          []byte
	logger          *slog.Logger

	// rangeMutex serializes flushes and invalidations of the block's memory
	rangeMutex utils.OptionalMutex

	metadata    metadata.BlockMetadata
	granularity *pageGranularity
}

func newMemoryBlock(
	logger *slog.Logger,
	id int,
	memoryTypeIndex int,
	memory device.Memory,
	size int,
	linear bool,
	bufferImageGranularity uint,
	hostVisible bool,
) (*memoryBlock, error) {
	block := &memoryBlock{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		memory:          memory,
		logger:          logger,
		granularity:     newPageGranularity(bufferImageGranularity, size),
	}

	if linear {
		block.metadata = metadata.NewLinearBlockMetadata(int(bufferImageGranularity), false)
	} else {
		block.metadata = metadata.NewTLSFBlockMetadata(int(bufferImageGranularity), false)
	}
	block.metadata.Init(size)

	if hostVisible {
		mapped, err := memory.Map()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to map memory block %d", id)
		}
		block.mapped = mapped
	}

	return block, nil
}

// destroy releases the block's memory, failing if allocations remain
func (b *memoryBlock) destroy(accounting *heapAccounting) error {
	if b.memory == nil {
		panic("attempting to destroy a memory block that has no backing memory")
	}

	if !b.metadata.IsEmpty() {
		b.metadata.VisitAllBlocks(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) {
			if !free {
				logUnreleasedMemory(b.logger, b.memoryTypeIndex, offset, size, userData)
			}
		})

		return errors.Newf("memory block %d still held %d allocations at destruction", b.id, b.metadata.AllocationCount())
	}

	if b.mapped != nil {
		b.memory.Unmap()
		b.mapped = nil
	}

	accounting.freeDeviceMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)
	b.memory = nil
	b.metadata = nil
	return nil
}

func logUnreleasedMemory(logger *slog.Logger, memoryTypeIndex, offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Int("offset", offset),
		slog.Int("size", size),
	}
	if alloc, ok := userData.(*Allocation); ok && alloc != nil {
		attrs = append(attrs, slog.String("usage", alloc.usage.String()))
	}

	logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
}

func (b *memoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	var err error
	pages := b.granularity.StartValidation()
	b.metadata.VisitAllBlocks(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) {
		if err != nil {
			return
		}

		alloc, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			err = errors.Newf("a region at offset %d is marked as free but contains an allocation", offset)
		} else if !free && (!isAllocation || alloc == nil) {
			err = errors.Newf("a region at offset %d is marked as allocated but has no allocation", offset)
		} else if !free {
			err = b.granularity.Validate(pages, alloc.offset, alloc.size)
		}
	})
	if err != nil {
		return err
	}

	err = b.granularity.FinishValidation(pages)
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
