package heap

import (
	"context"
	"fmt"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"golang.org/x/exp/slog"
)

// memoryBlockList owns every block allocated for a single memory type
type memoryBlockList struct {
	logger     *slog.Logger
	accounting *heapAccounting

	memoryTypeIndex        int
	preferredBlockSize     int
	bufferImageGranularity uint
	minAlignment           uint
	linear                 bool
	strategy               memutils.AllocationCreateFlags
	hostVisible            bool

	mutex       utils.OptionalRWMutex
	blocks      []*memoryBlock
	nextBlockID int
}

func newMemoryBlockList(
	logger *slog.Logger,
	accounting *heapAccounting,
	useMutex bool,
	memoryTypeIndex int,
	preferredBlockSize int,
	flags CreateFlags,
) *memoryBlockList {
	strategy := memutils.AllocationCreateStrategyMinMemory
	if flags&CreateStrategyMinTime != 0 {
		strategy = memutils.AllocationCreateStrategyMinTime
	}

	return &memoryBlockList{
		logger:                 logger,
		accounting:             accounting,
		memoryTypeIndex:        memoryTypeIndex,
		preferredBlockSize:     preferredBlockSize,
		bufferImageGranularity: accounting.bufferImageGranularity(),
		minAlignment:           accounting.minimumAlignment(memoryTypeIndex),
		linear:                 flags&CreateLinearAlgorithm != 0,
		strategy:               strategy,
		hostVisible:            accounting.isHostVisible(memoryTypeIndex),
		mutex:                  utils.OptionalRWMutex{UseMutex: useMutex},
	}
}

func (l *memoryBlockList) PreferredBlockSize() int { return l.preferredBlockSize }

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for len(l.blocks) > 0 {
		block := l.blocks[len(l.blocks)-1]
		err := block.destroy(l.accounting)
		if err != nil {
			return err
		}
		l.blocks = l.blocks[:len(l.blocks)-1]
	}
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) createBlock(blockSize int) (*memoryBlock, error) {
	memory, err := l.accounting.allocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return nil, err
	}

	block, err := newMemoryBlock(l.logger, l.nextBlockID, l.memoryTypeIndex, memory, blockSize, l.linear, l.bufferImageGranularity, l.hostVisible)
	if err != nil {
		l.accounting.freeDeviceMemory(l.memoryTypeIndex, blockSize, memory)
		return nil, err
	}
	l.nextBlockID++
	block.rangeMutex.UseMutex = l.mutex.UseMutex

	l.blocks = append(l.blocks, block)
	return block, nil
}

func (l *memoryBlockList) remove(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

// Allocate places the allocation in an existing block if one has room, and otherwise creates a new
// block. New blocks start at the preferred block size and are halved (up to three times) while the
// heap cannot fit them.
func (l *memoryBlockList) Allocate(size int, alignment uint, usage Usage, suballocType suballocationType, outAlloc *Allocation) error {
	if l.minAlignment > alignment {
		alignment = l.minAlignment
	}

	if size > l.preferredBlockSize {
		return device.OutOfMemoryf("allocation of %d bytes does not fit in a block of %d bytes", size, l.preferredBlockSize)
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.linear && len(l.blocks) > 0 {
		currentBlock := l.blocks[len(l.blocks)-1]
		success, err := l.allocFromBlock(currentBlock, size, alignment, usage, suballocType, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from last block", slog.Int("block.id", currentBlock.id))
			return nil
		}
	} else if !l.linear {
		for _, currentBlock := range l.blocks {
			success, err := l.allocFromBlock(currentBlock, size, alignment, usage, suballocType, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	}

	newBlockSize := l.preferredBlockSize
	newBlockSizeShift := 0
	const maxNewBlockSizeShift = 3

	maxExistingBlockSize := l.calcMaxBlockSize()
	for newBlockSizeShift < maxNewBlockSizeShift {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
		} else {
			break
		}
	}

	block, err := l.createBlock(newBlockSize)
	for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize < size {
			break
		}
		newBlockSize = smallerNewBlockSize
		newBlockSizeShift++
		block, err = l.createBlock(newBlockSize)
	}
	if err != nil {
		return err
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Int("Size", newBlockSize))

	success, err := l.allocFromBlock(block, size, alignment, usage, suballocType, outAlloc)
	if err != nil {
		return err
	} else if !success {
		return device.OutOfMemoryf("allocation of %d bytes with alignment %d does not fit in a new block of %d bytes", size, alignment, newBlockSize)
	}

	l.incrementallySortBlocks()
	return nil
}

func (l *memoryBlockList) allocFromBlock(block *memoryBlock, size int, alignment uint, usage Usage, suballocType suballocationType, outAlloc *Allocation) (bool, error) {
	requestSize, requestAlignment := block.granularity.RoundUpAllocRequest(suballocType, size, alignment)
	if block.metadata.SumFreeSize() < requestSize {
		return false, nil
	}

	var request metadata.AllocationRequest
	success, err := block.metadata.PopulateAllocationRequest(requestSize, requestAlignment, false, metadata.SuballocationType(suballocType), l.strategy, &request)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	err = block.metadata.Alloc(&request, metadata.SuballocationType(suballocType), outAlloc)
	if err != nil {
		return false, err
	}

	offset, err := block.metadata.AllocationOffset(request.BlockAllocationHandle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving the offset of a new allocation: %+v", err))
	}

	if block.granularity.Conflicts(suballocType, offset, size) {
		err = block.metadata.Free(request.BlockAllocationHandle)
		if err != nil {
			panic(fmt.Sprintf("unexpected error when releasing a conflicting allocation: %+v", err))
		}
		return false, nil
	}
	block.granularity.AllocPages(suballocType, offset, size)

	outAlloc.allocationType = allocationTypeBlock
	outAlloc.block = block
	outAlloc.handle = request.BlockAllocationHandle
	outAlloc.offset = offset
	outAlloc.size = size
	outAlloc.alignment = alignment
	outAlloc.usage = usage
	outAlloc.suballocType = suballocType
	outAlloc.memoryTypeIndex = l.memoryTypeIndex
	outAlloc.heapIndex = l.accounting.heapIndex(l.memoryTypeIndex)

	l.accounting.addAllocation(outAlloc.heapIndex, usage, size)
	if utils.DebugChecks {
		utils.DebugAssert(block.Validate())
	}
	return true, nil
}

// Free returns the allocation to its block. Empty blocks are released, except that one empty block
// is kept as a spare.
func (l *memoryBlockList) Free(alloc *Allocation) {
	blockToDelete := l.freeWithLock(alloc)

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err := blockToDelete.destroy(l.accounting)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	l.accounting.removeAllocation(alloc.heapIndex, alloc.usage, alloc.size)
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *memoryBlock) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.block
	hasEmptyBlockBeforeFree := l.hasEmptyBlock()

	err := block.metadata.Free(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.handle, err))
	}
	block.granularity.FreePages(alloc.offset, alloc.size)
	if utils.DebugChecks {
		utils.DebugAssert(block.Validate())
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	if block.metadata.IsEmpty() && hasEmptyBlockBeforeFree {
		blockToDelete = block
		l.remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree {
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()
	return blockToDelete
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for _, block := range l.blocks {
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// incrementallySortBlocks performs one step of sorting blocks by ascending free size, so that
// allocations prefer the fullest blocks
func (l *memoryBlockList) incrementallySortBlocks() {
	if l.linear {
		return
	}

	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for _, block := range l.blocks {
		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Mapped").Bool(block.mapped != nil)
		_ = block.metadata.PrintDetailedMapHeader(blockObj)
		l.printDetailedMapAllocations(block.metadata, blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	md.VisitAllBlocks(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String(suballocationFree.String())
				obj.Name("Size").Int(size)
				return
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			}
		})
}

// mayFit returns true if an existing block might have room for an allocation of the provided size
func (l *memoryBlockList) mayFit(size int) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		if block.metadata.SumFreeSize() >= size {
			return true
		}
	}
	return false
}
