package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/factory/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
)

// dedicatedAllocationList is an intrusive list of the allocations of one memory type that own
// their device memory
type dedicatedAllocationList struct {
	mutex utils.OptionalRWMutex

	count int
	head  *Allocation
	tail  *Allocation
}

func newDedicatedAllocationList(useMutex bool) *dedicatedAllocationList {
	return &dedicatedAllocationList{mutex: utils.OptionalRWMutex{UseMutex: useMutex}}
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	for alloc := l.head; alloc != nil; alloc = alloc.nextDedicated {
		actualCount++
	}

	if l.count != actualCount {
		return errors.Newf("the listed number of dedicated allocations (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.nextDedicated {
		stats.BlockCount++
		stats.BlockBytes += alloc.size
		stats.AllocationCount++
		stats.AllocationBytes += alloc.size
	}
}

func (l *dedicatedAllocationList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	arr := writer.Array()
	defer arr.End()

	for alloc := l.head; alloc != nil; alloc = alloc.nextDedicated {
		obj := arr.Object()
		alloc.printParameters(&obj)
		obj.End()
	}
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

// visit calls the callback for every allocation in the list
func (l *dedicatedAllocationList) visit(callback func(alloc *Allocation)) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.head; alloc != nil; alloc = alloc.nextDedicated {
		callback(alloc)
	}
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.tail == nil {
		l.head = alloc
	} else {
		alloc.prevDedicated = l.tail
		l.tail.nextDedicated = alloc
	}
	l.tail = alloc
	l.count++
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	prev, next := alloc.prevDedicated, alloc.nextDedicated
	if prev != nil {
		prev.nextDedicated = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prevDedicated = prev
	} else {
		l.tail = prev
	}

	alloc.prevDedicated = nil
	alloc.nextDedicated = nil
	l.count--
}
