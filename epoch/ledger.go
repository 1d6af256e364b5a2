package epoch

import (
	"sync"

	"github.com/vkngwrapper/arsenal/factory/device"
)

type queueEpochs struct {
	next      uint64
	completed uint64
}

type familyEpochs struct {
	family device.QueueFamily
	mutex  sync.RWMutex
	queues []queueEpochs
}

// Ledger holds the next and completed epoch of every queue. Each queue family has its own lock so
// that progress on one family never waits on another.
//
// next starts at 1 and completed at 0: epoch 0 means "nothing submitted", and is always complete.
type Ledger struct {
	families []*familyEpochs
	slots    map[int]int
}

// NewLedger builds a ledger for the provided queue family layout
func NewLedger(families []device.QueueFamily) (*Ledger, error) {
	ledger := &Ledger{
		slots: make(map[int]int, len(families)),
	}

	for _, family := range families {
		if family.QueueCount < 1 {
			return nil, device.InvalidUsagef("queue family %d has no queues", family.Index)
		}
		if _, duplicate := ledger.slots[family.Index]; duplicate {
			return nil, device.InvalidUsagef("queue family %d was provided twice", family.Index)
		}

		entry := &familyEpochs{
			family: family,
			queues: make([]queueEpochs, family.QueueCount),
		}
		for i := range entry.queues {
			entry.queues[i].next = 1
		}

		ledger.slots[family.Index] = len(ledger.families)
		ledger.families = append(ledger.families, entry)
	}

	return ledger, nil
}

func (l *Ledger) lookup(queue QueueID) (*familyEpochs, error) {
	slot, ok := l.slots[queue.Family]
	if !ok {
		return nil, device.InvalidUsagef("unknown queue family %d", queue.Family)
	}

	family := l.families[slot]
	if queue.Index < 0 || queue.Index >= len(family.queues) {
		return nil, device.InvalidUsagef("queue family %d has no queue %d", queue.Family, queue.Index)
	}
	return family, nil
}

// Families returns the queue families the ledger tracks
func (l *Ledger) Families() []device.QueueFamily {
	families := make([]device.QueueFamily, len(l.families))
	for i, family := range l.families {
		families[i] = family.family
	}
	return families
}

// Queues lists every queue the ledger tracks
func (l *Ledger) Queues() []QueueID {
	var queues []QueueID
	for _, family := range l.families {
		for index := range family.queues {
			queues = append(queues, QueueID{Family: family.family.Index, Index: index})
		}
	}
	return queues
}

// Validate returns an error if the queue is not tracked by the ledger
func (l *Ledger) Validate(queue QueueID) error {
	_, err := l.lookup(queue)
	return err
}

// Submit allocates the epoch for a new submission to the queue. The queue's next epoch advances by
// exactly one.
func (l *Ledger) Submit(queue QueueID) (uint64, error) {
	family, err := l.lookup(queue)
	if err != nil {
		return 0, err
	}

	family.mutex.Lock()
	defer family.mutex.Unlock()

	e := family.queues[queue.Index].next
	family.queues[queue.Index].next++
	return e, nil
}

// Advance records that every submission to the queue up to and including e has completed.
// Completion never moves backward, and it can't pass the last submitted epoch.
func (l *Ledger) Advance(queue QueueID, e uint64) error {
	family, err := l.lookup(queue)
	if err != nil {
		return err
	}

	family.mutex.Lock()
	defer family.mutex.Unlock()

	epochs := &family.queues[queue.Index]
	if e >= epochs.next {
		return device.InvalidUsagef("queue %s cannot complete epoch %d: only epochs below %d were submitted", queue, e, epochs.next)
	}

	if e > epochs.completed {
		epochs.completed = e
	}
	return nil
}

// Next returns the epoch the next submission to the queue will receive
func (l *Ledger) Next(queue QueueID) (uint64, error) {
	family, err := l.lookup(queue)
	if err != nil {
		return 0, err
	}

	family.mutex.RLock()
	defer family.mutex.RUnlock()

	return family.queues[queue.Index].next, nil
}

// Completed returns the latest epoch of the queue known to be complete
func (l *Ledger) Completed(queue QueueID) (uint64, error) {
	family, err := l.lookup(queue)
	if err != nil {
		return 0, err
	}

	family.mutex.RLock()
	defer family.mutex.RUnlock()

	return family.queues[queue.Index].completed, nil
}

// IsComplete returns true if the epoch has completed on the queue
func (l *Ledger) IsComplete(queue QueueID, e uint64) (bool, error) {
	completed, err := l.Completed(queue)
	if err != nil {
		return false, err
	}
	return e <= completed, nil
}

func (l *Ledger) snapshot(selector func(epochs queueEpochs) uint64) Epochs {
	snapshot := make(Epochs)
	for _, family := range l.families {
		family.mutex.RLock()
		for index, epochs := range family.queues {
			snapshot[QueueID{Family: family.family.Index, Index: index}] = selector(epochs)
		}
		family.mutex.RUnlock()
	}
	return snapshot
}

// NextEpochs returns a snapshot of every queue's next epoch
func (l *Ledger) NextEpochs() Epochs {
	return l.snapshot(func(epochs queueEpochs) uint64 { return epochs.next })
}

// CompletedEpochs returns a snapshot of every queue's completed epoch
func (l *Ledger) CompletedEpochs() Epochs {
	return l.snapshot(func(epochs queueEpochs) uint64 { return epochs.completed })
}
