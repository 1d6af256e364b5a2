package epoch

import (
	"sync"

	"github.com/vkngwrapper/arsenal/factory/device"
)

type FenceState int

const (
	// FenceUnsignaled fences have not been submitted since they were created or reset
	FenceUnsignaled FenceState = iota
	// FencePending fences were submitted with a submission carrying an epoch, which has not yet
	// been observed to complete
	FencePending
	// FenceSignaled fences have been observed signaled. The epoch they carried, if any, has been
	// folded into the ledger.
	FenceSignaled
)

var fenceStateMapping = map[FenceState]string{
	FenceUnsignaled: "FenceUnsignaled",
	FencePending:    "FencePending",
	FenceSignaled:   "FenceSignaled",
}

func (s FenceState) String() string {
	str, ok := fenceStateMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

// FenceEpoch is the submission a fence will signal completion of. The zero value refers to no
// submission at all.
type FenceEpoch struct {
	Queue QueueID
	Epoch uint64
}

// Fence associates a device fence with the epoch of the submission it was handed to, so that
// observing the fence signaled tells the ledger how far its queue has progressed
type Fence struct {
	raw device.Fence

	mutex sync.Mutex
	state FenceState
	epoch FenceEpoch
}

// NewFence wraps a device fence. Fences created signaled carry no epoch.
func NewFence(raw device.Fence, signaled bool) *Fence {
	fence := &Fence{raw: raw}
	if signaled {
		fence.state = FenceSignaled
	}
	return fence
}

// Raw returns the device fence
func (f *Fence) Raw() device.Fence {
	return f.raw
}

func (f *Fence) State() (FenceState, FenceEpoch) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.state, f.epoch
}

// Bind records that the fence was submitted along with the epoch on the queue. Only unsignaled
// fences may be bound.
func (f *Fence) Bind(queue QueueID, e uint64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.state != FenceUnsignaled {
		return device.InvalidUsagef("a fence in state %s cannot be submitted: it must be reset first", f.state)
	}

	f.state = FencePending
	f.epoch = FenceEpoch{Queue: queue, Epoch: e}
	return nil
}

// MarkSignaled records that the fence was observed signaled and returns the epoch it carried. A
// fence that was already signaled returns its epoch again.
func (f *Fence) MarkSignaled() (FenceEpoch, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	switch f.state {
	case FencePending:
		f.state = FenceSignaled
	case FenceUnsignaled:
		return FenceEpoch{}, device.InvalidUsagef("a fence that was never submitted cannot be signaled")
	}

	return f.epoch, nil
}

// Reset returns a signaled fence to the unsignaled state. Resetting an unsignaled fence does nothing.
// Pending fences can't be reset: the epoch they carry would never be observed.
func (f *Fence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	switch f.state {
	case FencePending:
		return device.InvalidUsagef("a pending fence cannot be reset before it is observed signaled")
	case FenceSignaled:
		f.state = FenceUnsignaled
		f.epoch = FenceEpoch{}
	}

	return nil
}
