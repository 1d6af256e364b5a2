// Package epoch tracks GPU progress per queue. Every submission to a queue is stamped with a
// monotonically increasing epoch; an epoch is complete once the host has observed, through a fence,
// that the submission carrying it finished executing.
package epoch

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// WaitForever is a timeout that never expires
const WaitForever time.Duration = math.MaxInt64

// WaitPolicy decides whether a multi-fence wait returns when any or when all fences are signaled
type WaitPolicy int

const (
	WaitAny WaitPolicy = iota
	WaitAll
)

var waitPolicyMapping = map[WaitPolicy]string{
	WaitAny: "WaitAny",
	WaitAll: "WaitAll",
}

func (p WaitPolicy) String() string {
	str, ok := waitPolicyMapping[p]
	if !ok {
		return "unknown"
	}
	return str
}

// QueueID identifies one queue of one queue family
type QueueID struct {
	Family int
	Index  int
}

func (q QueueID) String() string {
	return fmt.Sprintf("%d:%d", q.Family, q.Index)
}

// Epochs is a snapshot of one epoch counter for every queue
type Epochs map[QueueID]uint64

// Get returns the epoch recorded for the queue, or zero if the queue is not present
func (e Epochs) Get(queue QueueID) uint64 {
	return e[queue]
}

// Queues returns the queues in the snapshot in family, then index, order
func (e Epochs) Queues() []QueueID {
	queues := maps.Keys(e)
	slices.SortFunc(queues, func(a, b QueueID) bool {
		if a.Family != b.Family {
			return a.Family < b.Family
		}
		return a.Index < b.Index
	})
	return queues
}

// Use is the last epoch at which a queue referenced something
type Use struct {
	Queue QueueID
	Epoch uint64
}

// Uses records, for each queue that referenced a resource, the latest epoch at which it did. The
// zero value records no uses.
type Uses struct {
	entries []Use
}

// Record raises the use recorded for the queue to at least e
func (u *Uses) Record(queue QueueID, e uint64) {
	for i := range u.entries {
		if u.entries[i].Queue == queue {
			if e > u.entries[i].Epoch {
				u.entries[i].Epoch = e
			}
			return
		}
	}

	u.entries = append(u.entries, Use{Queue: queue, Epoch: e})
}

// Merge records every use in other
func (u *Uses) Merge(other *Uses) {
	for _, use := range other.entries {
		u.Record(use.Queue, use.Epoch)
	}
}

// Last returns the use recorded for the queue
func (u *Uses) Last(queue QueueID) (uint64, bool) {
	for _, use := range u.entries {
		if use.Queue == queue {
			return use.Epoch, true
		}
	}
	return 0, false
}

func (u *Uses) Empty() bool {
	return len(u.entries) == 0
}

// All returns a copy of the recorded uses
func (u *Uses) All() []Use {
	return slices.Clone(u.entries)
}

// Complete returns true if every recorded use has been completed. Uses of work that has not been
// submitted yet (at or beyond next) are never complete.
func (u *Uses) Complete(next, completed Epochs) bool {
	for _, use := range u.entries {
		if use.Epoch >= next.Get(use.Queue) {
			return false
		}
		if use.Epoch > completed.Get(use.Queue) {
			return false
		}
	}
	return true
}
