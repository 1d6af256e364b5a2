// Package resource keeps the catalogue of every buffer, image, image view and sampler created
// through the factory. Destroying a resource only marks it destroyed; the device objects and the
// memory behind it are released by Registry.Cleanup once every queue that used it has been
// observed to finish the work that referenced it.
package resource

import (
	"sync"

	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/heap"
)

// ID identifies a resource within its registry
type ID uint64

type Kind int32

const (
	KindBuffer Kind = iota
	KindImage
	KindImageView
	KindSampler

	kindCount
)

var kindMapping = map[Kind]string{
	KindBuffer:    "Buffer",
	KindImage:     "Image",
	KindImageView: "ImageView",
	KindSampler:   "Sampler",
}

func (k Kind) String() string {
	str, ok := kindMapping[k]
	if !ok {
		return "unknown"
	}
	return str
}

// State is the lifecycle stage of a resource
type State int32

const (
	// StateLive resources may be used in new work
	StateLive State = iota
	// StateDestroyed resources have been destroyed by their owner, but work that uses them may
	// still be executing. They wait in the destroy queue.
	StateDestroyed
	// StateFreed resources have released their device objects and memory
	StateFreed
)

var stateMapping = map[State]string{
	StateLive:      "StateLive",
	StateDestroyed: "StateDestroyed",
	StateFreed:     "StateFreed",
}

func (s State) String() string {
	str, ok := stateMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

// Resource is implemented by *Buffer, *Image, *ImageView and *Sampler
type Resource interface {
	ID() ID
	Kind() Kind
	State() State
	// LastUse returns the latest epoch at which work submitted to the queue referenced the
	// resource
	LastUse(queue epoch.QueueID) (uint64, bool)
	// Uses returns every queue that has referenced the resource, with the latest epoch for each
	Uses() []epoch.Use

	base() *tracking
	// blocked reports whether something other than outstanding work keeps the resource alive
	blocked() bool
	release(registry *Registry) error
}

// tracking is the lifecycle state shared by every kind of resource
type tracking struct {
	id   ID
	kind Kind

	mutex sync.Mutex
	state State
	uses  epoch.Uses
}

func (t *tracking) base() *tracking { return t }

func (t *tracking) ID() ID { return t.id }

func (t *tracking) Kind() Kind { return t.kind }

func (t *tracking) State() State {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.state
}

func (t *tracking) LastUse(queue epoch.QueueID) (uint64, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.uses.Last(queue)
}

func (t *tracking) Uses() []epoch.Use {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.uses.All()
}

func (t *tracking) recordUse(queue epoch.QueueID, e uint64) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state != StateLive {
		return device.InvalidUsagef("%s %d was used after it was destroyed", t.kind, t.id)
	}
	t.uses.Record(queue, e)
	return nil
}

// BufferCreateInfo describes a buffer to create
type BufferCreateInfo struct {
	Size int
	// Alignment is the minimum alignment of the buffer's memory, on top of whatever the device
	// requires. Zero means the device's requirement alone.
	Alignment   int
	Usage       device.BufferUsageFlags
	MemoryUsage heap.Usage
}

// ImageCreateInfo describes an image to create
type ImageCreateInfo struct {
	Info        device.ImageInfo
	Alignment   int
	MemoryUsage heap.Usage
}

// Counts reports how many resources of each kind the registry holds
type Counts struct {
	Buffers    int
	Images     int
	ImageViews int
	Samplers   int
	// Pending is the number of destroyed resources waiting in the destroy queue. They are also
	// included in the per-kind counts.
	Pending int
}
