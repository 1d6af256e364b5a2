package headless

import "github.com/vkngwrapper/arsenal/factory/device"

// Options configures a headless device. Any field left at its zero value takes the corresponding
// value from DefaultProperties.
type Options struct {
	DeviceName    string
	MemoryTypes   []device.MemoryType
	MemoryHeaps   []device.MemoryHeap
	Limits        device.Limits
	QueueFamilies []device.QueueFamily

	// DeferExecution keeps submitted work pending until Complete or CompleteAll is called, so that
	// callers can observe the time between submission and completion. When it is false, work
	// executes and fences signal during Submit.
	DeferExecution bool
}

const (
	defaultHeapSize = 64 * 1024 * 1024
)

// DefaultProperties describes a small discrete GPU: a device-local heap with a host-visible
// window into it, a host heap with coherent and cached memory types, a general purpose queue
// family with two queues and a transfer-only family
func DefaultProperties() device.Properties {
	return device.Properties{
		DeviceName: "headless",
		Memory: device.MemoryProperties{
			MemoryTypes: []device.MemoryType{
				{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
				{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 1},
				{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent | device.MemoryPropertyHostCached, HeapIndex: 1},
				{PropertyFlags: device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 2},
			},
			MemoryHeaps: []device.MemoryHeap{
				{Size: defaultHeapSize, Flags: device.MemoryHeapDeviceLocal},
				{Size: defaultHeapSize},
				{Size: 16 * 1024 * 1024, Flags: device.MemoryHeapDeviceLocal},
			},
		},
		Limits: device.Limits{
			BufferImageGranularity:           1024,
			NonCoherentAtomSize:              64,
			MaxMemoryAllocationCount:         4096,
			OptimalBufferCopyOffsetAlignment: 16,
		},
		QueueFamilies: []device.QueueFamily{
			{Index: 0, QueueCount: 2, Flags: device.QueueGraphics | device.QueueCompute | device.QueueTransfer},
			{Index: 1, QueueCount: 1, Flags: device.QueueTransfer},
		},
	}
}

func (o Options) properties() device.Properties {
	props := DefaultProperties()

	if o.DeviceName != "" {
		props.DeviceName = o.DeviceName
	}
	if len(o.MemoryTypes) > 0 {
		props.Memory.MemoryTypes = o.MemoryTypes
	}
	if len(o.MemoryHeaps) > 0 {
		props.Memory.MemoryHeaps = o.MemoryHeaps
	}
	if o.Limits.BufferImageGranularity > 0 {
		props.Limits.BufferImageGranularity = o.Limits.BufferImageGranularity
	}
	if o.Limits.NonCoherentAtomSize > 0 {
		props.Limits.NonCoherentAtomSize = o.Limits.NonCoherentAtomSize
	}
	if o.Limits.MaxMemoryAllocationCount > 0 {
		props.Limits.MaxMemoryAllocationCount = o.Limits.MaxMemoryAllocationCount
	}
	if o.Limits.OptimalBufferCopyOffsetAlignment > 0 {
		props.Limits.OptimalBufferCopyOffsetAlignment = o.Limits.OptimalBufferCopyOffsetAlignment
	}
	if len(o.QueueFamilies) > 0 {
		props.QueueFamilies = o.QueueFamilies
	}

	return props
}
