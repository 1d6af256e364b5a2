package device

import "github.com/vkngwrapper/core/v2/common"

// MemoryPropertyFlags describes the properties of a memory type. Values match the corresponding
// Vulkan bits.
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
	MemoryPropertyLazilyAllocated
)

// MemoryHeapFlags describes the properties of a memory heap
type MemoryHeapFlags int32

var memoryHeapFlagsMapping = common.NewFlagStringMapping[MemoryHeapFlags]()

func (f MemoryHeapFlags) Register(str string) {
	memoryHeapFlagsMapping.Register(f, str)
}
func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

const (
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

// QueueFlags describes the capabilities of a queue family
type QueueFlags int32

var queueFlagsMapping = common.NewFlagStringMapping[QueueFlags]()

func (f QueueFlags) Register(str string) {
	queueFlagsMapping.Register(f, str)
}
func (f QueueFlags) String() string {
	return queueFlagsMapping.FlagsToString(f)
}

const (
	QueueGraphics QueueFlags = 1 << iota
	QueueCompute
	QueueTransfer
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")

	MemoryHeapDeviceLocal.Register("DeviceLocal")

	QueueGraphics.Register("Graphics")
	QueueCompute.Register("Compute")
	QueueTransfer.Register("Transfer")
}

type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

type MemoryHeap struct {
	Size  int
	Flags MemoryHeapFlags
}

// MemoryProperties lists the memory types and heaps a device exposes. There are at most 32 memory
// types, so that a set of them can be expressed as a uint32 mask.
type MemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
}

// MemoryRequirements is reported by buffers and images before they are bound to memory
type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

type Limits struct {
	// BufferImageGranularity is the granularity, in bytes, at which buffers and optimal-tiling
	// images placed next to each other in the same memory must be separated
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment required for flushing ranges of non-coherent memory
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the maximum number of live AllocateMemory results. Zero means
	// unlimited.
	MaxMemoryAllocationCount int
	// OptimalBufferCopyOffsetAlignment is the preferred alignment of staging data in buffer to
	// image copies
	OptimalBufferCopyOffsetAlignment int
}

type QueueFamily struct {
	// Index is the family index the backend uses to identify the family
	Index      int
	QueueCount int
	Flags      QueueFlags
}

type Properties struct {
	DeviceName    string
	Memory        MemoryProperties
	Limits        Limits
	QueueFamilies []QueueFamily
}

// QueueFamily returns the family with the provided backend index
func (p *Properties) QueueFamily(index int) (QueueFamily, bool) {
	for _, family := range p.QueueFamilies {
		if family.Index == index {
			return family, true
		}
	}

	return QueueFamily{}, false
}
