package heap

import "github.com/vkngwrapper/core/v2/common"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateLinearAlgorithm sub-allocates blocks with the linear algorithm instead of TLSF. Freed
	// space is only reused once the allocations behind it are freed as well, which suits memory
	// that is released in roughly the order it was allocated.
	CreateLinearAlgorithm
	// CreateStrategyMinTime favors allocation speed over reduced fragmentation
	CreateStrategyMinTime
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateLinearAlgorithm.Register("CreateLinearAlgorithm")
	CreateStrategyMinTime.Register("CreateStrategyMinTime")
}

const (
	// defaultLargeHeapBlockSize is the PreferredLargeHeapBlockSize used when none is provided. It is
	// equal to 256MiB.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	smallHeapMaxSize          int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger than
	// a gigabyte. Smaller heaps use an eighth of the heap size.
	PreferredLargeHeapBlockSize int

	// HeapSizeLimits can be left empty. If it is provided, it must have one entry per device memory
	// heap. Each entry is either the maximum number of bytes that may be allocated from the heap or
	// zero, indicating that the heap's own size is the limit.
	HeapSizeLimits []int
}
