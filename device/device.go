package device

import (
	"time"
)

//go:generate mockgen -destination ./mocks/mocks.go -package mocks github.com/vkngwrapper/arsenal/factory/device Device,Fence,Memory,Queue

// Device is the capability interface a backend provides to the factory. It is chosen once, at
// factory creation, and every GPU object the factory manages is created through it.
type Device interface {
	// Properties returns the immutable description of the device: memory types and heaps,
	// limits and the queue families that were opened.
	Properties() *Properties

	// AllocateMemory allocates a block of device memory of the provided memory type
	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)

	CreateBuffer(info BufferInfo) (Buffer, error)
	CreateImage(info ImageInfo) (Image, error)
	CreateImageView(image Image, info ImageViewInfo) (ImageView, error)
	CreateSampler(info SamplerInfo) (Sampler, error)

	// CreateFence creates a fence, optionally in the signaled state
	CreateFence(signaled bool) (Fence, error)
	// WaitForFences blocks until one (waitAll false) or all (waitAll true) of the provided fences
	// are signaled or until timeout elapses. A timeout is not an error: it is reported by
	// returning false.
	WaitForFences(fences []Fence, waitAll bool, timeout time.Duration) (bool, error)
	// ResetFences returns the provided fences to the unsignaled state
	ResetFences(fences []Fence) error

	// CreateCommandPool creates a pool of command buffers for the queue family with the provided index
	CreateCommandPool(queueFamily int) (CommandPool, error)
	// Queue retrieves one of the queues opened on the device
	Queue(queueFamily, queueIndex int) Queue

	// WaitIdle blocks until all work submitted to the device has completed
	WaitIdle() error
	// Destroy releases the device. All objects created from it must be destroyed first.
	Destroy()
}

// Memory is a single allocation of device memory
type Memory interface {
	Size() int
	MemoryTypeIndex() int
	// Map maps the whole memory object into host address space. It may only be called on
	// memory of a host-visible memory type.
	Map() ([]byte, error)
	Unmap()
	// Flush makes host writes to the provided range visible to the device. It only needs to be
	// called for non-coherent memory types.
	Flush(offset, size int) error
	// Invalidate makes device writes to the provided range visible to the host. It only needs to
	// be called for non-coherent memory types.
	Invalidate(offset, size int) error
	Free()
}

type Buffer interface {
	MemoryRequirements() MemoryRequirements
	BindMemory(memory Memory, offset int) error
	Destroy()
}

type Image interface {
	MemoryRequirements() MemoryRequirements
	BindMemory(memory Memory, offset int) error
	Destroy()
}

type ImageView interface {
	Destroy()
}

type Sampler interface {
	Destroy()
}

type Fence interface {
	// Status returns true if the fence is signaled. It never blocks.
	Status() (bool, error)
	Destroy()
}

type CommandPool interface {
	AllocateCommandBuffer() (CommandBuffer, error)
	Destroy()
}

// CommandBuffer records device work. Recording methods do not report errors: a backend that fails
// while recording reports it from End.
type CommandBuffer interface {
	Begin() error
	CopyBuffer(src, dst Buffer, regions []BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, layout ImageLayout, regions []BufferImageCopy)
	PipelineBarrier(srcStage, dstStage PipelineStageFlags, buffers []BufferBarrier, images []ImageBarrier)
	End() error
	Reset() error
	Free()
}

type Queue interface {
	Family() int
	Index() int
	// Submit sends command buffers to the queue. The fence, if not nil, is signaled when all of
	// them have completed.
	Submit(commandBuffers []CommandBuffer, fence Fence) error
}
