package headless

import (
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/factory/device"
	"golang.org/x/exp/slog"
)

func readyDevice(t *testing.T, deferExecution bool) *Device {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dev, err := New(logger, Options{DeferExecution: deferExecution})
	require.NoError(t, err)
	return dev
}

func boundBuffer(t *testing.T, dev *Device, typeIndex int, size int) (device.Buffer, device.Memory) {
	buffer, err := dev.CreateBuffer(device.BufferInfo{Size: size})
	require.NoError(t, err)

	memory, err := dev.AllocateMemory(typeIndex, buffer.MemoryRequirements().Size)
	require.NoError(t, err)
	require.NoError(t, buffer.BindMemory(memory, 0))
	return buffer, memory
}

func recordAndSubmit(t *testing.T, dev *Device, family int, fence device.Fence, record func(cmd device.CommandBuffer)) {
	pool, err := dev.CreateCommandPool(family)
	require.NoError(t, err)

	cmd, err := pool.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cmd.Begin())
	record(cmd)
	require.NoError(t, cmd.End())

	require.NoError(t, dev.Queue(family, 0).Submit([]device.CommandBuffer{cmd}, fence))
}

func TestDefaultProperties(t *testing.T) {
	dev := readyDevice(t, false)
	props := dev.Properties()

	require.Len(t, props.Memory.MemoryTypes, 4)
	require.Len(t, props.Memory.MemoryHeaps, 3)
	require.Len(t, props.QueueFamilies, 2)
	require.NotNil(t, dev.Queue(0, 1))
	require.Nil(t, dev.Queue(0, 2))
	require.Nil(t, dev.Queue(3, 0))
}

func TestMapRequiresHostVisibleMemory(t *testing.T) {
	dev := readyDevice(t, false)

	memory, err := dev.AllocateMemory(0, 1024)
	require.NoError(t, err)
	_, err = memory.Map()
	require.True(t, errors.Is(err, device.ErrInvalidUsage))
	memory.Free()

	memory, err = dev.AllocateMemory(1, 1024)
	require.NoError(t, err)
	data, err := memory.Map()
	require.NoError(t, err)
	require.Len(t, data, 1024)
	memory.Unmap()
	memory.Free()

	require.Equal(t, ObjectCounts{}, dev.Objects())
}

func TestNonCoherentFlushAlignment(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dev, err := New(logger, Options{
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyHostVisible, HeapIndex: 0},
		},
		MemoryHeaps: []device.MemoryHeap{{Size: 1024 * 1024}},
	})
	require.NoError(t, err)

	memory, err := dev.AllocateMemory(0, 1000)
	require.NoError(t, err)

	require.NoError(t, memory.Flush(0, 64))
	require.NoError(t, memory.Flush(64, device.WholeSize))
	require.NoError(t, memory.Flush(960, 40))
	require.True(t, errors.Is(memory.Flush(10, 64), device.ErrInvalidUsage))
	require.True(t, errors.Is(memory.Invalidate(0, 10), device.ErrInvalidUsage))
	require.True(t, errors.Is(memory.Flush(960, 128), device.ErrInvalidUsage))
}

func TestBufferCopy(t *testing.T) {
	dev := readyDevice(t, false)

	src, srcMemory := boundBuffer(t, dev, 1, 256)
	dst, _ := boundBuffer(t, dev, 0, 256)

	data, err := srcMemory.Map()
	require.NoError(t, err)
	for i := range data[:256] {
		data[i] = byte(i)
	}

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)

	recordAndSubmit(t, dev, 0, fence, func(cmd device.CommandBuffer) {
		cmd.CopyBuffer(src, dst, []device.BufferCopy{{SrcOffset: 16, DstOffset: 0, Size: 32}})
	})

	signaled, err := fence.Status()
	require.NoError(t, err)
	require.True(t, signaled)

	contents, err := dev.ReadBuffer(dst)
	require.NoError(t, err)
	for i := 0; i < 32; i++ {
		require.Equal(t, byte(16+i), contents[i])
	}
	require.Equal(t, byte(0), contents[32])
	require.Empty(t, dev.ValidationErrors())
}

func TestCopyBufferToImage(t *testing.T) {
	dev := readyDevice(t, false)

	image, err := dev.CreateImage(device.ImageInfo{
		Type:        device.ImageType2D,
		Format:      device.FormatR8G8B8A8Unorm,
		Extent:      device.Extent3D{Width: 4, Height: 4, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 2,
		Usage:       device.ImageUsageTransferDst | device.ImageUsageSampled,
	})
	require.NoError(t, err)

	reqs := image.MemoryRequirements()
	require.Equal(t, 256, reqs.Size)
	imageMemory, err := dev.AllocateMemory(0, reqs.Size)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(imageMemory, 0))

	src, srcMemory := boundBuffer(t, dev, 1, 2*2*4)
	data, err := srcMemory.Map()
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		data[i] = byte(i + 1)
	}

	subresources := device.ImageSubresourceRange{AspectMask: device.ImageAspectColor, LevelCount: 1, BaseArrayLayer: 1, LayerCount: 1}
	recordAndSubmit(t, dev, 0, nil, func(cmd device.CommandBuffer) {
		cmd.PipelineBarrier(device.PipelineStageTopOfPipe, device.PipelineStageTransfer, nil, []device.ImageBarrier{
			{
				DstAccessMask:    device.AccessTransferWrite,
				OldLayout:        device.ImageLayoutUndefined,
				NewLayout:        device.ImageLayoutTransferDstOptimal,
				SrcQueueFamily:   device.QueueFamilyIgnored,
				DstQueueFamily:   device.QueueFamilyIgnored,
				Image:            image,
				SubresourceRange: subresources,
			},
		})
		cmd.CopyBufferToImage(src, image, device.ImageLayoutTransferDstOptimal, []device.BufferImageCopy{
			{
				ImageSubresource: device.ImageSubresourceLayers{AspectMask: device.ImageAspectColor, BaseArrayLayer: 1, LayerCount: 1},
				ImageOffset:      device.Offset3D{X: 1, Y: 2},
				ImageExtent:      device.Extent3D{Width: 2, Height: 2, Depth: 1},
			},
		})
	})

	require.Empty(t, dev.ValidationErrors())
	require.Equal(t, device.ImageLayoutTransferDstOptimal, image.(*Image).Layout(1, 0))
	require.Equal(t, device.ImageLayoutUndefined, image.(*Image).Layout(0, 0))

	contents, err := dev.ReadImage(image, 1, 0)
	require.NoError(t, err)

	rowPitch := 4 * 4
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, contents[2*rowPitch+4:2*rowPitch+12])
	require.Equal(t, []byte{9, 10, 11, 12, 13, 14, 15, 16}, contents[3*rowPitch+4:3*rowPitch+12])
	require.Equal(t, make([]byte, 4), contents[2*rowPitch:2*rowPitch+4])
}

func TestCopyIntoWrongLayoutIsReported(t *testing.T) {
	dev := readyDevice(t, false)

	image, err := dev.CreateImage(device.ImageInfo{
		Type:        device.ImageType2D,
		Format:      device.FormatR8Unorm,
		Extent:      device.Extent3D{Width: 16, Height: 16, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
	})
	require.NoError(t, err)
	imageMemory, err := dev.AllocateMemory(0, image.MemoryRequirements().Size)
	require.NoError(t, err)
	require.NoError(t, image.BindMemory(imageMemory, 0))

	src, _ := boundBuffer(t, dev, 1, 256)
	recordAndSubmit(t, dev, 0, nil, func(cmd device.CommandBuffer) {
		cmd.CopyBufferToImage(src, image, device.ImageLayoutTransferDstOptimal, []device.BufferImageCopy{
			{
				ImageSubresource: device.ImageSubresourceLayers{AspectMask: device.ImageAspectColor, LayerCount: 1},
				ImageExtent:      device.Extent3D{Width: 16, Height: 16, Depth: 1},
			},
		})
	})

	require.Len(t, dev.ValidationErrors(), 1)
}

func TestDeferredExecution(t *testing.T) {
	dev := readyDevice(t, true)

	fences := make([]device.Fence, 3)
	for i := range fences {
		fence, err := dev.CreateFence(false)
		require.NoError(t, err)
		fences[i] = fence
		recordAndSubmit(t, dev, 0, fence, func(cmd device.CommandBuffer) {})
	}
	require.Equal(t, 3, dev.Pending(0, 0))

	signaled, err := dev.WaitForFences(fences, false, 0)
	require.NoError(t, err)
	require.False(t, signaled)

	require.True(t, dev.Complete(0, 0))

	signaled, err = dev.WaitForFences(fences, false, 0)
	require.NoError(t, err)
	require.True(t, signaled)

	signaled, err = dev.WaitForFences(fences, true, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, signaled)

	dev.CompleteAll()
	require.Equal(t, 0, dev.Pending(0, 0))
	require.False(t, dev.Complete(0, 0))

	signaled, err = dev.WaitForFences(fences, true, 0)
	require.NoError(t, err)
	require.True(t, signaled)
}

func TestWaitWakesOnCompletion(t *testing.T) {
	dev := readyDevice(t, true)

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	recordAndSubmit(t, dev, 1, fence, func(cmd device.CommandBuffer) {})

	go func() {
		time.Sleep(10 * time.Millisecond)
		dev.Complete(1, 0)
	}()

	signaled, err := dev.WaitForFences([]device.Fence{fence}, true, time.Duration(1<<62))
	require.NoError(t, err)
	require.True(t, signaled)
}

func TestResetPendingFence(t *testing.T) {
	dev := readyDevice(t, true)

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)
	recordAndSubmit(t, dev, 0, fence, func(cmd device.CommandBuffer) {})

	require.True(t, errors.Is(dev.ResetFences([]device.Fence{fence}), device.ErrInvalidUsage))

	dev.CompleteAll()
	require.NoError(t, dev.ResetFences([]device.Fence{fence}))

	signaled, err := fence.Status()
	require.NoError(t, err)
	require.False(t, signaled)
}

func TestDeviceLost(t *testing.T) {
	dev := readyDevice(t, true)

	fence, err := dev.CreateFence(false)
	require.NoError(t, err)

	dev.Lose()

	_, err = dev.WaitForFences([]device.Fence{fence}, true, time.Second)
	require.True(t, errors.Is(err, device.ErrDeviceLost))

	_, err = fence.Status()
	require.True(t, errors.Is(err, device.ErrDeviceLost))

	require.True(t, errors.Is(dev.Queue(0, 0).Submit(nil, nil), device.ErrDeviceLost))
	require.True(t, errors.Is(dev.WaitIdle(), device.ErrDeviceLost))
}
