package upload

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/headless"
	"github.com/vkngwrapper/arsenal/factory/heap"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"golang.org/x/exp/slog"
)

var (
	graphicsQueue = epoch.QueueID{Family: 0, Index: 0}
	transferQueue = epoch.QueueID{Family: 1, Index: 0}
)

type testUploader struct {
	device   *headless.Device
	heap     *heap.Allocator
	registry *resource.Registry
	ledger   *epoch.Ledger
	uploader *Uploader
}

func readyUploader(t *testing.T, deferExecution bool) *testUploader {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dev, err := headless.New(logger, headless.Options{DeferExecution: deferExecution})
	require.NoError(t, err)

	allocator, err := heap.New(logger, dev, dev.Properties(), heap.CreateOptions{})
	require.NoError(t, err)

	ledger, err := epoch.NewLedger(dev.Properties().QueueFamilies)
	require.NoError(t, err)

	registry := resource.NewRegistry(logger, dev, allocator)

	return &testUploader{
		device:   dev,
		heap:     allocator,
		registry: registry,
		ledger:   ledger,
		uploader: New(logger, dev, registry, ledger),
	}
}

func (u *testUploader) cleanupRegistry() int {
	return u.registry.Cleanup(u.ledger.NextEpochs(), u.ledger.CompletedEpochs())
}

func (u *testUploader) dispose(t *testing.T) {
	require.NoError(t, u.device.WaitIdle())
	require.NoError(t, u.uploader.Dispose())
	require.NoError(t, u.registry.Dispose())
	require.NoError(t, u.heap.Destroy())
	require.Empty(t, u.device.ValidationErrors())
	require.Equal(t, headless.ObjectCounts{}, u.device.Objects())
}

func pattern(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i*7 + i/256)
	}
	return content
}

func createImage(t *testing.T, registry *resource.Registry, format device.Format, width, height, layers int) *resource.Image {
	image, err := registry.CreateImage(resource.ImageCreateInfo{
		Info: device.ImageInfo{
			Type:        device.ImageType2D,
			Format:      format,
			Extent:      device.Extent3D{Width: width, Height: height, Depth: 1},
			MipLevels:   1,
			ArrayLayers: layers,
			Usage:       device.ImageUsageSampled | device.ImageUsageTransferDst,
		},
		MemoryUsage: heap.UsageData,
	})
	require.NoError(t, err)
	return image
}

func createBuffer(t *testing.T, registry *resource.Registry, size int) *resource.Buffer {
	buffer, err := registry.CreateBuffer(resource.BufferCreateInfo{
		Size:        size,
		Usage:       device.BufferUsageVertex | device.BufferUsageTransferDst,
		MemoryUsage: heap.UsageData,
	})
	require.NoError(t, err)
	return buffer
}

func colorRegion(width, height int) ImageRegion {
	return ImageRegion{
		Layers: device.ImageSubresourceLayers{AspectMask: device.ImageAspectColor, LayerCount: 1},
		Extent: device.Extent3D{Width: width, Height: height, Depth: 1},
	}
}

var shaderRead = ImageState{
	Queue:  graphicsQueue,
	Stage:  device.PipelineStageFragmentShader,
	Access: device.AccessShaderRead,
	Layout: device.ImageLayoutShaderReadOnlyOptimal,
}

func TestImageUploadStagingLifecycle(t *testing.T) {
	u := readyUploader(t, true)

	image := createImage(t, u.registry, device.FormatR8G8B8A8Unorm, 128, 128, 1)
	content := pattern(64 * 1024)

	err := u.uploader.UploadImage(image, colorRegion(128, 128), content, FromLayout(device.ImageLayoutUndefined), shaderRead)
	require.NoError(t, err)
	require.Equal(t, 1, u.uploader.StagingCount())

	last, ok := image.LastUse(graphicsQueue)
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	require.NoError(t, u.uploader.Flush(0))
	require.Equal(t, 1, u.uploader.StagingCount())
	require.Equal(t, 1, u.device.Pending(0, 0))

	next, err := u.ledger.Next(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	retired, err := u.uploader.Cleanup(0)
	require.NoError(t, err)
	require.Equal(t, 0, retired)
	require.Equal(t, 1, u.uploader.StagingCount())

	require.True(t, u.device.Complete(0, 0))

	retired, err = u.uploader.Cleanup(0)
	require.NoError(t, err)
	require.Equal(t, 1, retired)
	require.Equal(t, 0, u.uploader.StagingCount())

	completed, err := u.ledger.Completed(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(1), completed)

	require.Equal(t, 1, u.registry.PendingCount())
	require.Equal(t, 1, u.cleanupRegistry())
	require.Equal(t, 0, u.registry.PendingCount())

	raw := image.Raw().(*headless.Image)
	require.Equal(t, device.ImageLayoutShaderReadOnlyOptimal, raw.Layout(0, 0))

	written, err := u.device.ReadImage(raw, 0, 0)
	require.NoError(t, err)
	require.Equal(t, content, written)

	require.NoError(t, u.registry.DestroyImage(image))
	require.Equal(t, 1, u.cleanupRegistry())
	u.dispose(t)
}

func TestUploadsAreNotSubmittedBeforeFlush(t *testing.T) {
	u := readyUploader(t, true)

	buffer := createBuffer(t, u.registry, 256)
	err := u.uploader.UploadBuffer(buffer, 0, pattern(256), nil, BufferState{
		Queue:  graphicsQueue,
		Stage:  device.PipelineStageVertexInput,
		Access: device.AccessVertexAttributeRead,
	})
	require.NoError(t, err)

	require.Equal(t, 0, u.device.Pending(0, 0))
	require.NoError(t, u.registry.DestroyBuffer(buffer))
	require.Equal(t, 0, u.cleanupRegistry())

	require.NoError(t, u.uploader.Flush(1))
	require.Equal(t, 0, u.device.Pending(0, 0))

	require.NoError(t, u.uploader.Flush(0))
	require.Equal(t, 1, u.device.Pending(0, 0))
	require.Equal(t, 0, u.cleanupRegistry())

	u.device.CompleteAll()
	_, err = u.uploader.Cleanup(0)
	require.NoError(t, err)
	require.Equal(t, 2, u.cleanupRegistry())

	u.dispose(t)
}

func TestBufferUploadContents(t *testing.T) {
	u := readyUploader(t, false)

	buffer := createBuffer(t, u.registry, 1024)
	vertexInput := BufferState{
		Queue:  transferQueue,
		Stage:  device.PipelineStageVertexInput,
		Access: device.AccessVertexAttributeRead,
	}

	first := pattern(1024)
	require.NoError(t, u.uploader.UploadBuffer(buffer, 0, first, nil, vertexInput))

	second := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, u.uploader.UploadBuffer(buffer, 512, second, &vertexInput, vertexInput))
	require.Equal(t, 2, u.uploader.StagingCount())

	require.NoError(t, u.uploader.Flush(1))
	retired, err := u.uploader.Cleanup(1)
	require.NoError(t, err)
	require.Equal(t, 1, retired)
	require.Equal(t, 0, u.uploader.StagingCount())

	written, err := u.device.ReadBuffer(buffer.Raw())
	require.NoError(t, err)

	expected := append([]byte(nil), first...)
	copy(expected[512:], second)
	require.Equal(t, expected, written[:1024])

	require.Equal(t, 2, u.cleanupRegistry())
	require.NoError(t, u.registry.DestroyBuffer(buffer))
	require.Equal(t, 1, u.cleanupRegistry())
	u.dispose(t)
}

func TestCommandBuffersAndFencesAreRecycled(t *testing.T) {
	u := readyUploader(t, false)

	buffer := createBuffer(t, u.registry, 64)
	state := BufferState{Queue: graphicsQueue, Stage: device.PipelineStageVertexInput, Access: device.AccessVertexAttributeRead}

	for i := 0; i < 4; i++ {
		require.NoError(t, u.uploader.UploadBuffer(buffer, 0, pattern(64), &state, state))
		require.NoError(t, u.uploader.Flush(0))
		_, err := u.uploader.Cleanup(0)
		require.NoError(t, err)
	}

	objects := u.device.Objects()
	require.Equal(t, 1, objects.CommandPools)
	require.Equal(t, 1, objects.CommandBuffers)
	require.Equal(t, 1, objects.Fences)

	completed, err := u.ledger.Completed(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(4), completed)

	require.NoError(t, u.registry.DestroyBuffer(buffer))
	u.cleanupRegistry()
	u.dispose(t)
}

func TestSubmitFlushesFamilyFirst(t *testing.T) {
	u := readyUploader(t, true)

	image := createImage(t, u.registry, device.FormatR8Unorm, 16, 16, 1)
	require.NoError(t, u.uploader.UploadImage(image, colorRegion(16, 16), pattern(256), FromLayout(device.ImageLayoutUndefined), shaderRead))

	rawFence, err := u.device.CreateFence(false)
	require.NoError(t, err)
	fence := epoch.NewFence(rawFence, false)

	e, err := u.uploader.Submit(graphicsQueue, nil, fence)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e)
	require.Equal(t, 2, u.device.Pending(0, 0))

	state, fenceEpoch := fence.State()
	require.Equal(t, epoch.FencePending, state)
	require.Equal(t, epoch.FenceEpoch{Queue: graphicsQueue, Epoch: 2}, fenceEpoch)

	_, err = u.uploader.Submit(graphicsQueue, nil, fence)
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	u.device.CompleteAll()
	rawFence.Destroy()

	require.NoError(t, u.registry.DestroyImage(image))
	u.dispose(t)
}

func TestImageUploadSubregion(t *testing.T) {
	u := readyUploader(t, false)

	image := createImage(t, u.registry, device.FormatR8G8B8A8Unorm, 4, 4, 2)
	region := ImageRegion{
		Layers:    device.ImageSubresourceLayers{AspectMask: device.ImageAspectColor, BaseArrayLayer: 1, LayerCount: 1},
		Offset:    device.Offset3D{X: 1, Y: 2},
		Extent:    device.Extent3D{Width: 2, Height: 2, Depth: 1},
		DataWidth: 3,
	}

	content := pattern(3 * 2 * 4)
	require.NoError(t, u.uploader.UploadImage(image, region, content, FromLayout(device.ImageLayoutUndefined), ImageState{
		Queue:  graphicsQueue,
		Stage:  device.PipelineStageFragmentShader,
		Access: device.AccessShaderRead,
		Layout: device.ImageLayoutShaderReadOnlyOptimal,
	}))
	require.NoError(t, u.uploader.Flush(0))
	_, err := u.uploader.Cleanup(0)
	require.NoError(t, err)

	raw := image.Raw().(*headless.Image)
	require.Equal(t, device.ImageLayoutUndefined, raw.Layout(0, 0))
	require.Equal(t, device.ImageLayoutShaderReadOnlyOptimal, raw.Layout(1, 0))

	written, err := u.device.ReadImage(raw, 1, 0)
	require.NoError(t, err)
	for row := 0; row < 2; row++ {
		rowStart := ((2+row)*4 + 1) * 4
		require.Equal(t, content[row*12:row*12+8], written[rowStart:rowStart+8])
	}

	require.NoError(t, u.registry.DestroyImage(image))
	u.cleanupRegistry()
	u.dispose(t)
}

func TestInvalidUploads(t *testing.T) {
	u := readyUploader(t, false)

	image := createImage(t, u.registry, device.FormatR8G8B8A8Unorm, 16, 16, 1)
	buffer := createBuffer(t, u.registry, 128)
	bufferState := BufferState{Queue: graphicsQueue, Stage: device.PipelineStageVertexInput, Access: device.AccessVertexAttributeRead}

	testCases := map[string]func() error{
		"ImageContentTooSmall": func() error {
			return u.uploader.UploadImage(image, colorRegion(16, 16), pattern(16*16*4-1), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"ImageContentTooLarge": func() error {
			return u.uploader.UploadImage(image, colorRegion(16, 16), pattern(16*16*4+4), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"ImageRegionOutOfBounds": func() error {
			region := colorRegion(16, 16)
			region.Offset.X = 1
			return u.uploader.UploadImage(image, region, pattern(16*16*4), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"ImageWrongAspect": func() error {
			region := colorRegion(16, 16)
			region.Layers.AspectMask = device.ImageAspectDepth
			return u.uploader.UploadImage(image, region, pattern(16*16*4), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"ImageLayerOutOfRange": func() error {
			region := colorRegion(16, 16)
			region.Layers.BaseArrayLayer = 1
			return u.uploader.UploadImage(image, region, pattern(16*16*4), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"ImageMipOutOfRange": func() error {
			region := colorRegion(8, 8)
			region.Layers.MipLevel = 1
			return u.uploader.UploadImage(image, region, pattern(8*8*4), FromLayout(device.ImageLayoutUndefined), shaderRead)
		},
		"BufferOverflow": func() error {
			return u.uploader.UploadBuffer(buffer, 64, pattern(65), nil, bufferState)
		},
		"BufferEmpty": func() error {
			return u.uploader.UploadBuffer(buffer, 0, nil, nil, bufferState)
		},
		"UnknownQueue": func() error {
			state := bufferState
			state.Queue = epoch.QueueID{Family: 0, Index: 2}
			return u.uploader.UploadBuffer(buffer, 0, pattern(16), nil, state)
		},
	}

	for name, upload := range testCases {
		t.Run(name, func(t *testing.T) {
			err := upload()
			require.Error(t, err)
			require.True(t, errors.Is(err, device.ErrInvalidUsage))
			require.Equal(t, 0, u.uploader.StagingCount())
		})
	}

	require.NoError(t, u.registry.DestroyBuffer(buffer))
	err := u.uploader.UploadBuffer(buffer, 0, pattern(16), nil, bufferState)
	require.True(t, errors.Is(err, device.ErrInvalidUsage))
	require.Equal(t, 0, u.uploader.StagingCount())

	require.NoError(t, u.registry.DestroyImage(image))
	u.cleanupRegistry()
	require.NoError(t, u.uploader.Dispose())
}

func TestDeviceLostDuringCleanup(t *testing.T) {
	u := readyUploader(t, true)

	buffer := createBuffer(t, u.registry, 64)
	require.NoError(t, u.uploader.UploadBuffer(buffer, 0, pattern(64), nil, BufferState{
		Queue:  graphicsQueue,
		Stage:  device.PipelineStageVertexInput,
		Access: device.AccessVertexAttributeRead,
	}))
	require.NoError(t, u.uploader.Flush(0))

	u.device.Lose()
	_, err := u.uploader.Cleanup(0)
	require.True(t, errors.Is(err, device.ErrDeviceLost))
	require.Equal(t, 1, u.uploader.StagingCount())

	completed, err := u.ledger.Completed(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(0), completed)
}

func TestUploadWithoutHostVisibleMemory(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dev, err := headless.New(logger, headless.Options{
		MemoryTypes: []device.MemoryType{{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0}},
		MemoryHeaps: []device.MemoryHeap{{Size: 64 * 1024 * 1024, Flags: device.MemoryHeapDeviceLocal}},
	})
	require.NoError(t, err)

	allocator, err := heap.New(logger, dev, dev.Properties(), heap.CreateOptions{})
	require.NoError(t, err)
	ledger, err := epoch.NewLedger(dev.Properties().QueueFamilies)
	require.NoError(t, err)
	registry := resource.NewRegistry(logger, dev, allocator)
	uploader := New(logger, dev, registry, ledger)

	buffer := createBuffer(t, registry, 64)
	err = uploader.UploadBuffer(buffer, 0, pattern(64), nil, BufferState{Queue: graphicsQueue})
	require.True(t, errors.Is(err, device.ErrFeatureNotPresent))
	require.Equal(t, 0, uploader.StagingCount())
}

func TestSubmitRecordsUsesWithItsOwnEpoch(t *testing.T) {
	u := readyUploader(t, true)

	image := createImage(t, u.registry, device.FormatR8Unorm, 16, 16, 1)
	require.NoError(t, u.uploader.UploadImage(image, colorRegion(16, 16), pattern(256), FromLayout(device.ImageLayoutUndefined), shaderRead))
	vertices := createBuffer(t, u.registry, 128)

	next, err := u.ledger.Next(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	e, err := u.uploader.Submit(graphicsQueue, nil, nil, vertices)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e)

	last, ok := vertices.LastUse(graphicsQueue)
	require.True(t, ok)
	require.Equal(t, e, last)

	require.NoError(t, u.registry.DestroyBuffer(vertices))
	require.True(t, u.device.Complete(0, 0))
	_, err = u.uploader.Cleanup(0)
	require.NoError(t, err)

	completed, err := u.ledger.Completed(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(1), completed)

	require.Equal(t, 1, u.cleanupRegistry())
	require.Equal(t, 1, u.registry.Counts().Buffers)
	require.Equal(t, 1, u.registry.Counts().Pending)

	require.NoError(t, u.registry.DestroyImage(image))
	u.dispose(t)
}

func TestFailedSubmitLeavesFenceUnsignaled(t *testing.T) {
	u := readyUploader(t, true)

	pool, err := u.device.CreateCommandPool(0)
	require.NoError(t, err)
	commandBuffer, err := pool.AllocateCommandBuffer()
	require.NoError(t, err)

	rawFence, err := u.device.CreateFence(false)
	require.NoError(t, err)
	fence := epoch.NewFence(rawFence, false)

	_, err = u.uploader.Submit(graphicsQueue, []device.CommandBuffer{commandBuffer}, fence)
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	state, _ := fence.State()
	require.Equal(t, epoch.FenceUnsignaled, state)
	require.NoError(t, fence.Reset())

	next, err := u.ledger.Next(graphicsQueue)
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)
	require.Equal(t, 0, u.device.Pending(0, 0))

	e, err := u.uploader.Submit(graphicsQueue, nil, fence)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e)

	u.device.CompleteAll()
	commandBuffer.Free()
	pool.Destroy()
	rawFence.Destroy()
	u.dispose(t)
}

func TestRetireRecyclesWhenFenceCannotBeSignaled(t *testing.T) {
	u := readyUploader(t, true)

	buffer := createBuffer(t, u.registry, 64)
	require.NoError(t, u.uploader.UploadBuffer(buffer, 0, pattern(64), nil, BufferState{
		Queue:  graphicsQueue,
		Stage:  device.PipelineStageVertexInput,
		Access: device.AccessVertexAttributeRead,
	}))
	require.NoError(t, u.uploader.Flush(0))

	family := u.uploader.families[0]
	require.Len(t, family.pending, 1)
	fence := family.pending[0].fence
	_, err := fence.MarkSignaled()
	require.NoError(t, err)
	require.NoError(t, fence.Reset())

	u.device.CompleteAll()
	_, err = u.uploader.Cleanup(0)
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	require.Empty(t, family.pending)
	require.Equal(t, 0, u.uploader.StagingCount())
	require.Len(t, family.freeCommandBuffers, 1)
	require.Len(t, family.freeFences, 1)

	require.NoError(t, u.registry.DestroyBuffer(buffer))
	u.cleanupRegistry()
	u.dispose(t)
}

func TestUploadLeavesNoUsesWhenRecordingCannotStart(t *testing.T) {
	u := readyUploader(t, true)

	pool, err := u.device.CreateCommandPool(0)
	require.NoError(t, err)
	recording, err := pool.AllocateCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, recording.Begin())

	family := u.uploader.families[0]
	family.freeCommandBuffers = append(family.freeCommandBuffers, recording)

	buffer := createBuffer(t, u.registry, 64)
	err = u.uploader.UploadBuffer(buffer, 0, pattern(64), nil, BufferState{
		Queue:  graphicsQueue,
		Stage:  device.PipelineStageVertexInput,
		Access: device.AccessVertexAttributeRead,
	})
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	_, used := buffer.LastUse(graphicsQueue)
	require.False(t, used)
	require.Equal(t, 0, u.uploader.StagingCount())
	require.Equal(t, 1, u.registry.Counts().Buffers)
	require.Equal(t, 0, u.registry.Counts().Pending)

	require.Equal(t, []device.CommandBuffer{recording}, family.freeCommandBuffers)
	family.freeCommandBuffers = nil
	require.NoError(t, recording.End())
	recording.Free()
	pool.Destroy()

	require.NoError(t, u.registry.DestroyBuffer(buffer))
	u.dispose(t)
}
