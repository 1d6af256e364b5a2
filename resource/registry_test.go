package resource

import (
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/headless"
	"github.com/vkngwrapper/arsenal/factory/heap"
	"golang.org/x/exp/slog"
)

var (
	queueA = epoch.QueueID{Family: 0, Index: 0}
	queueB = epoch.QueueID{Family: 1, Index: 0}
)

func readyRegistry(t *testing.T) (*headless.Device, *heap.Allocator, *Registry) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	dev, err := headless.New(logger, headless.Options{})
	require.NoError(t, err)

	allocator, err := heap.New(logger, dev, dev.Properties(), heap.CreateOptions{})
	require.NoError(t, err)

	return dev, allocator, NewRegistry(logger, dev, allocator)
}

func createBuffer(t *testing.T, registry *Registry, size int) *Buffer {
	buffer, err := registry.CreateBuffer(BufferCreateInfo{
		Size:        size,
		Usage:       device.BufferUsageVertex | device.BufferUsageTransferDst,
		MemoryUsage: heap.UsageData,
	})
	require.NoError(t, err)
	return buffer
}

func createImage(t *testing.T, registry *Registry) *Image {
	image, err := registry.CreateImage(ImageCreateInfo{
		Info: device.ImageInfo{
			Type:        device.ImageType2D,
			Format:      device.FormatR8G8B8A8Unorm,
			Extent:      device.Extent3D{Width: 64, Height: 64, Depth: 1},
			MipLevels:   1,
			ArrayLayers: 1,
			Usage:       device.ImageUsageSampled | device.ImageUsageTransferDst,
		},
		MemoryUsage: heap.UsageData,
	})
	require.NoError(t, err)
	return image
}

func allocatedBytes(allocator *heap.Allocator) int {
	total := 0
	for _, memoryHeap := range allocator.Heaps() {
		total += memoryHeap.Allocated
	}
	return total
}

func TestUnusedResourceIsFreedImmediately(t *testing.T) {
	_, allocator, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 1024)
	require.Equal(t, StateLive, buffer.State())
	require.Equal(t, 1, registry.LiveCount())
	require.GreaterOrEqual(t, allocatedBytes(allocator), 1024)

	require.NoError(t, registry.DestroyBuffer(buffer))
	require.Equal(t, StateFreed, buffer.State())
	require.Equal(t, Counts{}, registry.Counts())
	require.Zero(t, allocatedBytes(allocator))

	_, found := registry.Lookup(buffer.ID())
	require.False(t, found)
}

func TestBufferIsFreedOnceItsEpochCompletes(t *testing.T) {
	_, allocator, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 1024)
	require.NoError(t, registry.RecordUse(buffer, queueA, 5))
	require.NoError(t, registry.DestroyBuffer(buffer))
	require.Equal(t, StateDestroyed, buffer.State())
	require.Equal(t, 1, registry.PendingCount())

	next := epoch.Epochs{queueA: 6}
	before := allocatedBytes(allocator)

	require.Zero(t, registry.Cleanup(next, epoch.Epochs{queueA: 4}))
	require.Equal(t, StateDestroyed, buffer.State())
	require.Equal(t, before, allocatedBytes(allocator))

	require.Equal(t, 1, registry.Cleanup(next, epoch.Epochs{queueA: 5}))
	require.Equal(t, StateFreed, buffer.State())
	require.GreaterOrEqual(t, before-allocatedBytes(allocator), 1024)

	require.Zero(t, registry.Cleanup(next, epoch.Epochs{queueA: 5}))
	require.Zero(t, registry.PendingCount())
}

func TestCrossQueueHoldout(t *testing.T) {
	_, _, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 256)
	require.NoError(t, registry.RecordUse(buffer, queueA, 3))
	require.NoError(t, registry.RecordUse(buffer, queueB, 7))
	require.NoError(t, registry.Destroy(buffer))

	next := epoch.Epochs{queueA: 10, queueB: 10}
	require.Zero(t, registry.Cleanup(next, epoch.Epochs{queueA: 9, queueB: 6}))
	require.Equal(t, StateDestroyed, buffer.State())

	require.Equal(t, 1, registry.Cleanup(next, epoch.Epochs{queueA: 3, queueB: 7}))
	require.Equal(t, StateFreed, buffer.State())
}

func TestUnsubmittedUseHoldsResource(t *testing.T) {
	_, _, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 256)
	require.NoError(t, registry.RecordUse(buffer, queueA, 4))
	require.NoError(t, registry.Destroy(buffer))

	require.Zero(t, registry.Cleanup(epoch.Epochs{queueA: 4}, epoch.Epochs{queueA: 4}))
	require.Zero(t, registry.Cleanup(epoch.Epochs{}, epoch.Epochs{queueA: 4}))
	require.Equal(t, 1, registry.Cleanup(epoch.Epochs{queueA: 5}, epoch.Epochs{queueA: 4}))
}

func TestRecordUseKeepsLatestEpochPerQueue(t *testing.T) {
	_, _, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 256)
	require.NoError(t, registry.RecordUse(buffer, queueA, 5))
	require.NoError(t, registry.RecordUse(buffer, queueA, 3))
	require.NoError(t, registry.RecordUse(buffer, queueB, 1))

	last, ok := buffer.LastUse(queueA)
	require.True(t, ok)
	require.Equal(t, uint64(5), last)

	last, ok = buffer.LastUse(queueB)
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	_, ok = buffer.LastUse(epoch.QueueID{Family: 0, Index: 1})
	require.False(t, ok)
	require.Len(t, buffer.Uses(), 2)
}

func TestInvalidLifecycleTransitions(t *testing.T) {
	_, _, registry := readyRegistry(t)

	buffer := createBuffer(t, registry, 256)
	require.NoError(t, registry.RecordUse(buffer, queueA, 1))
	require.NoError(t, registry.Destroy(buffer))

	require.True(t, errors.Is(registry.Destroy(buffer), device.ErrInvalidUsage))
	require.True(t, errors.Is(registry.RecordUse(buffer, queueA, 2), device.ErrInvalidUsage))
	require.True(t, errors.Is(registry.Destroy(nil), device.ErrInvalidUsage))
	require.True(t, errors.Is(registry.DestroyBuffer(nil), device.ErrInvalidUsage))
	require.True(t, errors.Is(buffer.Write(0, []byte{1}), device.ErrInvalidUsage))

	_, err := registry.CreateBuffer(BufferCreateInfo{Size: 0})
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	_, err = registry.CreateBuffer(BufferCreateInfo{Size: 16, Alignment: 24})
	require.True(t, errors.Is(err, device.ErrInvalidUsage))
}

func TestBufferAlignment(t *testing.T) {
	_, _, registry := readyRegistry(t)

	first := createBuffer(t, registry, 100)
	buffer, err := registry.CreateBuffer(BufferCreateInfo{
		Size:        100,
		Alignment:   4096,
		MemoryUsage: heap.UsageData,
	})
	require.NoError(t, err)
	require.Zero(t, buffer.Allocation().Offset()%4096)

	require.NoError(t, registry.Destroy(first))
	require.NoError(t, registry.Destroy(buffer))
}

func TestWriteHostVisibleBuffer(t *testing.T) {
	dev, _, registry := readyRegistry(t)

	buffer, err := registry.CreateBuffer(BufferCreateInfo{
		Size:        64,
		Usage:       device.BufferUsageUniform,
		MemoryUsage: heap.UsageDynamic,
	})
	require.NoError(t, err)
	require.Len(t, buffer.Mapped(), 64)

	require.NoError(t, buffer.Write(8, []byte{1, 2, 3, 4}))
	require.True(t, errors.Is(buffer.Write(62, []byte{1, 2, 3, 4}), device.ErrInvalidUsage))

	contents, err := dev.ReadBuffer(buffer.Raw())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, contents[8:12])

	deviceOnly := createBuffer(t, registry, 64)
	require.Nil(t, deviceOnly.Mapped())
	require.True(t, errors.Is(deviceOnly.Write(0, []byte{1}), device.ErrInvalidUsage))
}

func TestImageViewKeepsImageAlive(t *testing.T) {
	dev, _, registry := readyRegistry(t)

	image := createImage(t, registry)
	view, err := registry.CreateImageView(image, device.ImageViewInfo{
		ViewType: device.ImageViewType2D,
		Format:   device.FormatR8G8B8A8Unorm,
		SubresourceRange: device.ImageSubresourceRange{
			AspectMask: device.ImageAspectColor,
			LevelCount: 1,
			LayerCount: 1,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, image.Views())

	require.NoError(t, registry.RecordUse(view, queueA, 2))
	last, ok := image.LastUse(queueA)
	require.True(t, ok)
	require.Equal(t, uint64(2), last)

	next := epoch.Epochs{queueA: 3}
	completed := epoch.Epochs{queueA: 2}

	require.NoError(t, registry.DestroyImage(image))
	require.Zero(t, registry.Cleanup(next, completed))
	require.Equal(t, StateDestroyed, image.State())

	_, err = registry.CreateImageView(image, device.ImageViewInfo{})
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	require.NoError(t, registry.DestroyImageView(view))
	require.Equal(t, 2, registry.Cleanup(next, completed))
	require.Equal(t, StateFreed, view.State())
	require.Equal(t, StateFreed, image.State())
	require.Equal(t, Counts{}, registry.Counts())
	require.Empty(t, dev.ValidationErrors())
}

func TestUnusedImageWaitsForItsViews(t *testing.T) {
	_, _, registry := readyRegistry(t)

	image := createImage(t, registry)
	view, err := registry.CreateImageView(image, device.ImageViewInfo{
		ViewType: device.ImageViewType2D,
		Format:   device.FormatR8G8B8A8Unorm,
	})
	require.NoError(t, err)

	require.NoError(t, registry.DestroyImage(image))
	require.Equal(t, StateDestroyed, image.State())

	require.NoError(t, registry.DestroyImageView(view))
	require.Equal(t, StateFreed, view.State())
	require.Zero(t, image.Views())

	require.Equal(t, 1, registry.Cleanup(epoch.Epochs{}, epoch.Epochs{}))
	require.Equal(t, StateFreed, image.State())
}

func TestSamplerLifecycle(t *testing.T) {
	dev, _, registry := readyRegistry(t)

	sampler, err := registry.CreateSampler(device.SamplerInfo{MagFilter: device.FilterLinear, MinFilter: device.FilterLinear})
	require.NoError(t, err)
	require.Equal(t, KindSampler, sampler.Kind())
	require.Equal(t, 1, dev.Objects().Samplers)

	require.NoError(t, registry.RecordUse(sampler, queueB, 1))
	require.NoError(t, registry.DestroySampler(sampler))
	require.Equal(t, 1, dev.Objects().Samplers)

	require.Equal(t, 1, registry.Cleanup(epoch.Epochs{queueB: 2}, epoch.Epochs{queueB: 1}))
	require.Zero(t, dev.Objects().Samplers)
}

func TestDisposeFreesEverything(t *testing.T) {
	dev, allocator, registry := readyRegistry(t)

	createBuffer(t, registry, 1024)
	image := createImage(t, registry)
	_, err := registry.CreateImageView(image, device.ImageViewInfo{ViewType: device.ImageViewType2D})
	require.NoError(t, err)

	pending := createBuffer(t, registry, 512)
	require.NoError(t, registry.RecordUse(pending, queueA, 9))
	require.NoError(t, registry.Destroy(pending))

	require.NoError(t, registry.Dispose())
	require.Equal(t, Counts{}, registry.Counts())
	require.Equal(t, headless.ObjectCounts{Memory: dev.Objects().Memory}, dev.Objects())
	require.Empty(t, dev.ValidationErrors())
	require.NoError(t, allocator.Destroy())
	require.Zero(t, dev.Objects().Memory)
}

// Random use and completion patterns must never free a resource whose uses are outstanding, and
// must free every resource once all of its uses complete
func TestCleanupNeverFreesEarly(t *testing.T) {
	_, _, registry := readyRegistry(t)
	random := rand.New(rand.NewSource(7))
	queues := []epoch.QueueID{queueA, queueB, {Family: 0, Index: 1}}

	next := epoch.Epochs{}
	for _, queue := range queues {
		next[queue] = 21
	}

	var buffers []*Buffer
	for i := 0; i < 64; i++ {
		buffer := createBuffer(t, registry, 64)
		for _, queue := range queues {
			if random.Intn(2) == 0 {
				require.NoError(t, registry.RecordUse(buffer, queue, uint64(1+random.Intn(20))))
			}
		}
		require.NoError(t, registry.Destroy(buffer))
		buffers = append(buffers, buffer)
	}

	completed := epoch.Epochs{}
	for step := 0; step <= 20; step++ {
		for _, queue := range queues {
			if completed[queue] < 20 && random.Intn(3) > 0 {
				completed[queue]++
			}
		}
		registry.Cleanup(next, completed)

		for _, buffer := range buffers {
			done := true
			for _, use := range buffer.Uses() {
				if use.Epoch > completed[use.Queue] {
					done = false
				}
			}

			if done {
				require.Equal(t, StateFreed, buffer.State())
			} else {
				require.Equal(t, StateDestroyed, buffer.State())
			}
		}
	}

	for _, queue := range queues {
		completed[queue] = 20
	}
	registry.Cleanup(next, completed)
	require.Zero(t, registry.PendingCount())
}

func TestCreateDuringCleanup(t *testing.T) {
	_, _, registry := readyRegistry(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				buffer, err := registry.CreateBuffer(BufferCreateInfo{Size: 128, MemoryUsage: heap.UsageData})
				if err != nil {
					errs <- err
					return
				}
				if err = registry.RecordUse(buffer, queueA, uint64(i+1)); err != nil {
					errs <- err
					return
				}
				if err = registry.Destroy(buffer); err != nil {
					errs <- err
					return
				}
			}
		}(worker)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			registry.Cleanup(epoch.Epochs{queueA: 101}, epoch.Epochs{queueA: uint64(i)})
		}
	}()

	wg.Wait()
	<-done
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	registry.Cleanup(epoch.Epochs{queueA: 101}, epoch.Epochs{queueA: 100})
	require.Equal(t, Counts{}, registry.Counts())
}
