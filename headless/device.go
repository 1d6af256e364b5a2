// Package headless implements device.Device entirely in host memory. Device memory is a Go byte
// slice, queues execute recorded copies on the host and fences are signaled when the work they
// were submitted with has executed. It is used to run the factory without a GPU.
package headless

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"golang.org/x/exp/slog"
)

// ObjectCounts reports the number of live objects of each kind
type ObjectCounts struct {
	Memory         int
	Buffers        int
	Images         int
	ImageViews     int
	Samplers       int
	Fences         int
	CommandPools   int
	CommandBuffers int
}

// Device is an emulated device
type Device struct {
	logger         *slog.Logger
	props          device.Properties
	deferExecution bool

	mutex            sync.Mutex
	changed          chan struct{}
	lost             bool
	counts           ObjectCounts
	queues           map[[2]int]*Queue
	validationErrors []error
}

var _ device.Device = &Device{}

// New creates a headless device
func New(logger *slog.Logger, options Options) (*Device, error) {
	props := options.properties()

	if len(props.Memory.MemoryTypes) == 0 || len(props.Memory.MemoryHeaps) == 0 {
		return nil, errors.New("a headless device needs at least one memory type and heap")
	}
	for typeIndex, memoryType := range props.Memory.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(props.Memory.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which does not exist", typeIndex, memoryType.HeapIndex)
		}
	}

	dev := &Device{
		logger:  logger,
		props:   props,
		deferExecution: options.DeferExecution,
		changed: make(chan struct{}),
		queues:  make(map[[2]int]*Queue),
	}

	for _, family := range props.QueueFamilies {
		for index := 0; index < family.QueueCount; index++ {
			dev.queues[[2]int{family.Index, index}] = &Queue{
				device: dev,
				family: family.Index,
				index:  index,
			}
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created headless device",
		slog.String("name", props.DeviceName),
		slog.Int("memoryTypes", len(props.Memory.MemoryTypes)),
		slog.Int("queueFamilies", len(props.QueueFamilies)))

	return dev, nil
}

func (d *Device) Properties() *device.Properties {
	return &d.props
}

// Objects returns the number of live objects of each kind
func (d *Device) Objects() ObjectCounts {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.counts
}

// ValidationErrors returns every misuse the device detected while executing work, such as copies
// into an image in the wrong layout or out of bounds
func (d *Device) ValidationErrors() []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]error(nil), d.validationErrors...)
}

func (d *Device) recordValidationError(err error) {
	d.logger.LogAttrs(context.Background(), slog.LevelError, "headless validation error", slog.Any("error", err))
	d.validationErrors = append(d.validationErrors, err)
}

// Lose simulates device loss. Every subsequent submission and wait fails with device.ErrDeviceLost.
func (d *Device) Lose() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.lost = true
	d.broadcast()
}

// broadcast wakes every waiter. The device mutex must be held.
func (d *Device) broadcast() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Device) lostError() error {
	return errors.Wrap(device.ErrDeviceLost, "headless device was lost")
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.props.Memory.MemoryTypes) {
		return nil, device.InvalidUsagef("memory type %d does not exist", memoryTypeIndex)
	}
	if size < 1 {
		return nil, device.InvalidUsagef("memory allocation size %d is not positive", size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return nil, d.lostError()
	}

	d.counts.Memory++
	return &Memory{
		device:          d,
		memoryTypeIndex: memoryTypeIndex,
		flags:           d.props.Memory.MemoryTypes[memoryTypeIndex].PropertyFlags,
		data:            make([]byte, size),
	}, nil
}

func (d *Device) CreateBuffer(info device.BufferInfo) (device.Buffer, error) {
	if info.Size < 1 {
		return nil, device.InvalidUsagef("buffer size %d is not positive", info.Size)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.counts.Buffers++
	return &Buffer{device: d, info: info}, nil
}

func (d *Device) CreateImage(info device.ImageInfo) (device.Image, error) {
	desc, ok := info.Format.Desc()
	if !ok {
		return nil, device.InvalidUsagef("unsupported image format %d", info.Format)
	}
	if info.Extent.Width < 1 || info.Extent.Height < 1 || info.Extent.Depth < 1 {
		return nil, device.InvalidUsagef("image extent %+v is empty", info.Extent)
	}
	if info.MipLevels < 1 || info.ArrayLayers < 1 {
		return nil, device.InvalidUsagef("image must have at least one mip level and array layer")
	}

	image := &Image{
		device: d,
		info:   info,
		desc:   desc,
	}
	image.computeLayout()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.counts.Images++
	return image, nil
}

func (d *Device) CreateImageView(image device.Image, info device.ImageViewInfo) (device.ImageView, error) {
	img, ok := image.(*Image)
	if !ok || img == nil {
		return nil, device.InvalidUsagef("image view must be created from a headless image")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if img.destroyed {
		return nil, device.InvalidUsagef("image view created from a destroyed image")
	}

	d.counts.ImageViews++
	return &ImageView{device: d, image: img, info: info}, nil
}

func (d *Device) CreateSampler(info device.SamplerInfo) (device.Sampler, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.counts.Samplers++
	return &Sampler{device: d, info: info}, nil
}

func (d *Device) CreateFence(signaled bool) (device.Fence, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.counts.Fences++
	return &Fence{device: d, signaled: signaled}, nil
}

func (d *Device) fences(fences []device.Fence) ([]*Fence, error) {
	result := make([]*Fence, len(fences))
	for i, fence := range fences {
		headlessFence, ok := fence.(*Fence)
		if !ok || headlessFence == nil {
			return nil, device.InvalidUsagef("fence %d is not a headless fence", i)
		}
		result[i] = headlessFence
	}
	return result, nil
}

// WaitForFences blocks until the fences are signaled or the timeout elapses
func (d *Device) WaitForFences(fences []device.Fence, waitAll bool, timeout time.Duration) (bool, error) {
	headlessFences, err := d.fences(fences)
	if err != nil {
		return false, err
	}
	if len(headlessFences) == 0 {
		return true, nil
	}

	var expired <-chan time.Time
	if timeout > 0 && timeout < time.Duration(math.MaxInt64) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		d.mutex.Lock()
		if d.lost {
			d.mutex.Unlock()
			return false, d.lostError()
		}

		signaledCount := 0
		for _, fence := range headlessFences {
			if fence.signaled {
				signaledCount++
			}
		}
		changed := d.changed
		d.mutex.Unlock()

		if (waitAll && signaledCount == len(headlessFences)) || (!waitAll && signaledCount > 0) {
			return true, nil
		}

		if timeout <= 0 {
			return false, nil
		}

		select {
		case <-changed:
		case <-expired:
			return false, nil
		}
	}
}

func (d *Device) ResetFences(fences []device.Fence) error {
	headlessFences, err := d.fences(fences)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, fence := range headlessFences {
		if fence.submitted {
			return device.InvalidUsagef("a fence cannot be reset while the work it was submitted with is pending")
		}
		fence.signaled = false
	}
	return nil
}

func (d *Device) CreateCommandPool(queueFamily int) (device.CommandPool, error) {
	if _, ok := d.props.QueueFamily(queueFamily); !ok {
		return nil, device.InvalidUsagef("queue family %d does not exist", queueFamily)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.counts.CommandPools++
	return &CommandPool{device: d, family: queueFamily}, nil
}

func (d *Device) Queue(queueFamily, queueIndex int) device.Queue {
	queue, ok := d.queues[[2]int{queueFamily, queueIndex}]
	if !ok {
		return nil
	}
	return queue
}

// Complete executes the oldest pending submission of the queue and signals its fence. It returns
// false if the queue had nothing pending.
func (d *Device) Complete(queueFamily, queueIndex int) bool {
	queue, ok := d.queues[[2]int{queueFamily, queueIndex}]
	if !ok {
		return false
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	return queue.completeNext()
}

// CompleteAll executes every pending submission on every queue
func (d *Device) CompleteAll() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, queue := range d.queues {
		for queue.completeNext() {
		}
	}
}

// Pending returns the number of submissions waiting to execute on the queue
func (d *Device) Pending(queueFamily, queueIndex int) int {
	queue, ok := d.queues[[2]int{queueFamily, queueIndex}]
	if !ok {
		return 0
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(queue.pending)
}

func (d *Device) WaitIdle() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.lost {
		return d.lostError()
	}

	for _, queue := range d.queues {
		for queue.completeNext() {
		}
	}
	return nil
}

func (d *Device) Destroy() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.counts != (ObjectCounts{}) {
		d.logger.LogAttrs(context.Background(), slog.LevelError, "headless device destroyed with live objects",
			slog.Any("objects", d.counts))
	}
}
