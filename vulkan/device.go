// Package vulkan implements device.Device on top of a Vulkan device opened with
// github.com/vkngwrapper/core. The caller owns instance and device creation; this package only
// issues the calls the factory needs and translates Vulkan results into the device error kinds.
package vulkan

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"
)

type Device struct {
	logger     *slog.Logger
	callbacks  *driver.AllocationCallbacks
	device     core1_0.Device
	properties *device.Properties
	extensions *ExtensionData

	queueLock sync.Mutex
	queues    map[[2]int]*Queue
}

var _ device.Device = &Device{}

// New wraps a Vulkan device. The physical device is queried once for its memory properties and
// limits.
func New(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, vkDevice core1_0.Device, options Options) (*Device, error) {
	if instance == nil {
		return nil, errors.New("attempted to create a device with a nil instance")
	}
	if physicalDevice == nil {
		return nil, errors.New("attempted to create a device with a nil physical device")
	}
	if vkDevice == nil {
		return nil, errors.New("attempted to create a device with a nil device")
	}
	if len(options.QueueFamilies) == 0 {
		return nil, errors.New("the device must be opened with at least one queue family")
	}

	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to retrieve physical device properties")
	}

	props, err := convertProperties(deviceProperties, physicalDevice.MemoryProperties(), options.QueueFamilies)
	if err != nil {
		return nil, err
	}

	d := &Device{
		logger:     logger,
		callbacks:  options.AllocationCallbacks,
		device:     vkDevice,
		properties: props,
		extensions: NewExtensionData(vkDevice, physicalDevice, instance),
		queues:     make(map[[2]int]*Queue),
	}

	logger.Debug("vulkan.New",
		slog.String("DeviceName", props.DeviceName),
		slog.Bool("DedicatedAllocations", d.extensions.DedicatedAllocations),
		slog.Bool("MemoryBudget", d.extensions.UseMemoryBudget),
		slog.Bool("MemoryPriority", d.extensions.UseMemoryPriority),
	)

	return d, nil
}

func convertProperties(deviceProperties *core1_0.PhysicalDeviceProperties, memoryProperties *core1_0.PhysicalDeviceMemoryProperties, families []device.QueueFamily) (*device.Properties, error) {
	if deviceProperties == nil || deviceProperties.Limits == nil {
		return nil, errors.New("the physical device did not report its limits")
	}
	if memoryProperties == nil {
		return nil, errors.New("the physical device did not report its memory properties")
	}

	props := &device.Properties{
		DeviceName: deviceProperties.DriverName,
		Limits: device.Limits{
			BufferImageGranularity:           int(deviceProperties.Limits.BufferImageGranularity),
			NonCoherentAtomSize:              int(deviceProperties.Limits.NonCoherentAtomSize),
			MaxMemoryAllocationCount:         int(deviceProperties.Limits.MaxMemoryAllocationCount),
			OptimalBufferCopyOffsetAlignment: int(deviceProperties.Limits.OptimalBufferCopyOffsetAlignment),
		},
		QueueFamilies: append([]device.QueueFamily(nil), families...),
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		props.Memory.MemoryTypes = append(props.Memory.MemoryTypes, device.MemoryType{
			PropertyFlags: device.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     int(memoryType.HeapIndex),
		})
	}

	for _, memoryHeap := range memoryProperties.MemoryHeaps {
		props.Memory.MemoryHeaps = append(props.Memory.MemoryHeaps, device.MemoryHeap{
			Size:  int(memoryHeap.Size),
			Flags: device.MemoryHeapFlags(memoryHeap.Flags),
		})
	}

	seen := make(map[int]struct{})
	for _, family := range families {
		if family.QueueCount < 1 {
			return nil, errors.Newf("queue family %d was opened with no queues", family.Index)
		}
		if _, duplicate := seen[family.Index]; duplicate {
			return nil, errors.Newf("queue family %d was listed more than once", family.Index)
		}
		seen[family.Index] = struct{}{}
	}

	return props, nil
}

func (d *Device) Properties() *device.Properties {
	return d.properties
}

// Extensions reports the optional memory capabilities detected when the device was wrapped
func (d *Device) Extensions() *ExtensionData {
	return d.extensions
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.properties.Memory.MemoryTypes) {
		return nil, device.InvalidUsagef("memory type %d does not exist", memoryTypeIndex)
	}

	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to allocate %d bytes of memory type %d", size, memoryTypeIndex)
	}

	flags := d.properties.Memory.MemoryTypes[memoryTypeIndex].PropertyFlags
	return &Memory{
		device:          d,
		memory:          memory,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		coherent:        flags&device.MemoryPropertyHostCoherent != 0,
	}, nil
}

func (d *Device) CreateFence(signaled bool) (device.Fence, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.device.CreateFence(d.callbacks, core1_0.FenceCreateInfo{
		Flags: flags,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create fence")
	}

	return &Fence{device: d, fence: fence}, nil
}

func (d *Device) rawFences(fences []device.Fence) ([]core1_0.Fence, error) {
	raw := make([]core1_0.Fence, 0, len(fences))
	for _, fence := range fences {
		vkFence, ok := fence.(*Fence)
		if !ok {
			return nil, device.InvalidUsagef("fence %T was not created by this device", fence)
		}
		raw = append(raw, vkFence.fence)
	}
	return raw, nil
}

func (d *Device) WaitForFences(fences []device.Fence, waitAll bool, timeout time.Duration) (bool, error) {
	raw, err := d.rawFences(fences)
	if err != nil {
		return false, err
	}

	res, err := d.device.WaitForFences(waitAll, timeout, raw)
	if err != nil {
		return false, resultError(res, err, "failed to wait for %d fences", len(raw))
	}

	return res != core1_0.VKTimeout, nil
}

func (d *Device) ResetFences(fences []device.Fence) error {
	raw, err := d.rawFences(fences)
	if err != nil {
		return err
	}

	res, err := d.device.ResetFences(raw)
	return resultError(res, err, "failed to reset %d fences", len(raw))
}

func (d *Device) CreateCommandPool(queueFamily int) (device.CommandPool, error) {
	if _, ok := d.properties.QueueFamily(queueFamily); !ok {
		return nil, device.InvalidUsagef("queue family %d was not opened on this device", queueFamily)
	}

	pool, res, err := d.device.CreateCommandPool(d.callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer | core1_0.CommandPoolCreateTransient,
		QueueFamilyIndex: queueFamily,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create command pool for queue family %d", queueFamily)
	}

	return &CommandPool{device: d, pool: pool}, nil
}

func (d *Device) Queue(queueFamily, queueIndex int) device.Queue {
	family, ok := d.properties.QueueFamily(queueFamily)
	if !ok || queueIndex < 0 || queueIndex >= family.QueueCount {
		return nil
	}

	d.queueLock.Lock()
	defer d.queueLock.Unlock()

	key := [2]int{queueFamily, queueIndex}
	queue, ok := d.queues[key]
	if !ok {
		queue = &Queue{
			device: d,
			queue:  d.device.GetQueue(queueFamily, queueIndex),
			family: queueFamily,
			index:  queueIndex,
		}
		d.queues[key] = queue
	}

	return queue
}

func (d *Device) WaitIdle() error {
	res, err := d.device.WaitIdle()
	return resultError(res, err, "failed to wait for the device to go idle")
}

func (d *Device) Destroy() {
	d.device.Destroy(d.callbacks)
}
