package vulkan

import (
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/driver"
)

// Options configures a Device wrapping a core1_0.Device that the caller has already created
type Options struct {
	// AllocationCallbacks is passed to every create, allocate, free and destroy call
	AllocationCallbacks *driver.AllocationCallbacks
	// QueueFamilies lists the queue families, and the number of queues in each, that the device
	// was created with. At least one family is required.
	QueueFamilies []device.QueueFamily
}
