package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
)

// ExtensionData records which optional memory capabilities are active on the device
type ExtensionData struct {
	DedicatedAllocations bool
	MemoryRequirements2  bool
	Properties2          bool
	UseMemoryBudget      bool
	UseMemoryPriority    bool
}

func NewExtensionData(device core1_0.Device, physicalDevice core1_0.PhysicalDevice, instance core1_0.Instance) *ExtensionData {
	data := &ExtensionData{}

	// Core 1.1 promotes khr_get_memory_requirements2 and khr_dedicated_allocation
	if core1_1.PromoteDevice(device) != nil {
		data.DedicatedAllocations = true
		data.MemoryRequirements2 = true
	}

	if core1_1.PromoteInstanceScopedPhysicalDevice(physicalDevice) != nil {
		data.Properties2 = true
	}

	if !data.MemoryRequirements2 && device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) {
		data.MemoryRequirements2 = true
	}

	// khr_dedicated_allocation depends on khr_get_memory_requirements2
	if data.MemoryRequirements2 && !data.DedicatedAllocations &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	if !data.Properties2 && instance.IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName) {
		data.Properties2 = true
	}

	if data.Properties2 && device.IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		data.UseMemoryBudget = true
	}

	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
