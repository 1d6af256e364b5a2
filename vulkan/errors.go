package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// resultError marks err with the device error kind that corresponds to res and wraps it with the
// provided message. It returns nil if err is nil.
func resultError(res common.VkResult, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}

	switch res {
	case core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorTooManyObjects:
		err = errors.Mark(err, device.ErrOutOfMemory)
	case core1_0.VKErrorDeviceLost:
		err = errors.Mark(err, device.ErrDeviceLost)
	case core1_0.VKErrorFeatureNotPresent, core1_0.VKErrorFormatNotSupported:
		err = errors.Mark(err, device.ErrFeatureNotPresent)
	}

	return errors.Wrapf(err, format, args...)
}
