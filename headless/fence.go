package headless

import (
	"github.com/vkngwrapper/arsenal/factory/device"
)

// Fence is signaled when the submission it was attached to has executed
type Fence struct {
	device    *Device
	signaled  bool
	submitted bool
	destroyed bool
}

var _ device.Fence = &Fence{}

func (f *Fence) Status() (bool, error) {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.device.lost {
		return false, f.device.lostError()
	}
	return f.signaled, nil
}

// signal marks the fence signaled and wakes waiters. The device mutex must be held.
func (f *Fence) signal() {
	f.signaled = true
	f.submitted = false
	f.device.broadcast()
}

// Signal signals the fence from the host without any submission
func (f *Fence) Signal() {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	f.signal()
}

func (f *Fence) Destroy() {
	f.device.mutex.Lock()
	defer f.device.mutex.Unlock()

	if f.destroyed {
		f.device.recordValidationError(device.InvalidUsagef("fence destroyed twice"))
		return
	}
	if f.submitted {
		f.device.recordValidationError(device.InvalidUsagef("fence destroyed while its submission is pending"))
	}
	f.destroyed = true
	f.device.counts.Fences--
}
