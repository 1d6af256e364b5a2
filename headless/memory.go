package headless

import (
	"github.com/vkngwrapper/arsenal/factory/device"
)

// Memory is a device memory allocation backed by a byte slice
type Memory struct {
	device          *Device
	memoryTypeIndex int
	flags           device.MemoryPropertyFlags
	data            []byte
	mapped          bool
	freed           bool
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int {
	return len(m.data)
}

func (m *Memory) MemoryTypeIndex() int {
	return m.memoryTypeIndex
}

func (m *Memory) Map() ([]byte, error) {
	if m.flags&device.MemoryPropertyHostVisible == 0 {
		return nil, device.InvalidUsagef("memory type %d is not host visible", m.memoryTypeIndex)
	}

	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		return nil, device.InvalidUsagef("attempted to map freed memory")
	}
	if m.mapped {
		return nil, device.InvalidUsagef("memory is already mapped")
	}

	m.mapped = true
	return m.data, nil
}

func (m *Memory) Unmap() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	m.mapped = false
}

func (m *Memory) checkRange(offset, size int) error {
	if size == device.WholeSize {
		size = len(m.data) - offset
	}
	if offset < 0 || size < 0 || offset+size > len(m.data) {
		return device.InvalidUsagef("memory range %d+%d is outside of memory of size %d", offset, size, len(m.data))
	}
	if m.flags&device.MemoryPropertyHostCoherent != 0 {
		return nil
	}

	atomSize := m.device.props.Limits.NonCoherentAtomSize
	if atomSize <= 1 {
		return nil
	}
	if offset%atomSize != 0 {
		return device.InvalidUsagef("memory range offset %d is not a multiple of the non-coherent atom size %d", offset, atomSize)
	}
	if size%atomSize != 0 && offset+size != len(m.data) {
		return device.InvalidUsagef("memory range size %d is not a multiple of the non-coherent atom size %d", size, atomSize)
	}
	return nil
}

func (m *Memory) Flush(offset, size int) error {
	return m.checkRange(offset, size)
}

func (m *Memory) Invalidate(offset, size int) error {
	return m.checkRange(offset, size)
}

func (m *Memory) Free() {
	m.device.mutex.Lock()
	defer m.device.mutex.Unlock()

	if m.freed {
		m.device.recordValidationError(device.InvalidUsagef("memory freed twice"))
		return
	}

	m.freed = true
	m.mapped = false
	m.device.counts.Memory--
}
