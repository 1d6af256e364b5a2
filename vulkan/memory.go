package vulkan

import (
	"unsafe"

	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type Memory struct {
	device          *Device
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	size            int
	coherent        bool
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int {
	return m.size
}

func (m *Memory) MemoryTypeIndex() int {
	return m.memoryTypeIndex
}

func (m *Memory) Map() ([]byte, error) {
	ptr, res, err := m.memory.Map(0, device.WholeSize, core1_0.MemoryMapFlags(0))
	if err != nil {
		return nil, resultError(res, err, "failed to map memory of type %d", m.memoryTypeIndex)
	}

	return unsafe.Slice((*byte)(ptr), m.size), nil
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) mappedRange(offset, size int) []core1_0.MappedMemoryRange {
	return []core1_0.MappedMemoryRange{
		{
			Memory: m.memory,
			Offset: offset,
			Size:   size,
		},
	}
}

func (m *Memory) Flush(offset, size int) error {
	if m.coherent {
		return nil
	}

	res, err := m.device.device.FlushMappedMemoryRanges(m.mappedRange(offset, size))
	return resultError(res, err, "failed to flush memory range %d+%d", offset, size)
}

func (m *Memory) Invalidate(offset, size int) error {
	if m.coherent {
		return nil
	}

	res, err := m.device.device.InvalidateMappedMemoryRanges(m.mappedRange(offset, size))
	return resultError(res, err, "failed to invalidate memory range %d+%d", offset, size)
}

func (m *Memory) Free() {
	m.memory.Free(m.device.callbacks)
}
