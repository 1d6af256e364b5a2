package vulkan

import (
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type Fence struct {
	device *Device
	fence  core1_0.Fence
}

var _ device.Fence = &Fence{}

func (f *Fence) Status() (bool, error) {
	res, err := f.fence.Status()
	if err != nil {
		return false, resultError(res, err, "failed to query fence status")
	}

	return res == core1_0.VKSuccess, nil
}

func (f *Fence) Destroy() {
	f.fence.Destroy(f.device.callbacks)
}

type Queue struct {
	device *Device
	queue  core1_0.Queue
	family int
	index  int
}

var _ device.Queue = &Queue{}

func (q *Queue) Family() int {
	return q.family
}

func (q *Queue) Index() int {
	return q.index
}

func (q *Queue) Submit(commandBuffers []device.CommandBuffer, fence device.Fence) error {
	raw := make([]core1_0.CommandBuffer, 0, len(commandBuffers))
	for _, commandBuffer := range commandBuffers {
		vkCommandBuffer, ok := commandBuffer.(*CommandBuffer)
		if !ok || vkCommandBuffer.device != q.device {
			return device.InvalidUsagef("command buffer %T was not allocated from this device", commandBuffer)
		}
		raw = append(raw, vkCommandBuffer.commandBuffer)
	}

	var vkFence core1_0.Fence
	if fence != nil {
		fences, err := q.device.rawFences([]device.Fence{fence})
		if err != nil {
			return err
		}
		vkFence = fences[0]
	}

	res, err := q.queue.Submit(vkFence, []core1_0.SubmitInfo{
		{CommandBuffers: raw},
	})
	return resultError(res, err, "failed to submit %d command buffers to queue %d:%d", len(raw), q.family, q.index)
}
