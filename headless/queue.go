package headless

import (
	"context"

	"github.com/vkngwrapper/arsenal/factory/device"
	"golang.org/x/exp/slog"
)

type submission struct {
	commandBuffers []*CommandBuffer
	fence          *Fence
}

// Queue executes submitted command buffers on the host. With Options.DeferExecution, submissions
// wait until Device.Complete or Device.CompleteAll is called.
type Queue struct {
	device  *Device
	family  int
	index   int
	pending []submission
}

var _ device.Queue = &Queue{}

func (q *Queue) Family() int {
	return q.family
}

func (q *Queue) Index() int {
	return q.index
}

func (q *Queue) Submit(commandBuffers []device.CommandBuffer, fence device.Fence) error {
	sub := submission{
		commandBuffers: make([]*CommandBuffer, 0, len(commandBuffers)),
	}

	for i, commandBuffer := range commandBuffers {
		headlessBuffer, ok := commandBuffer.(*CommandBuffer)
		if !ok || headlessBuffer == nil {
			return device.InvalidUsagef("command buffer %d is not a headless command buffer", i)
		}
		if headlessBuffer.pool.family != q.family {
			return device.InvalidUsagef("command buffer %d was allocated for queue family %d, but submitted to family %d",
				i, headlessBuffer.pool.family, q.family)
		}
		sub.commandBuffers = append(sub.commandBuffers, headlessBuffer)
	}

	if fence != nil {
		headlessFence, ok := fence.(*Fence)
		if !ok || headlessFence == nil {
			return device.InvalidUsagef("fence is not a headless fence")
		}
		sub.fence = headlessFence
	}

	q.device.mutex.Lock()
	defer q.device.mutex.Unlock()

	if q.device.lost {
		return q.device.lostError()
	}

	for i, commandBuffer := range sub.commandBuffers {
		if commandBuffer.state != commandBufferExecutable {
			return device.InvalidUsagef("command buffer %d is %s, not executable", i, commandBuffer.state)
		}
	}
	if sub.fence != nil {
		if sub.fence.signaled || sub.fence.submitted {
			return device.InvalidUsagef("fence submitted while already signaled or in use")
		}
		sub.fence.submitted = true
	}

	for _, commandBuffer := range sub.commandBuffers {
		commandBuffer.state = commandBufferPending
	}
	q.pending = append(q.pending, sub)

	if !q.device.deferExecution {
		for q.completeNext() {
		}
	}
	return nil
}

// completeNext executes the oldest pending submission. The device mutex must be held.
func (q *Queue) completeNext() bool {
	if len(q.pending) == 0 || q.device.lost {
		return false
	}

	sub := q.pending[0]
	q.pending[0] = submission{}
	q.pending = q.pending[1:]

	for _, commandBuffer := range sub.commandBuffers {
		for _, command := range commandBuffer.commands {
			command.execute(q)
		}
		commandBuffer.state = commandBufferExecutable
	}

	if sub.fence != nil {
		sub.fence.signal()
	}

	q.device.logger.LogAttrs(context.Background(), slog.LevelDebug, "headless queue executed submission",
		slog.Int("family", q.family),
		slog.Int("index", q.index),
		slog.Int("commandBuffers", len(sub.commandBuffers)))
	return true
}
