package upload

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"golang.org/x/exp/slog"
)

// nextUploads is the work recorded for one queue since its family was last flushed
type nextUploads struct {
	queue         epoch.QueueID
	commandBuffer device.CommandBuffer
	staging       []*resource.Buffer
	destinations  []resource.Resource
}

// pendingUploads is flushed work whose fence has not yet been observed signaled
type pendingUploads struct {
	queue         epoch.QueueID
	commandBuffer device.CommandBuffer
	fence         *epoch.Fence
	staging       []*resource.Buffer
}

type familyUploads struct {
	uploader *Uploader
	family   device.QueueFamily

	mutex   sync.Mutex
	pool    device.CommandPool
	next    []nextUploads
	pending []pendingUploads

	freeCommandBuffers []device.CommandBuffer
	freeFences         []device.Fence
}

func newFamilyUploads(uploader *Uploader, family device.QueueFamily) *familyUploads {
	uploads := &familyUploads{
		uploader: uploader,
		family:   family,
		next:     make([]nextUploads, family.QueueCount),
	}
	for index := range uploads.next {
		uploads.next[index].queue = epoch.QueueID{Family: family.Index, Index: index}
	}
	return uploads
}

func (f *familyUploads) commandBuffer(next *nextUploads) (device.CommandBuffer, error) {
	if next.commandBuffer != nil {
		return next.commandBuffer, nil
	}

	if f.pool == nil {
		pool, err := f.uploader.device.CreateCommandPool(f.family.Index)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create command pool for queue family %d", f.family.Index)
		}
		f.pool = pool
	}

	var commandBuffer device.CommandBuffer
	if len(f.freeCommandBuffers) > 0 {
		last := len(f.freeCommandBuffers) - 1
		commandBuffer = f.freeCommandBuffers[last]
		f.freeCommandBuffers = f.freeCommandBuffers[:last]
	} else {
		var err error
		commandBuffer, err = f.pool.AllocateCommandBuffer()
		if err != nil {
			return nil, errors.Wrap(err, "failed to allocate upload command buffer")
		}
	}

	err := commandBuffer.Begin()
	if err != nil {
		f.freeCommandBuffers = append(f.freeCommandBuffers, commandBuffer)
		return nil, errors.Wrap(err, "failed to begin upload command buffer")
	}

	next.commandBuffer = commandBuffer
	return commandBuffer, nil
}

// prepare tags the destination and staging buffer with the epoch the queue's next submission will
// carry, and returns a command buffer to record the upload into
func (f *familyUploads) prepare(queue epoch.QueueID, destination resource.Resource, staging *resource.Buffer) (*nextUploads, device.CommandBuffer, error) {
	next := &f.next[queue.Index]

	e, err := f.uploader.ledger.Next(queue)
	if err != nil {
		return nil, nil, err
	}

	commandBuffer, err := f.commandBuffer(next)
	if err != nil {
		return nil, nil, err
	}

	err = f.uploader.registry.RecordUse(destination, queue, e)
	if err != nil {
		return nil, nil, err
	}
	err = f.uploader.registry.RecordUse(staging, queue, e)
	if err != nil {
		return nil, nil, err
	}

	next.staging = append(next.staging, staging)
	next.destinations = append(next.destinations, destination)
	return next, commandBuffer, nil
}

func (f *familyUploads) recordBufferUpload(buffer *resource.Buffer, offset int, staging *resource.Buffer, last *BufferState, next BufferState) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	_, commandBuffer, err := f.prepare(next.Queue, buffer, staging)
	if err != nil {
		return err
	}

	size := staging.Size()
	if last != nil {
		commandBuffer.PipelineBarrier(last.Stage, device.PipelineStageTransfer, []device.BufferBarrier{
			{
				SrcAccessMask:  last.Access,
				DstAccessMask:  device.AccessTransferWrite,
				SrcQueueFamily: device.QueueFamilyIgnored,
				DstQueueFamily: device.QueueFamilyIgnored,
				Buffer:         buffer.Raw(),
				Offset:         offset,
				Size:           size,
			},
		}, nil)
	}

	commandBuffer.CopyBuffer(staging.Raw(), buffer.Raw(), []device.BufferCopy{
		{SrcOffset: 0, DstOffset: offset, Size: size},
	})

	commandBuffer.PipelineBarrier(device.PipelineStageTransfer, next.Stage, []device.BufferBarrier{
		{
			SrcAccessMask:  device.AccessTransferWrite,
			DstAccessMask:  next.Access,
			SrcQueueFamily: device.QueueFamilyIgnored,
			DstQueueFamily: device.QueueFamilyIgnored,
			Buffer:         buffer.Raw(),
			Offset:         offset,
			Size:           size,
		},
	}, nil)

	return nil
}

func (f *familyUploads) recordImageUpload(image *resource.Image, region ImageRegion, staging *resource.Buffer, last ImageStateOrLayout, next ImageState) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	_, commandBuffer, err := f.prepare(next.Queue, image, staging)
	if err != nil {
		return err
	}

	subresource := device.ImageSubresourceRange{
		AspectMask:     region.Layers.AspectMask,
		BaseMipLevel:   region.Layers.MipLevel,
		LevelCount:     1,
		BaseArrayLayer: region.Layers.BaseArrayLayer,
		LayerCount:     region.Layers.LayerCount,
	}

	lastStage, lastAccess := last.stageAndAccess()
	commandBuffer.PipelineBarrier(lastStage, device.PipelineStageTransfer, nil, []device.ImageBarrier{
		{
			SrcAccessMask:    lastAccess,
			DstAccessMask:    device.AccessTransferWrite,
			OldLayout:        last.Layout(),
			NewLayout:        device.ImageLayoutTransferDstOptimal,
			SrcQueueFamily:   device.QueueFamilyIgnored,
			DstQueueFamily:   device.QueueFamilyIgnored,
			Image:            image.Raw(),
			SubresourceRange: subresource,
		},
	})

	commandBuffer.CopyBufferToImage(staging.Raw(), image.Raw(), device.ImageLayoutTransferDstOptimal, []device.BufferImageCopy{
		{
			BufferOffset:      0,
			BufferRowLength:   region.DataWidth,
			BufferImageHeight: region.DataHeight,
			ImageSubresource:  region.Layers,
			ImageOffset:       region.Offset,
			ImageExtent:       region.Extent,
		},
	})

	commandBuffer.PipelineBarrier(device.PipelineStageTransfer, next.Stage, nil, []device.ImageBarrier{
		{
			SrcAccessMask:    device.AccessTransferWrite,
			DstAccessMask:    next.Access,
			OldLayout:        device.ImageLayoutTransferDstOptimal,
			NewLayout:        next.Layout,
			SrcQueueFamily:   device.QueueFamilyIgnored,
			DstQueueFamily:   device.QueueFamilyIgnored,
			Image:            image.Raw(),
			SubresourceRange: subresource,
		},
	})

	return nil
}

func (f *familyUploads) acquireFence() (device.Fence, error) {
	if len(f.freeFences) > 0 {
		last := len(f.freeFences) - 1
		fence := f.freeFences[last]
		f.freeFences = f.freeFences[:last]
		return fence, nil
	}

	fence, err := f.uploader.device.CreateFence(false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create upload fence")
	}
	return fence, nil
}

// discard drops recorded work that will never be executed
func (f *familyUploads) discard(next *nextUploads) {
	if next.commandBuffer != nil {
		err := next.commandBuffer.Reset()
		if err != nil {
			next.commandBuffer.Free()
		} else {
			f.freeCommandBuffers = append(f.freeCommandBuffers, next.commandBuffer)
		}
	}

	for _, staging := range next.staging {
		f.uploader.destroyStaging(staging)
	}

	*next = nextUploads{queue: next.queue}
}

func (f *familyUploads) flushQueue(next *nextUploads) error {
	err := next.commandBuffer.End()
	if err != nil {
		f.discard(next)
		return errors.Wrapf(err, "failed to record uploads for queue %s", next.queue)
	}

	rawFence, err := f.acquireFence()
	if err != nil {
		f.discard(next)
		return err
	}

	e, err := f.uploader.ledger.Next(next.queue)
	if err != nil {
		f.freeFences = append(f.freeFences, rawFence)
		f.discard(next)
		return err
	}

	queue := f.uploader.device.Queue(next.queue.Family, next.queue.Index)
	if queue == nil {
		f.freeFences = append(f.freeFences, rawFence)
		f.discard(next)
		return device.InvalidUsagef("queue %s was not opened on the device", next.queue)
	}

	err = queue.Submit([]device.CommandBuffer{next.commandBuffer}, rawFence)
	if err != nil {
		rawFence.Destroy()
		f.discard(next)
		return errors.Wrapf(err, "failed to submit uploads to queue %s", next.queue)
	}

	fence := epoch.NewFence(rawFence, false)
	err = f.commit(next.queue, e, fence)
	if err != nil {
		return err
	}

	for _, staging := range next.staging {
		err = f.uploader.registry.ExtendUse(staging, next.queue, e)
		if err != nil {
			return err
		}
	}
	for _, destination := range next.destinations {
		err = f.uploader.registry.ExtendUse(destination, next.queue, e)
		if err != nil {
			return err
		}
	}

	f.uploader.logger.LogAttrs(context.Background(), slog.LevelDebug, "Uploader::Flush",
		slog.String("Queue", next.queue.String()),
		slog.Uint64("Epoch", e),
		slog.Int("Uploads", len(next.staging)))

	f.pending = append(f.pending, pendingUploads{
		queue:         next.queue,
		commandBuffer: next.commandBuffer,
		fence:         fence,
		staging:       next.staging,
	})
	*next = nextUploads{queue: next.queue}
	return nil
}

func (f *familyUploads) flush() error {
	var err error
	for index := range f.next {
		if f.next[index].commandBuffer == nil {
			continue
		}

		err = errors.CombineErrors(err, f.flushQueue(&f.next[index]))
	}
	return err
}

// retire recycles the command buffer, fence and staging buffers of an upload whose fence was
// observed signaled, and advances its queue's completed epoch
func (f *familyUploads) retire(pending pendingUploads) error {
	fenceEpoch, signalErr := pending.fence.MarkSignaled()

	for _, staging := range pending.staging {
		f.uploader.destroyStaging(staging)
	}

	err := pending.commandBuffer.Reset()
	if err != nil {
		pending.commandBuffer.Free()
	} else {
		f.freeCommandBuffers = append(f.freeCommandBuffers, pending.commandBuffer)
	}

	raw := pending.fence.Raw()
	err = f.uploader.device.ResetFences([]device.Fence{raw})
	if err != nil {
		raw.Destroy()
	} else {
		f.freeFences = append(f.freeFences, raw)
	}

	if signalErr != nil {
		return signalErr
	}
	return f.uploader.ledger.Advance(fenceEpoch.Queue, fenceEpoch.Epoch)
}

func (f *familyUploads) cleanup() (int, error) {
	retired := 0
	remaining := f.pending[:0]

	var err error
	for index, pending := range f.pending {
		if err != nil {
			remaining = append(remaining, f.pending[index:]...)
			break
		}

		signaled, statusErr := pending.fence.Raw().Status()
		if statusErr != nil {
			err = errors.Wrapf(statusErr, "failed to poll upload fence of queue %s", pending.queue)
			remaining = append(remaining, pending)
			continue
		}

		if !signaled {
			remaining = append(remaining, pending)
			continue
		}

		err = f.retire(pending)
		retired++
	}

	for index := len(remaining); index < len(f.pending); index++ {
		f.pending[index] = pendingUploads{}
	}
	f.pending = remaining

	return retired, err
}

func (f *familyUploads) dispose() error {
	_, err := f.cleanup()

	for _, pending := range f.pending {
		f.uploader.logger.LogAttrs(context.Background(), slog.LevelWarn, "upload was still pending at disposal",
			slog.String("Queue", pending.queue.String()))
		for _, staging := range pending.staging {
			f.uploader.destroyStaging(staging)
		}
		pending.commandBuffer.Free()
		pending.fence.Raw().Destroy()
	}
	f.pending = nil

	for index := range f.next {
		f.discard(&f.next[index])
	}

	for _, commandBuffer := range f.freeCommandBuffers {
		commandBuffer.Free()
	}
	f.freeCommandBuffers = nil

	for _, fence := range f.freeFences {
		fence.Destroy()
	}
	f.freeFences = nil

	if f.pool != nil {
		f.pool.Destroy()
		f.pool = nil
	}

	return err
}

// commit consumes the epoch carried by a submission that the device accepted, and binds the
// submission's fence to it
func (f *familyUploads) commit(queue epoch.QueueID, expected uint64, fence *epoch.Fence) error {
	e, err := f.uploader.ledger.Submit(queue)
	if err != nil {
		return err
	}
	if e != expected {
		return errors.AssertionFailedf("queue %s was submitted with epoch %d while epoch %d was expected", queue, e, expected)
	}

	if fence == nil {
		return nil
	}
	return fence.Bind(queue, e)
}

func (f *familyUploads) submit(queue epoch.QueueID, commandBuffers []device.CommandBuffer, fence *epoch.Fence, uses []resource.Resource) (uint64, error) {
	var rawFence device.Fence
	if fence != nil {
		state, _ := fence.State()
		if state != epoch.FenceUnsignaled {
			return 0, device.InvalidUsagef("a fence in state %s cannot be submitted: it must be reset first", state)
		}
		rawFence = fence.Raw()
	}

	rawQueue := f.uploader.device.Queue(queue.Family, queue.Index)
	if rawQueue == nil {
		return 0, device.InvalidUsagef("queue %s was not opened on the device", queue)
	}

	e, err := f.uploader.ledger.Next(queue)
	if err != nil {
		return 0, err
	}

	for _, res := range uses {
		err = f.uploader.registry.RecordUse(res, queue, e)
		if err != nil {
			return 0, err
		}
	}

	err = rawQueue.Submit(commandBuffers, rawFence)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to submit to queue %s", queue)
	}

	err = f.commit(queue, e, fence)
	if err != nil {
		return 0, err
	}
	return e, nil
}
