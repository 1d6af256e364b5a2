package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type CommandPool struct {
	device *Device
	pool   core1_0.CommandPool
}

var _ device.CommandPool = &CommandPool{}

func (p *CommandPool) AllocateCommandBuffer() (device.CommandBuffer, error) {
	buffers, res, err := p.device.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        p.pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to allocate command buffer")
	}

	return &CommandBuffer{device: p.device, commandBuffer: buffers[0]}, nil
}

func (p *CommandPool) Destroy() {
	p.pool.Destroy(p.device.callbacks)
}

// CommandBuffer records into a primary command buffer. Errors raised while recording are held
// until End.
type CommandBuffer struct {
	device        *Device
	commandBuffer core1_0.CommandBuffer
	recordErr     error
}

var _ device.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) Begin() error {
	c.recordErr = nil

	res, err := c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	return resultError(res, err, "failed to begin command buffer")
}

func (c *CommandBuffer) record(err error, operation string) {
	if err != nil {
		c.recordErr = errors.CombineErrors(c.recordErr, errors.Wrapf(err, "failed to record %s", operation))
	}
}

func (c *CommandBuffer) buffer(buffer device.Buffer) core1_0.Buffer {
	vkBuffer, ok := buffer.(*Buffer)
	if !ok || vkBuffer.device != c.device {
		c.record(device.InvalidUsagef("buffer %T was not created by this device", buffer), "buffer reference")
		return nil
	}
	return vkBuffer.buffer
}

func (c *CommandBuffer) image(image device.Image) core1_0.Image {
	vkImage, ok := image.(*Image)
	if !ok || vkImage.device != c.device {
		c.record(device.InvalidUsagef("image %T was not created by this device", image), "image reference")
		return nil
	}
	return vkImage.image
}

func (c *CommandBuffer) CopyBuffer(src, dst device.Buffer, regions []device.BufferCopy) {
	srcBuffer, dstBuffer := c.buffer(src), c.buffer(dst)
	if srcBuffer == nil || dstBuffer == nil {
		return
	}

	copies := make([]core1_0.BufferCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferCopy{
			SrcOffset: region.SrcOffset,
			DstOffset: region.DstOffset,
			Size:      region.Size,
		})
	}

	c.record(c.commandBuffer.CmdCopyBuffer(srcBuffer, dstBuffer, copies), "buffer copy")
}

func (c *CommandBuffer) CopyBufferToImage(src device.Buffer, dst device.Image, layout device.ImageLayout, regions []device.BufferImageCopy) {
	srcBuffer, dstImage := c.buffer(src), c.image(dst)
	if srcBuffer == nil || dstImage == nil {
		return
	}

	copies := make([]core1_0.BufferImageCopy, 0, len(regions))
	for _, region := range regions {
		copies = append(copies, core1_0.BufferImageCopy{
			BufferOffset:      region.BufferOffset,
			BufferRowLength:   region.BufferRowLength,
			BufferImageHeight: region.BufferImageHeight,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectFlags(region.ImageSubresource.AspectMask),
				MipLevel:       region.ImageSubresource.MipLevel,
				BaseArrayLayer: region.ImageSubresource.BaseArrayLayer,
				LayerCount:     region.ImageSubresource.LayerCount,
			},
			ImageOffset: core1_0.Offset3D{
				X: region.ImageOffset.X,
				Y: region.ImageOffset.Y,
				Z: region.ImageOffset.Z,
			},
			ImageExtent: core1_0.Extent3D{
				Width:  region.ImageExtent.Width,
				Height: region.ImageExtent.Height,
				Depth:  region.ImageExtent.Depth,
			},
		})
	}

	c.record(c.commandBuffer.CmdCopyBufferToImage(srcBuffer, dstImage, core1_0.ImageLayout(layout), copies), "buffer to image copy")
}

func (c *CommandBuffer) PipelineBarrier(srcStage, dstStage device.PipelineStageFlags, buffers []device.BufferBarrier, images []device.ImageBarrier) {
	bufferBarriers := make([]core1_0.BufferMemoryBarrier, 0, len(buffers))
	for _, barrier := range buffers {
		buffer := c.buffer(barrier.Buffer)
		if buffer == nil {
			return
		}

		size := barrier.Size
		if size == device.WholeSize {
			size = -1
		}

		bufferBarriers = append(bufferBarriers, core1_0.BufferMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(barrier.SrcAccessMask),
			DstAccessMask:       core1_0.AccessFlags(barrier.DstAccessMask),
			SrcQueueFamilyIndex: barrier.SrcQueueFamily,
			DstQueueFamilyIndex: barrier.DstQueueFamily,
			Buffer:              buffer,
			Offset:              barrier.Offset,
			Size:                size,
		})
	}

	imageBarriers := make([]core1_0.ImageMemoryBarrier, 0, len(images))
	for _, barrier := range images {
		image := c.image(barrier.Image)
		if image == nil {
			return
		}

		imageBarriers = append(imageBarriers, core1_0.ImageMemoryBarrier{
			SrcAccessMask:       core1_0.AccessFlags(barrier.SrcAccessMask),
			DstAccessMask:       core1_0.AccessFlags(barrier.DstAccessMask),
			OldLayout:           core1_0.ImageLayout(barrier.OldLayout),
			NewLayout:           core1_0.ImageLayout(barrier.NewLayout),
			SrcQueueFamilyIndex: barrier.SrcQueueFamily,
			DstQueueFamilyIndex: barrier.DstQueueFamily,
			Image:               image,
			SubresourceRange:    convertSubresourceRange(barrier.SubresourceRange),
		})
	}

	c.record(c.commandBuffer.CmdPipelineBarrier(
		core1_0.PipelineStageFlags(srcStage),
		core1_0.PipelineStageFlags(dstStage),
		0,
		nil,
		bufferBarriers,
		imageBarriers,
	), "pipeline barrier")
}

func (c *CommandBuffer) End() error {
	if c.recordErr != nil {
		return c.recordErr
	}

	res, err := c.commandBuffer.End()
	return resultError(res, err, "failed to end command buffer")
}

func (c *CommandBuffer) Reset() error {
	c.recordErr = nil

	res, err := c.commandBuffer.Reset(core1_0.CommandBufferResetFlags(0))
	return resultError(res, err, "failed to reset command buffer")
}

func (c *CommandBuffer) Free() {
	c.device.device.FreeCommandBuffers([]core1_0.CommandBuffer{c.commandBuffer})
}
