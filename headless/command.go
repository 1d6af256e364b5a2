package headless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
)

type commandBufferState int

const (
	commandBufferInitial commandBufferState = iota
	commandBufferRecording
	commandBufferExecutable
	commandBufferPending
	commandBufferFreed
)

var commandBufferStateMapping = map[commandBufferState]string{
	commandBufferInitial:    "initial",
	commandBufferRecording:  "recording",
	commandBufferExecutable: "executable",
	commandBufferPending:    "pending",
	commandBufferFreed:      "freed",
}

func (s commandBufferState) String() string {
	return commandBufferStateMapping[s]
}

type CommandPool struct {
	device    *Device
	family    int
	buffers   int
	destroyed bool
}

var _ device.CommandPool = &CommandPool{}

func (p *CommandPool) AllocateCommandBuffer() (device.CommandBuffer, error) {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		return nil, device.InvalidUsagef("command buffer allocated from a destroyed pool")
	}

	p.buffers++
	p.device.counts.CommandBuffers++
	return &CommandBuffer{device: p.device, pool: p}, nil
}

func (p *CommandPool) Destroy() {
	p.device.mutex.Lock()
	defer p.device.mutex.Unlock()

	if p.destroyed {
		p.device.recordValidationError(device.InvalidUsagef("command pool destroyed twice"))
		return
	}

	p.destroyed = true
	p.device.counts.CommandBuffers -= p.buffers
	p.device.counts.CommandPools--
}

type command interface {
	execute(queue *Queue)
}

// CommandBuffer records transfer commands and barriers for later execution on a queue
type CommandBuffer struct {
	device   *Device
	pool     *CommandPool
	state    commandBufferState
	commands []command
}

var _ device.CommandBuffer = &CommandBuffer{}

func (c *CommandBuffer) Begin() error {
	c.device.mutex.Lock()
	defer c.device.mutex.Unlock()

	if c.state != commandBufferInitial && c.state != commandBufferExecutable {
		return device.InvalidUsagef("command buffer cannot begin recording while %s", c.state)
	}

	c.commands = c.commands[:0]
	c.state = commandBufferRecording
	return nil
}

func (c *CommandBuffer) record(cmd command) {
	c.device.mutex.Lock()
	defer c.device.mutex.Unlock()

	if c.state != commandBufferRecording {
		c.device.recordValidationError(device.InvalidUsagef("command recorded into a %s command buffer", c.state))
		return
	}
	c.commands = append(c.commands, cmd)
}

func (c *CommandBuffer) CopyBuffer(src, dst device.Buffer, regions []device.BufferCopy) {
	c.record(copyBufferCommand{
		src:     asBuffer(src),
		dst:     asBuffer(dst),
		regions: append([]device.BufferCopy(nil), regions...),
	})
}

func (c *CommandBuffer) CopyBufferToImage(src device.Buffer, dst device.Image, layout device.ImageLayout, regions []device.BufferImageCopy) {
	image, _ := dst.(*Image)
	c.record(copyBufferToImageCommand{
		src:     asBuffer(src),
		dst:     image,
		layout:  layout,
		regions: append([]device.BufferImageCopy(nil), regions...),
	})
}

func (c *CommandBuffer) PipelineBarrier(srcStage, dstStage device.PipelineStageFlags, bufferBarriers []device.BufferBarrier, imageBarriers []device.ImageBarrier) {
	c.record(barrierCommand{
		srcStage:       srcStage,
		dstStage:       dstStage,
		bufferBarriers: append([]device.BufferBarrier(nil), bufferBarriers...),
		imageBarriers:  append([]device.ImageBarrier(nil), imageBarriers...),
	})
}

func (c *CommandBuffer) End() error {
	c.device.mutex.Lock()
	defer c.device.mutex.Unlock()

	if c.state != commandBufferRecording {
		return device.InvalidUsagef("command buffer cannot end recording while %s", c.state)
	}
	c.state = commandBufferExecutable
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.device.mutex.Lock()
	defer c.device.mutex.Unlock()

	if c.state == commandBufferPending || c.state == commandBufferFreed {
		return device.InvalidUsagef("command buffer cannot be reset while %s", c.state)
	}
	c.commands = nil
	c.state = commandBufferInitial
	return nil
}

func (c *CommandBuffer) Free() {
	c.device.mutex.Lock()
	defer c.device.mutex.Unlock()

	if c.state == commandBufferFreed {
		c.device.recordValidationError(device.InvalidUsagef("command buffer freed twice"))
		return
	}
	if c.state == commandBufferPending {
		c.device.recordValidationError(device.InvalidUsagef("command buffer freed while pending"))
	}
	c.state = commandBufferFreed
	c.commands = nil
	c.pool.buffers--
	c.device.counts.CommandBuffers--
}

func asBuffer(buffer device.Buffer) *Buffer {
	headlessBuffer, _ := buffer.(*Buffer)
	return headlessBuffer
}

type copyBufferCommand struct {
	src     *Buffer
	dst     *Buffer
	regions []device.BufferCopy
}

func (c copyBufferCommand) execute(queue *Queue) {
	if c.src == nil || c.dst == nil {
		queue.device.recordValidationError(device.InvalidUsagef("buffer copy between non-headless buffers"))
		return
	}

	src := c.src.bytes()
	dst := c.dst.bytes()
	if src == nil || dst == nil {
		queue.device.recordValidationError(device.InvalidUsagef("buffer copy between buffers without live memory"))
		return
	}

	for i, region := range c.regions {
		if region.Size < 1 || region.SrcOffset < 0 || region.DstOffset < 0 ||
			region.SrcOffset+region.Size > len(src) || region.DstOffset+region.Size > len(dst) {
			queue.device.recordValidationError(device.InvalidUsagef("buffer copy region %d (%+v) is out of bounds", i, region))
			continue
		}
		copy(dst[region.DstOffset:region.DstOffset+region.Size], src[region.SrcOffset:region.SrcOffset+region.Size])
	}
}

type copyBufferToImageCommand struct {
	src     *Buffer
	dst     *Image
	layout  device.ImageLayout
	regions []device.BufferImageCopy
}

func (c copyBufferToImageCommand) execute(queue *Queue) {
	if c.src == nil || c.dst == nil {
		queue.device.recordValidationError(device.InvalidUsagef("image copy between non-headless resources"))
		return
	}
	if c.layout != device.ImageLayoutTransferDstOptimal && c.layout != device.ImageLayoutGeneral {
		queue.device.recordValidationError(device.InvalidUsagef("image copy destination layout %s is not valid", c.layout))
		return
	}

	src := c.src.bytes()
	if src == nil {
		queue.device.recordValidationError(device.InvalidUsagef("image copy from a buffer without live memory"))
		return
	}

	for i, region := range c.regions {
		err := c.copyRegion(src, region)
		if err != nil {
			queue.device.recordValidationError(errors.Wrapf(err, "image copy region %d", i))
		}
	}
}

func (c copyBufferToImageCommand) copyRegion(src []byte, region device.BufferImageCopy) error {
	image := c.dst
	desc := image.desc
	sub := region.ImageSubresource

	if sub.AspectMask&^desc.Aspects != 0 {
		return device.InvalidUsagef("aspect %s is not present in format %s", sub.AspectMask, image.info.Format)
	}
	if sub.MipLevel < 0 || sub.MipLevel >= image.info.MipLevels {
		return device.InvalidUsagef("mip level %d does not exist", sub.MipLevel)
	}
	if sub.LayerCount < 1 || sub.BaseArrayLayer < 0 || sub.BaseArrayLayer+sub.LayerCount > image.info.ArrayLayers {
		return device.InvalidUsagef("array layers %d+%d do not exist", sub.BaseArrayLayer, sub.LayerCount)
	}

	rowLength := region.BufferRowLength
	if rowLength == 0 {
		rowLength = region.ImageExtent.Width
	}
	imageHeight := region.BufferImageHeight
	if imageHeight == 0 {
		imageHeight = region.ImageExtent.Height
	}

	blockSize := desc.BlockSize()
	rowBlocks := (rowLength + desc.BlockWidth - 1) / desc.BlockWidth
	heightBlocks := (imageHeight + desc.BlockHeight - 1) / desc.BlockHeight
	copyWidth := (region.ImageExtent.Width + desc.BlockWidth - 1) / desc.BlockWidth
	copyHeight := (region.ImageExtent.Height + desc.BlockHeight - 1) / desc.BlockHeight
	copyDepth := region.ImageExtent.Depth
	offsetX := region.ImageOffset.X / desc.BlockWidth
	offsetY := region.ImageOffset.Y / desc.BlockHeight

	for layerIndex := 0; layerIndex < sub.LayerCount; layerIndex++ {
		layer := sub.BaseArrayLayer + layerIndex
		if image.layouts[layer][sub.MipLevel] != c.layout {
			return device.InvalidUsagef("layer %d level %d is in layout %s, but the copy expects %s",
				layer, sub.MipLevel, image.layouts[layer][sub.MipLevel], c.layout)
		}

		mip := image.subresources[layer][sub.MipLevel]
		mipWidth := (mip.extent.Width + desc.BlockWidth - 1) / desc.BlockWidth
		mipHeight := (mip.extent.Height + desc.BlockHeight - 1) / desc.BlockHeight
		if offsetX+copyWidth > mipWidth || offsetY+copyHeight > mipHeight ||
			region.ImageOffset.Z+copyDepth > mip.extent.Depth {
			return device.InvalidUsagef("region %+v at %+v exceeds mip extent %+v",
				region.ImageExtent, region.ImageOffset, mip.extent)
		}

		dst := image.subresourceBytes(layer, sub.MipLevel)
		if dst == nil {
			return device.InvalidUsagef("image is not bound to live memory")
		}

		for z := 0; z < copyDepth; z++ {
			for y := 0; y < copyHeight; y++ {
				srcStart := region.BufferOffset + ((layerIndex*copyDepth+z)*heightBlocks+y)*rowBlocks*blockSize
				dstStart := (((region.ImageOffset.Z+z)*mipHeight+offsetY+y)*mipWidth + offsetX) * blockSize
				length := copyWidth * blockSize

				if srcStart < 0 || srcStart+length > len(src) {
					return device.InvalidUsagef("source range %d+%d exceeds buffer of size %d", srcStart, length, len(src))
				}
				copy(dst[dstStart:dstStart+length], src[srcStart:srcStart+length])
			}
		}
	}

	return nil
}

type barrierCommand struct {
	srcStage       device.PipelineStageFlags
	dstStage       device.PipelineStageFlags
	bufferBarriers []device.BufferBarrier
	imageBarriers  []device.ImageBarrier
}

func (c barrierCommand) execute(queue *Queue) {
	for i, barrier := range c.bufferBarriers {
		buffer := asBuffer(barrier.Buffer)
		if buffer == nil || buffer.destroyed {
			queue.device.recordValidationError(device.InvalidUsagef("buffer barrier %d refers to a missing buffer", i))
		}
	}

	for i, barrier := range c.imageBarriers {
		image, _ := barrier.Image.(*Image)
		if image == nil || image.destroyed {
			queue.device.recordValidationError(device.InvalidUsagef("image barrier %d refers to a missing image", i))
			continue
		}

		subRange := barrier.SubresourceRange
		if subRange.BaseMipLevel < 0 || subRange.LevelCount < 1 || subRange.BaseMipLevel+subRange.LevelCount > image.info.MipLevels ||
			subRange.BaseArrayLayer < 0 || subRange.LayerCount < 1 || subRange.BaseArrayLayer+subRange.LayerCount > image.info.ArrayLayers {
			queue.device.recordValidationError(device.InvalidUsagef("image barrier %d range %+v is out of bounds", i, subRange))
			continue
		}

		// Ownership acquires repeat the transition the release already performed
		acquire := barrier.SrcQueueFamily != barrier.DstQueueFamily &&
			barrier.SrcQueueFamily != device.QueueFamilyIgnored &&
			barrier.DstQueueFamily == queue.family

		for layer := subRange.BaseArrayLayer; layer < subRange.BaseArrayLayer+subRange.LayerCount; layer++ {
			for level := subRange.BaseMipLevel; level < subRange.BaseMipLevel+subRange.LevelCount; level++ {
				current := image.layouts[layer][level]
				discard := barrier.OldLayout == device.ImageLayoutUndefined || barrier.OldLayout == device.ImageLayoutPreinitialized
				if !discard && current != barrier.OldLayout &&
					!(acquire && current == barrier.NewLayout) {
					queue.device.recordValidationError(device.InvalidUsagef(
						"image barrier %d expected layer %d level %d in layout %s, but it is in %s",
						i, layer, level, barrier.OldLayout, current))
				}
				image.layouts[layer][level] = barrier.NewLayout
			}
		}
	}
}
