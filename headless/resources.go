package headless

import (
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/memutils"
)

const (
	bufferAlignment = 16
	imageAlignment  = 256
)

// Buffer is a headless buffer. Its contents live in the memory it is bound to.
type Buffer struct {
	device    *Device
	info      device.BufferInfo
	memory    *Memory
	offset    int
	destroyed bool
}

var _ device.Buffer = &Buffer{}

func (b *Buffer) MemoryRequirements() device.MemoryRequirements {
	return device.MemoryRequirements{
		Size:           memutils.AlignUp(b.info.Size, bufferAlignment),
		Alignment:      bufferAlignment,
		MemoryTypeBits: allTypeBits(len(b.device.props.Memory.MemoryTypes)),
	}
}

func (b *Buffer) BindMemory(memory device.Memory, offset int) error {
	headlessMemory, err := bindTarget(memory, offset, b.MemoryRequirements())
	if err != nil {
		return err
	}

	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.memory != nil {
		return device.InvalidUsagef("buffer is already bound to memory")
	}

	b.memory = headlessMemory
	b.offset = offset
	return nil
}

// bytes returns the buffer's contents. The device mutex must be held.
func (b *Buffer) bytes() []byte {
	if b.memory == nil || b.memory.freed {
		return nil
	}
	return b.memory.data[b.offset : b.offset+b.info.Size]
}

func (b *Buffer) Destroy() {
	b.device.mutex.Lock()
	defer b.device.mutex.Unlock()

	if b.destroyed {
		b.device.recordValidationError(device.InvalidUsagef("buffer destroyed twice"))
		return
	}
	b.destroyed = true
	b.device.counts.Buffers--
}

type subresource struct {
	offset int
	size   int
	extent device.Extent3D
}

// Image is a headless image. Subresources are packed tightly, layer by layer and then mip level
// by mip level, regardless of tiling.
type Image struct {
	device       *Device
	info         device.ImageInfo
	desc         device.FormatDesc
	subresources [][]subresource
	layouts      [][]device.ImageLayout
	size         int

	memory    *Memory
	offset    int
	destroyed bool
}

var _ device.Image = &Image{}

func mipExtent(extent device.Extent3D, level int) device.Extent3D {
	mip := device.Extent3D{
		Width:  extent.Width >> level,
		Height: extent.Height >> level,
		Depth:  extent.Depth >> level,
	}
	if mip.Width < 1 {
		mip.Width = 1
	}
	if mip.Height < 1 {
		mip.Height = 1
	}
	if mip.Depth < 1 {
		mip.Depth = 1
	}
	return mip
}

func (i *Image) computeLayout() {
	initialLayout := device.ImageLayoutUndefined

	i.subresources = make([][]subresource, i.info.ArrayLayers)
	i.layouts = make([][]device.ImageLayout, i.info.ArrayLayers)
	offset := 0
	for layer := 0; layer < i.info.ArrayLayers; layer++ {
		i.subresources[layer] = make([]subresource, i.info.MipLevels)
		i.layouts[layer] = make([]device.ImageLayout, i.info.MipLevels)

		for level := 0; level < i.info.MipLevels; level++ {
			extent := mipExtent(i.info.Extent, level)
			size := i.desc.BlockCount(extent) * i.desc.BlockSize()
			i.subresources[layer][level] = subresource{offset: offset, size: size, extent: extent}
			i.layouts[layer][level] = initialLayout
			offset += size
		}
	}
	i.size = offset
}

func (i *Image) MemoryRequirements() device.MemoryRequirements {
	return device.MemoryRequirements{
		Size:           memutils.AlignUp(i.size, imageAlignment),
		Alignment:      imageAlignment,
		MemoryTypeBits: allTypeBits(len(i.device.props.Memory.MemoryTypes)),
	}
}

func (i *Image) BindMemory(memory device.Memory, offset int) error {
	headlessMemory, err := bindTarget(memory, offset, i.MemoryRequirements())
	if err != nil {
		return err
	}

	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	if i.memory != nil {
		return device.InvalidUsagef("image is already bound to memory")
	}

	i.memory = headlessMemory
	i.offset = offset
	return nil
}

// Layout returns the layout the image subresource is currently in
func (i *Image) Layout(layer, level int) device.ImageLayout {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	return i.layouts[layer][level]
}

// subresourceBytes returns the bytes of one subresource. The device mutex must be held.
func (i *Image) subresourceBytes(layer, level int) []byte {
	if i.memory == nil || i.memory.freed {
		return nil
	}
	sub := i.subresources[layer][level]
	start := i.offset + sub.offset
	return i.memory.data[start : start+sub.size]
}

func (i *Image) Destroy() {
	i.device.mutex.Lock()
	defer i.device.mutex.Unlock()

	if i.destroyed {
		i.device.recordValidationError(device.InvalidUsagef("image destroyed twice"))
		return
	}
	i.destroyed = true
	i.device.counts.Images--
}

type ImageView struct {
	device    *Device
	image     *Image
	info      device.ImageViewInfo
	destroyed bool
}

var _ device.ImageView = &ImageView{}

func (v *ImageView) Destroy() {
	v.device.mutex.Lock()
	defer v.device.mutex.Unlock()

	if v.destroyed {
		v.device.recordValidationError(device.InvalidUsagef("image view destroyed twice"))
		return
	}
	if v.image.destroyed {
		v.device.recordValidationError(device.InvalidUsagef("image view outlived its image"))
	}
	v.destroyed = true
	v.device.counts.ImageViews--
}

type Sampler struct {
	device    *Device
	info      device.SamplerInfo
	destroyed bool
}

var _ device.Sampler = &Sampler{}

func (s *Sampler) Destroy() {
	s.device.mutex.Lock()
	defer s.device.mutex.Unlock()

	if s.destroyed {
		s.device.recordValidationError(device.InvalidUsagef("sampler destroyed twice"))
		return
	}
	s.destroyed = true
	s.device.counts.Samplers--
}

func allTypeBits(typeCount int) uint32 {
	return uint32(1)<<uint(typeCount) - 1
}

func bindTarget(memory device.Memory, offset int, reqs device.MemoryRequirements) (*Memory, error) {
	headlessMemory, ok := memory.(*Memory)
	if !ok || headlessMemory == nil {
		return nil, device.InvalidUsagef("resources can only be bound to headless memory")
	}
	if offset < 0 || offset%reqs.Alignment != 0 {
		return nil, device.InvalidUsagef("bind offset %d does not satisfy alignment %d", offset, reqs.Alignment)
	}
	if offset+reqs.Size > len(headlessMemory.data) {
		return nil, device.InvalidUsagef("resource of size %d at offset %d does not fit in memory of size %d",
			reqs.Size, offset, len(headlessMemory.data))
	}
	if reqs.MemoryTypeBits&(1<<uint(headlessMemory.memoryTypeIndex)) == 0 {
		return nil, device.InvalidUsagef("memory type %d is not allowed for this resource", headlessMemory.memoryTypeIndex)
	}
	return headlessMemory, nil
}

// ReadBuffer returns a copy of the buffer's contents
func (d *Device) ReadBuffer(buffer device.Buffer) ([]byte, error) {
	headlessBuffer, ok := buffer.(*Buffer)
	if !ok || headlessBuffer == nil {
		return nil, device.InvalidUsagef("buffer is not a headless buffer")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	data := headlessBuffer.bytes()
	if data == nil {
		return nil, device.InvalidUsagef("buffer is not bound to live memory")
	}
	return append([]byte(nil), data...), nil
}

// ReadImage returns a copy of one subresource of the image, tightly packed
func (d *Device) ReadImage(image device.Image, layer, level int) ([]byte, error) {
	headlessImage, ok := image.(*Image)
	if !ok || headlessImage == nil {
		return nil, device.InvalidUsagef("image is not a headless image")
	}
	if layer < 0 || layer >= headlessImage.info.ArrayLayers || level < 0 || level >= headlessImage.info.MipLevels {
		return nil, device.InvalidUsagef("subresource %d/%d does not exist", layer, level)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	data := headlessImage.subresourceBytes(layer, level)
	if data == nil {
		return nil, device.InvalidUsagef("image is not bound to live memory")
	}
	return append([]byte(nil), data...), nil
}
