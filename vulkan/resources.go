package vulkan

import (
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func convertMemoryRequirements(requirements *core1_0.MemoryRequirements) device.MemoryRequirements {
	return device.MemoryRequirements{
		Size:           int(requirements.Size),
		Alignment:      int(requirements.Alignment),
		MemoryTypeBits: uint32(requirements.MemoryTypeBits),
	}
}

func (d *Device) memory(memory device.Memory) (*Memory, error) {
	vkMemory, ok := memory.(*Memory)
	if !ok || vkMemory.device != d {
		return nil, device.InvalidUsagef("memory %T was not allocated from this device", memory)
	}
	return vkMemory, nil
}

type Buffer struct {
	device *Device
	buffer core1_0.Buffer
}

var _ device.Buffer = &Buffer{}

func (d *Device) CreateBuffer(info device.BufferInfo) (device.Buffer, error) {
	if info.Size <= 0 {
		return nil, device.InvalidUsagef("buffer size must be positive but was %d", info.Size)
	}

	buffer, res, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       core1_0.BufferUsageFlags(info.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create buffer of size %d", info.Size)
	}

	return &Buffer{device: d, buffer: buffer}, nil
}

func (b *Buffer) MemoryRequirements() device.MemoryRequirements {
	return convertMemoryRequirements(b.buffer.MemoryRequirements())
}

func (b *Buffer) BindMemory(memory device.Memory, offset int) error {
	vkMemory, err := b.device.memory(memory)
	if err != nil {
		return err
	}

	res, err := b.buffer.BindBufferMemory(vkMemory.memory, offset)
	return resultError(res, err, "failed to bind buffer memory at offset %d", offset)
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.device.callbacks)
}

type Image struct {
	device *Device
	image  core1_0.Image
}

var _ device.Image = &Image{}

func (d *Device) CreateImage(info device.ImageInfo) (device.Image, error) {
	image, res, err := d.device.CreateImage(d.callbacks, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType(info.Type),
		Format:    core1_0.Format(info.Format),
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  info.Extent.Depth,
		},
		MipLevels:     info.MipLevels,
		ArrayLayers:   info.ArrayLayers,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTiling(info.Tiling),
		Usage:         core1_0.ImageUsageFlags(info.Usage),
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create %s image of format %s", info.Type, info.Format)
	}

	return &Image{device: d, image: image}, nil
}

func (i *Image) MemoryRequirements() device.MemoryRequirements {
	return convertMemoryRequirements(i.image.MemoryRequirements())
}

func (i *Image) BindMemory(memory device.Memory, offset int) error {
	vkMemory, err := i.device.memory(memory)
	if err != nil {
		return err
	}

	res, err := i.image.BindImageMemory(vkMemory.memory, offset)
	return resultError(res, err, "failed to bind image memory at offset %d", offset)
}

func (i *Image) Destroy() {
	i.image.Destroy(i.device.callbacks)
}

func convertSubresourceRange(r device.ImageSubresourceRange) core1_0.ImageSubresourceRange {
	return core1_0.ImageSubresourceRange{
		AspectMask:     core1_0.ImageAspectFlags(r.AspectMask),
		BaseMipLevel:   r.BaseMipLevel,
		LevelCount:     r.LevelCount,
		BaseArrayLayer: r.BaseArrayLayer,
		LayerCount:     r.LayerCount,
	}
}

type ImageView struct {
	device    *Device
	imageView core1_0.ImageView
}

func (d *Device) CreateImageView(image device.Image, info device.ImageViewInfo) (device.ImageView, error) {
	vkImage, ok := image.(*Image)
	if !ok || vkImage.device != d {
		return nil, device.InvalidUsagef("image %T was not created by this device", image)
	}

	imageView, res, err := d.device.CreateImageView(d.callbacks, core1_0.ImageViewCreateInfo{
		Image:    vkImage.image,
		ViewType: core1_0.ImageViewType(info.ViewType),
		Format:   core1_0.Format(info.Format),
		Components: core1_0.ComponentMapping{
			R: core1_0.ComponentSwizzle(info.Components.R),
			G: core1_0.ComponentSwizzle(info.Components.G),
			B: core1_0.ComponentSwizzle(info.Components.B),
			A: core1_0.ComponentSwizzle(info.Components.A),
		},
		SubresourceRange: convertSubresourceRange(info.SubresourceRange),
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create image view of format %s", info.Format)
	}

	return &ImageView{device: d, imageView: imageView}, nil
}

func (v *ImageView) Destroy() {
	v.imageView.Destroy(v.device.callbacks)
}

// lodClampNone leaves the mip level range unclamped
const lodClampNone = 1000.0

type Sampler struct {
	device  *Device
	sampler core1_0.Sampler
}

func (d *Device) CreateSampler(info device.SamplerInfo) (device.Sampler, error) {
	addressMode := core1_0.SamplerAddressMode(info.AddressMode)

	sampler, res, err := d.device.CreateSampler(d.callbacks, core1_0.SamplerCreateInfo{
		MagFilter:        core1_0.Filter(info.MagFilter),
		MinFilter:        core1_0.Filter(info.MinFilter),
		MipmapMode:       core1_0.SamplerMipmapModeLinear,
		AddressModeU:     addressMode,
		AddressModeV:     addressMode,
		AddressModeW:     addressMode,
		AnisotropyEnable: info.MaxAnisotropy > 1,
		MaxAnisotropy:    info.MaxAnisotropy,
		MaxLod:           lodClampNone,
	})
	if err != nil {
		return nil, resultError(res, err, "failed to create sampler")
	}

	return &Sampler{device: d, sampler: sampler}, nil
}

func (s *Sampler) Destroy() {
	s.sampler.Destroy(s.device.callbacks)
}
