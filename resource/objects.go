package resource

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/heap"
)

// Buffer is a device buffer bound to memory it exclusively owns
type Buffer struct {
	tracking

	raw        device.Buffer
	info       BufferCreateInfo
	allocation *heap.Allocation
}

var _ Resource = &Buffer{}

func (b *Buffer) Raw() device.Buffer { return b.raw }

func (b *Buffer) Size() int { return b.info.Size }

func (b *Buffer) Usage() device.BufferUsageFlags { return b.info.Usage }

func (b *Buffer) Allocation() *heap.Allocation { return b.allocation }

// Mapped returns the host-visible contents of the buffer, or nil if the buffer's memory is not
// host-visible
func (b *Buffer) Mapped() []byte {
	mapped := b.allocation.Mapped()
	if mapped == nil {
		return nil
	}
	return mapped[:b.info.Size]
}

// Write copies content into a host-visible buffer at offset and flushes it
func (b *Buffer) Write(offset int, content []byte) error {
	if b.State() != StateLive {
		return device.InvalidUsagef("attempted to write to buffer %d after it was destroyed", b.id)
	}

	mapped := b.Mapped()
	if mapped == nil {
		return device.InvalidUsagef("buffer %d is not host visible", b.id)
	}
	if offset < 0 || offset+len(content) > len(mapped) {
		return device.InvalidUsagef("write of %d bytes at offset %d does not fit in buffer %d of size %d",
			len(content), offset, b.id, len(mapped))
	}

	copy(mapped[offset:], content)
	return b.allocation.Flush(offset, len(content))
}

func (b *Buffer) blocked() bool { return false }

func (b *Buffer) release(registry *Registry) error {
	b.raw.Destroy()
	return registry.heap.Free(b.allocation)
}

// Image is a device image bound to memory it exclusively owns. An image is not released while any
// view created from it is still alive.
type Image struct {
	tracking

	raw        device.Image
	info       ImageCreateInfo
	desc       device.FormatDesc
	allocation *heap.Allocation
	views      int
}

var _ Resource = &Image{}

func (i *Image) Raw() device.Image { return i.raw }

func (i *Image) Info() device.ImageInfo { return i.info.Info }

func (i *Image) Format() device.Format { return i.info.Info.Format }

// FormatDesc describes the texel blocks of the image's format
func (i *Image) FormatDesc() device.FormatDesc { return i.desc }

func (i *Image) Allocation() *heap.Allocation { return i.allocation }

// Views returns the number of image views on the image that have not been freed
func (i *Image) Views() int {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	return i.views
}

func (i *Image) blocked() bool { return i.views > 0 }

func (i *Image) release(registry *Registry) error {
	i.raw.Destroy()
	return registry.heap.Free(i.allocation)
}

func (i *Image) addView() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.state != StateLive {
		return device.InvalidUsagef("attempted to create a view of image %d after it was destroyed", i.id)
	}
	i.views++
	return nil
}

func (i *Image) removeView() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.views < 1 {
		panic(errors.AssertionFailedf("image %d released more views than it had", i.id))
	}
	i.views--
}

// ImageView is a view of an Image. It keeps the image alive until the view is freed.
type ImageView struct {
	tracking

	raw   device.ImageView
	info  device.ImageViewInfo
	image *Image
}

var _ Resource = &ImageView{}

func (v *ImageView) Raw() device.ImageView { return v.raw }

func (v *ImageView) Info() device.ImageViewInfo { return v.info }

func (v *ImageView) Image() *Image { return v.image }

func (v *ImageView) blocked() bool { return false }

func (v *ImageView) release(registry *Registry) error {
	v.raw.Destroy()
	v.image.removeView()
	return nil
}

type Sampler struct {
	tracking

	raw  device.Sampler
	info device.SamplerInfo
}

var _ Resource = &Sampler{}

func (s *Sampler) Raw() device.Sampler { return s.raw }

func (s *Sampler) Info() device.SamplerInfo { return s.info }

func (s *Sampler) blocked() bool { return false }

func (s *Sampler) release(registry *Registry) error {
	s.raw.Destroy()
	return nil
}
