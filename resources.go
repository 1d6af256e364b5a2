package factory

import (
	"context"

	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"github.com/vkngwrapper/arsenal/factory/upload"
	"golang.org/x/exp/slog"
)

// CreateBuffer creates a buffer bound to memory chosen by info.MemoryUsage
func (f *Factory) CreateBuffer(info resource.BufferCreateInfo) (*resource.Buffer, error) {
	exit, err := f.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	return f.resources.CreateBuffer(info)
}

// CreateImage creates an image bound to memory chosen by info.MemoryUsage
func (f *Factory) CreateImage(info resource.ImageCreateInfo) (*resource.Image, error) {
	exit, err := f.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	return f.resources.CreateImage(info)
}

// CreateImageView creates a view of image. The image is not released until the view is.
func (f *Factory) CreateImageView(image *resource.Image, info device.ImageViewInfo) (*resource.ImageView, error) {
	exit, err := f.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	return f.resources.CreateImageView(image, info)
}

func (f *Factory) CreateSampler(info device.SamplerInfo) (*resource.Sampler, error) {
	exit, err := f.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	return f.resources.CreateSampler(info)
}

// DestroyBuffer destroys the buffer. Its memory is released by a later Cleanup once every use of
// the buffer has completed, or immediately if it was never used.
func (f *Factory) DestroyBuffer(buffer *resource.Buffer) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.resources.DestroyBuffer(buffer)
}

// DestroyImage destroys the image. Its memory is released by a later Cleanup once every use of
// the image has completed and each of its views has been released.
func (f *Factory) DestroyImage(image *resource.Image) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.resources.DestroyImage(image)
}

func (f *Factory) DestroyImageView(view *resource.ImageView) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.resources.DestroyImageView(view)
}

func (f *Factory) DestroySampler(sampler *resource.Sampler) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.resources.DestroySampler(sampler)
}

// RecordUse records that work carrying epoch e on queue references res. Work submitted through
// Submit should name its resources there instead. Callers that submit to a queue themselves must
// call Flush for the queue's family before reading NextEpoch, since a flush consumes an epoch, and
// must not record further uploads for the family until their own submission is made.
func (f *Factory) RecordUse(res resource.Resource, queue epoch.QueueID, e uint64) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	err = f.ledger.Validate(queue)
	if err != nil {
		return err
	}
	return f.resources.RecordUse(res, queue, e)
}

// UploadVisibleBuffer writes content directly into a host-visible buffer at offset. The buffer
// must not be in use by the device.
func (f *Factory) UploadVisibleBuffer(buffer *resource.Buffer, offset int, content []byte) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::UploadVisibleBuffer",
		slog.Int("Offset", offset),
		slog.Int("Size", len(content)))

	if buffer == nil {
		return device.InvalidUsagef("attempted to upload to a nil buffer")
	}
	return buffer.Write(offset, content)
}

// UploadBuffer copies content into buffer at offset through a staging buffer. The copy executes on
// next.Queue the next time its family is flushed, before any work submitted afterward through
// Factory.Submit. last is how the buffer was last used by the device, or nil if it never was.
func (f *Factory) UploadBuffer(buffer *resource.Buffer, offset int, content []byte, last *upload.BufferState, next upload.BufferState) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.uploader.UploadBuffer(buffer, offset, content, last, next)
}

// UploadImage copies content into region of image through a staging buffer. The image is
// transitioned from last into device.ImageLayoutTransferDstOptimal for the copy, then into
// next.Layout. content must exactly cover region.
func (f *Factory) UploadImage(image *resource.Image, region upload.ImageRegion, content []byte, last upload.ImageStateOrLayout, next upload.ImageState) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	return f.uploader.UploadImage(image, region, content, last, next)
}
