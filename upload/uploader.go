// Package upload moves host content into device resources through host-visible staging buffers.
// Each queue family has its own staging state and command pool: uploads are recorded into a
// command buffer of the queue that will use the destination, submitted once per flush and tracked
// until their fence signals.
package upload

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/heap"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"golang.org/x/exp/slog"
)

const minStagingAlignment = 256

// Uploader owns the staging state of every queue family
type Uploader struct {
	logger   *slog.Logger
	device   device.Device
	registry *resource.Registry
	ledger   *epoch.Ledger

	stagingAlignment int
	stagingCount     atomic.Int32

	families map[int]*familyUploads
}

// New creates an uploader for every queue family in the ledger
func New(logger *slog.Logger, dev device.Device, registry *resource.Registry, ledger *epoch.Ledger) *Uploader {
	uploader := &Uploader{
		logger:           logger,
		device:           dev,
		registry:         registry,
		ledger:           ledger,
		stagingAlignment: minStagingAlignment,
		families:         make(map[int]*familyUploads),
	}

	copyAlignment := dev.Properties().Limits.OptimalBufferCopyOffsetAlignment
	if copyAlignment > uploader.stagingAlignment {
		uploader.stagingAlignment = copyAlignment
	}

	for _, family := range ledger.Families() {
		uploader.families[family.Index] = newFamilyUploads(uploader, family)
	}

	return uploader
}

func (u *Uploader) family(queue epoch.QueueID) (*familyUploads, error) {
	err := u.ledger.Validate(queue)
	if err != nil {
		return nil, err
	}

	return u.families[queue.Family], nil
}

// StagingCount returns the number of staging buffers held by the uploader: staged content that has
// not been flushed, or has been flushed and has not yet been observed to complete
func (u *Uploader) StagingCount() int {
	return int(u.stagingCount.Load())
}

func (u *Uploader) createStaging(content []byte) (*resource.Buffer, error) {
	staging, err := u.registry.CreateBuffer(resource.BufferCreateInfo{
		Size:        len(content),
		Alignment:   u.stagingAlignment,
		Usage:       device.BufferUsageTransferSrc,
		MemoryUsage: heap.UsageUpload,
	})
	if errors.Is(err, device.ErrFeatureNotPresent) {
		return nil, errors.Wrap(err, "the device has no host-visible memory to stage uploads in")
	} else if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}

	err = staging.Write(0, content)
	if err != nil {
		_ = u.registry.Destroy(staging)
		return nil, err
	}

	u.stagingCount.Add(1)
	return staging, nil
}

func (u *Uploader) destroyStaging(staging *resource.Buffer) {
	err := u.registry.Destroy(staging)
	if err != nil {
		u.logger.LogAttrs(context.Background(), slog.LevelError, "failed to destroy staging buffer", slog.Any("error", err))
	}
	u.stagingCount.Add(-1)
}

// UploadBuffer copies content into buffer at offset. The copy is recorded for the queue in next and
// runs when that queue's family is flushed. The buffer is made available to next's stages and
// accesses once the copy completes. last, if not nil, is how the buffer was used before the upload;
// a nil last means the buffer has not been used by the device.
func (u *Uploader) UploadBuffer(buffer *resource.Buffer, offset int, content []byte, last *BufferState, next BufferState) error {
	u.logger.LogAttrs(context.Background(), slog.LevelDebug, "Uploader::UploadBuffer",
		slog.Int("Offset", offset),
		slog.Int("Size", len(content)),
		slog.String("Queue", next.Queue.String()))

	if buffer == nil {
		return device.InvalidUsagef("attempted to upload to a nil buffer")
	}
	if len(content) == 0 {
		return device.InvalidUsagef("attempted to upload no content")
	}
	if offset < 0 || offset+len(content) > buffer.Size() {
		return device.InvalidUsagef("upload of %d bytes at offset %d does not fit in a buffer of %d bytes",
			len(content), offset, buffer.Size())
	}
	if buffer.Usage()&device.BufferUsageTransferDst == 0 {
		return device.InvalidUsagef("buffer %d was not created with device.BufferUsageTransferDst", buffer.ID())
	}

	family, err := u.family(next.Queue)
	if err != nil {
		return err
	}

	staging, err := u.createStaging(content)
	if err != nil {
		return err
	}

	err = family.recordBufferUpload(buffer, offset, staging, last, next)
	if err != nil {
		u.destroyStaging(staging)
		return err
	}
	return nil
}

func (u *Uploader) validateImageRegion(image *resource.Image, region ImageRegion, contentSize int) error {
	info := image.Info()
	desc := image.FormatDesc()
	layers := region.Layers

	if layers.AspectMask != desc.Aspects {
		return device.InvalidUsagef("upload aspects %s do not match the aspects %s of format %s",
			layers.AspectMask, desc.Aspects, info.Format)
	}
	if layers.LayerCount < 1 || layers.BaseArrayLayer < 0 || layers.BaseArrayLayer+layers.LayerCount > info.ArrayLayers {
		return device.InvalidUsagef("upload layers %d+%d are outside of the image's %d layers",
			layers.BaseArrayLayer, layers.LayerCount, info.ArrayLayers)
	}
	if layers.MipLevel < 0 || layers.MipLevel >= info.MipLevels {
		return device.InvalidUsagef("upload mip level %d is outside of the image's %d levels", layers.MipLevel, info.MipLevels)
	}

	extent := region.Extent
	if extent.Width < 1 || extent.Height < 1 || extent.Depth < 1 {
		return device.InvalidUsagef("upload extent %+v is empty", extent)
	}
	if region.Offset.X%desc.BlockWidth != 0 || region.Offset.Y%desc.BlockHeight != 0 {
		return device.InvalidUsagef("upload offset %+v is not aligned to the %dx%d blocks of format %s",
			region.Offset, desc.BlockWidth, desc.BlockHeight, info.Format)
	}

	mipWidth := max(info.Extent.Width>>layers.MipLevel, 1)
	mipHeight := max(info.Extent.Height>>layers.MipLevel, 1)
	mipDepth := max(info.Extent.Depth>>layers.MipLevel, 1)
	if region.Offset.X < 0 || region.Offset.Y < 0 || region.Offset.Z < 0 ||
		region.Offset.X+extent.Width > mipWidth || region.Offset.Y+extent.Height > mipHeight ||
		region.Offset.Z+extent.Depth > mipDepth {
		return device.InvalidUsagef("upload region %+v at %+v is outside of mip level %d", extent, region.Offset, layers.MipLevel)
	}

	dataExtent := device.Extent3D{Width: extent.Width, Height: extent.Height, Depth: extent.Depth}
	if region.DataWidth != 0 {
		if region.DataWidth < extent.Width {
			return device.InvalidUsagef("data width %d is smaller than the upload width %d", region.DataWidth, extent.Width)
		}
		dataExtent.Width = region.DataWidth
	}
	if region.DataHeight != 0 {
		if region.DataHeight < extent.Height {
			return device.InvalidUsagef("data height %d is smaller than the upload height %d", region.DataHeight, extent.Height)
		}
		dataExtent.Height = region.DataHeight
	}

	expected := desc.BlockCount(dataExtent) * desc.BlockSize() * layers.LayerCount
	if contentSize != expected {
		return device.InvalidUsagef("content of %d bytes does not match the %d bytes of the image region", contentSize, expected)
	}
	return nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// UploadImage copies content into region of image. The copy is recorded for the queue in next and
// runs when that queue's family is flushed. The image is transitioned out of last before the copy
// and into next's layout after it. The content must cover the region exactly.
func (u *Uploader) UploadImage(image *resource.Image, region ImageRegion, content []byte, last ImageStateOrLayout, next ImageState) error {
	u.logger.LogAttrs(context.Background(), slog.LevelDebug, "Uploader::UploadImage",
		slog.Int("Size", len(content)),
		slog.String("Layout", next.Layout.String()),
		slog.String("Queue", next.Queue.String()))

	if image == nil {
		return device.InvalidUsagef("attempted to upload to a nil image")
	}
	if image.Info().Usage&device.ImageUsageTransferDst == 0 {
		return device.InvalidUsagef("image %d was not created with device.ImageUsageTransferDst", image.ID())
	}

	err := u.validateImageRegion(image, region, len(content))
	if err != nil {
		return err
	}

	family, err := u.family(next.Queue)
	if err != nil {
		return err
	}

	staging, err := u.createStaging(content)
	if err != nil {
		return err
	}

	err = family.recordImageUpload(image, region, staging, last, next)
	if err != nil {
		u.destroyStaging(staging)
		return err
	}
	return nil
}

// Flush submits the uploads recorded for every queue of the family
func (u *Uploader) Flush(family int) error {
	uploads, ok := u.families[family]
	if !ok {
		return device.InvalidUsagef("queue family %d is not managed by the uploader", family)
	}

	uploads.mutex.Lock()
	defer uploads.mutex.Unlock()

	return uploads.flush()
}

// Cleanup polls the fences of the family's submitted uploads without blocking. Every upload whose
// fence has signaled advances its queue's completed epoch and gives up its staging buffer.
// Cleanup returns the number of submissions found complete.
func (u *Uploader) Cleanup(family int) (int, error) {
	uploads, ok := u.families[family]
	if !ok {
		return 0, device.InvalidUsagef("queue family %d is not managed by the uploader", family)
	}

	uploads.mutex.Lock()
	defer uploads.mutex.Unlock()

	return uploads.cleanup()
}

// Submit submits command buffers to queue after flushing the uploads of the queue's family, so that
// uploads recorded before the call execute before the command buffers. It returns the epoch the
// submission carries. Each of uses is recorded as used by that epoch before the command buffers
// reach the device. The fence, if not nil, must be unsignaled and is bound to that epoch once the
// device accepts the submission.
func (u *Uploader) Submit(queue epoch.QueueID, commandBuffers []device.CommandBuffer, fence *epoch.Fence, uses ...resource.Resource) (uint64, error) {
	family, err := u.family(queue)
	if err != nil {
		return 0, err
	}

	family.mutex.Lock()
	defer family.mutex.Unlock()

	err = family.flush()
	if err != nil {
		return 0, err
	}

	return family.submit(queue, commandBuffers, fence, uses)
}

// Dispose releases every command buffer, fence and staging buffer. The device must be idle.
func (u *Uploader) Dispose() error {
	u.logger.Debug("Uploader::Dispose")

	var err error
	for _, family := range u.families {
		family.mutex.Lock()
		err = errors.CombineErrors(err, family.dispose())
		family.mutex.Unlock()
	}
	return err
}
