package resource

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/heap"
	"github.com/vkngwrapper/arsenal/memutils"
	"golang.org/x/exp/slog"
)

// Registry creates resources, tracks the epochs at which work used them and frees them once that
// work is known to be complete.
//
// Creation and cleanup never wait on each other: the catalogue and the destroy queue have separate
// locks, and Cleanup holds the destroy queue's lock for its whole pass.
type Registry struct {
	logger *slog.Logger
	device device.Device
	heap   *heap.Allocator

	nextID atomic.Uint64

	catalogueMutex sync.Mutex
	catalogue      *swiss.Map[ID, Resource]
	counts         [kindCount]int

	destroyMutex sync.Mutex
	destroyQueue []Resource
}

// NewRegistry creates a registry that creates resources on dev and places their memory with
// allocator
func NewRegistry(logger *slog.Logger, dev device.Device, allocator *heap.Allocator) *Registry {
	return &Registry{
		logger:    logger,
		device:    dev,
		heap:      allocator,
		catalogue: swiss.NewMap[ID, Resource](64),
	}
}

func (r *Registry) newTracking(kind Kind) tracking {
	return tracking{
		id:   ID(r.nextID.Add(1)),
		kind: kind,
	}
}

func (r *Registry) register(res Resource) {
	r.catalogueMutex.Lock()
	defer r.catalogueMutex.Unlock()

	r.catalogue.Put(res.ID(), res)
	r.counts[res.Kind()]++
}

func (r *Registry) unregister(res Resource) {
	r.catalogueMutex.Lock()
	defer r.catalogueMutex.Unlock()

	if !r.catalogue.Delete(res.ID()) {
		panic(errors.AssertionFailedf("%s %d was released but was not in the catalogue", res.Kind(), res.ID()))
	}
	r.counts[res.Kind()]--
}

func memoryAlignment(required, requested int) (int, error) {
	if requested < 0 {
		return 0, device.InvalidUsagef("alignment %d is negative", requested)
	}
	err := memutils.CheckPow2(requested, "requested alignment")
	if err != nil {
		return 0, errors.Mark(err, device.ErrInvalidUsage)
	}
	if requested > required {
		return requested, nil
	}
	return required, nil
}

// CreateBuffer creates a buffer and binds it to newly allocated memory
func (r *Registry) CreateBuffer(info BufferCreateInfo) (*Buffer, error) {
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::CreateBuffer",
		slog.Int("Size", info.Size),
		slog.String("Usage", info.Usage.String()),
		slog.String("MemoryUsage", info.MemoryUsage.String()))

	if info.Size < 1 {
		return nil, device.InvalidUsagef("buffer size %d is not a positive integer", info.Size)
	}

	raw, err := r.device.CreateBuffer(device.BufferInfo{Size: info.Size, Usage: info.Usage})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer")
	}

	requirements := raw.MemoryRequirements()
	requirements.Alignment, err = memoryAlignment(requirements.Alignment, info.Alignment)
	if err != nil {
		raw.Destroy()
		return nil, err
	}

	allocation, err := r.heap.AllocateForBuffer(requirements, info.MemoryUsage)
	if err != nil {
		raw.Destroy()
		return nil, errors.Wrapf(err, "failed to allocate memory for a buffer of %d bytes", info.Size)
	}

	err = raw.BindMemory(allocation.Memory(), allocation.Offset())
	if err != nil {
		raw.Destroy()
		_ = r.heap.Free(allocation)
		return nil, errors.Wrap(err, "failed to bind buffer memory")
	}

	buffer := &Buffer{
		tracking:   r.newTracking(KindBuffer),
		raw:        raw,
		info:       info,
		allocation: allocation,
	}
	r.register(buffer)

	return buffer, nil
}

// CreateImage creates an image and binds it to newly allocated memory
func (r *Registry) CreateImage(info ImageCreateInfo) (*Image, error) {
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::CreateImage",
		slog.String("Format", info.Info.Format.String()),
		slog.Int("Width", info.Info.Extent.Width),
		slog.Int("Height", info.Info.Extent.Height),
		slog.String("Usage", info.Info.Usage.String()))

	desc, ok := info.Info.Format.Desc()
	if !ok {
		return nil, device.InvalidUsagef("image format %d is not supported", info.Info.Format)
	}

	raw, err := r.device.CreateImage(info.Info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image")
	}

	requirements := raw.MemoryRequirements()
	requirements.Alignment, err = memoryAlignment(requirements.Alignment, info.Alignment)
	if err != nil {
		raw.Destroy()
		return nil, err
	}

	allocation, err := r.heap.AllocateForImage(requirements, info.Info.Tiling, info.MemoryUsage)
	if err != nil {
		raw.Destroy()
		return nil, errors.Wrapf(err, "failed to allocate memory for a %s image", info.Info.Format)
	}

	err = raw.BindMemory(allocation.Memory(), allocation.Offset())
	if err != nil {
		raw.Destroy()
		_ = r.heap.Free(allocation)
		return nil, errors.Wrap(err, "failed to bind image memory")
	}

	image := &Image{
		tracking:   r.newTracking(KindImage),
		raw:        raw,
		info:       info,
		desc:       desc,
		allocation: allocation,
	}
	r.register(image)

	return image, nil
}

// CreateImageView creates a view of a live image
func (r *Registry) CreateImageView(image *Image, info device.ImageViewInfo) (*ImageView, error) {
	r.logger.Debug("Registry::CreateImageView")

	if image == nil {
		return nil, device.InvalidUsagef("attempted to create a view of a nil image")
	}

	err := image.addView()
	if err != nil {
		return nil, err
	}

	raw, err := r.device.CreateImageView(image.raw, info)
	if err != nil {
		image.removeView()
		return nil, errors.Wrap(err, "failed to create image view")
	}

	view := &ImageView{
		tracking: r.newTracking(KindImageView),
		raw:      raw,
		info:     info,
		image:    image,
	}
	r.register(view)

	return view, nil
}

func (r *Registry) CreateSampler(info device.SamplerInfo) (*Sampler, error) {
	r.logger.Debug("Registry::CreateSampler")

	raw, err := r.device.CreateSampler(info)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sampler")
	}

	sampler := &Sampler{
		tracking: r.newTracking(KindSampler),
		raw:      raw,
		info:     info,
	}
	r.register(sampler)

	return sampler, nil
}

// Lookup finds a resource that has not been freed by its ID
func (r *Registry) Lookup(id ID) (Resource, bool) {
	r.catalogueMutex.Lock()
	defer r.catalogueMutex.Unlock()

	return r.catalogue.Get(id)
}

// RecordUse notes that work submitted to queue at epoch e references the resource. Each queue
// keeps the greatest epoch it was recorded with. Using an image view also uses its image.
func (r *Registry) RecordUse(res Resource, queue epoch.QueueID, e uint64) error {
	if res == nil {
		return device.InvalidUsagef("attempted to record a use of a nil resource")
	}

	err := res.base().recordUse(queue, e)
	if err != nil {
		return err
	}

	if view, isView := res.(*ImageView); isView {
		return view.image.recordUse(queue, e)
	}
	return nil
}

// ExtendUse raises the use of a resource by work that was recorded while the resource was live and
// is only now being submitted. Unlike RecordUse it accepts resources that have been destroyed since
// the work was recorded: they cannot have been freed, since the recorded work held them.
func (r *Registry) ExtendUse(res Resource, queue epoch.QueueID, e uint64) error {
	if res == nil {
		return device.InvalidUsagef("attempted to record a use of a nil resource")
	}

	t := res.base()
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state == StateFreed {
		return errors.AssertionFailedf("%s %d was freed while recorded work still referenced it", t.kind, t.id)
	}
	t.uses.Record(queue, e)
	return nil
}

// Destroy marks the resource destroyed. A resource that was never used by submitted work is freed
// immediately; any other resource is freed by a later Cleanup. Destroying a resource twice is an
// error.
func (r *Registry) Destroy(res Resource) error {
	if res == nil {
		return device.InvalidUsagef("attempted to destroy a nil resource")
	}

	t := res.base()
	t.mutex.Lock()
	if t.state != StateLive {
		t.mutex.Unlock()
		return device.InvalidUsagef("%s %d was destroyed twice", t.kind, t.id)
	}
	t.state = StateDestroyed
	immediate := t.uses.Empty() && !res.blocked()
	t.mutex.Unlock()

	if immediate {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::Destroy freed unused resource",
			slog.String("Kind", t.kind.String()),
			slog.Uint64("ID", uint64(t.id)))
		return r.free(res)
	}

	r.destroyMutex.Lock()
	defer r.destroyMutex.Unlock()

	r.destroyQueue = append(r.destroyQueue, res)
	return nil
}

func (r *Registry) DestroyBuffer(buffer *Buffer) error {
	if buffer == nil {
		return device.InvalidUsagef("attempted to destroy a nil buffer")
	}
	return r.Destroy(buffer)
}

func (r *Registry) DestroyImage(image *Image) error {
	if image == nil {
		return device.InvalidUsagef("attempted to destroy a nil image")
	}
	return r.Destroy(image)
}

func (r *Registry) DestroyImageView(view *ImageView) error {
	if view == nil {
		return device.InvalidUsagef("attempted to destroy a nil image view")
	}
	return r.Destroy(view)
}

func (r *Registry) DestroySampler(sampler *Sampler) error {
	if sampler == nil {
		return device.InvalidUsagef("attempted to destroy a nil sampler")
	}
	return r.Destroy(sampler)
}

func (r *Registry) free(res Resource) error {
	t := res.base()
	t.mutex.Lock()
	t.state = StateFreed
	t.mutex.Unlock()

	err := res.release(r)
	r.unregister(res)
	return err
}

func reclaimable(res Resource, next, completed epoch.Epochs) bool {
	t := res.base()
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.uses.Complete(next, completed) && !res.blocked()
}

// Cleanup frees every destroyed resource whose uses have all completed: for each queue that used
// it, completed has reached the epoch of its last use. Uses at or beyond next belong to work that
// has not been submitted yet and always keep the resource alive. Cleanup returns the number of
// resources it freed.
func (r *Registry) Cleanup(next, completed epoch.Epochs) int {
	r.destroyMutex.Lock()
	defer r.destroyMutex.Unlock()

	freed := 0
	for {
		progress := false
		remaining := r.destroyQueue[:0]

		for _, res := range r.destroyQueue {
			if !reclaimable(res, next, completed) {
				remaining = append(remaining, res)
				continue
			}

			err := r.free(res)
			if err != nil {
				r.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release resource",
					slog.String("Kind", res.Kind().String()),
					slog.Uint64("ID", uint64(res.ID())),
					slog.Any("error", err))
			}
			freed++
			progress = true
		}

		for i := len(remaining); i < len(r.destroyQueue); i++ {
			r.destroyQueue[i] = nil
		}
		r.destroyQueue = remaining

		// Freeing a view may have released the last hold on an image earlier in the queue
		if !progress || len(r.destroyQueue) == 0 {
			break
		}
	}

	if freed > 0 {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "Registry::Cleanup",
			slog.Int("Freed", freed),
			slog.Int("Pending", len(r.destroyQueue)))
	}
	return freed
}

// Counts returns the number of resources of each kind that have not been freed
func (r *Registry) Counts() Counts {
	r.destroyMutex.Lock()
	pending := len(r.destroyQueue)
	r.destroyMutex.Unlock()

	r.catalogueMutex.Lock()
	defer r.catalogueMutex.Unlock()

	return Counts{
		Buffers:    r.counts[KindBuffer],
		Images:     r.counts[KindImage],
		ImageViews: r.counts[KindImageView],
		Samplers:   r.counts[KindSampler],
		Pending:    pending,
	}
}

// LiveCount returns the number of resources that have not been destroyed
func (r *Registry) LiveCount() int {
	counts := r.Counts()
	return counts.Buffers + counts.Images + counts.ImageViews + counts.Samplers - counts.Pending
}

// PendingCount returns the number of destroyed resources waiting to be freed
func (r *Registry) PendingCount() int {
	r.destroyMutex.Lock()
	defer r.destroyMutex.Unlock()

	return len(r.destroyQueue)
}

var disposeOrder = []Kind{KindImageView, KindSampler, KindBuffer, KindImage}

// Dispose frees every resource the registry holds, whether or not it was destroyed or its work
// completed. It may only be called once the device is idle.
func (r *Registry) Dispose() error {
	r.logger.Debug("Registry::Dispose")

	r.destroyMutex.Lock()
	defer r.destroyMutex.Unlock()

	var remaining [kindCount][]Resource
	r.catalogueMutex.Lock()
	r.catalogue.Iter(func(id ID, res Resource) bool {
		remaining[res.Kind()] = append(remaining[res.Kind()], res)
		return false
	})
	r.catalogueMutex.Unlock()

	var err error
	for _, kind := range disposeOrder {
		for _, res := range remaining[kind] {
			if res.State() == StateLive {
				r.logger.LogAttrs(context.Background(), slog.LevelWarn, "resource was never destroyed",
					slog.String("Kind", kind.String()),
					slog.Uint64("ID", uint64(res.ID())))
			}

			err = errors.CombineErrors(err, r.free(res))
		}
	}

	r.destroyQueue = nil
	return err
}
