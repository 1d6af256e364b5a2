// Package factory manages the lifetime of device resources. A Factory allocates buffers and images
// from device memory heaps, streams host content into them through staging uploads, and frees them
// once every queue that used them has been observed, through a fence, to finish the work that
// referenced them.
//
// Every submission to a queue carries an epoch. Resources record the latest epoch at which each
// queue used them, and a destroyed resource is only released once the completed epoch of every
// one of those queues has caught up.
package factory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/heap"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"github.com/vkngwrapper/arsenal/factory/upload"
	"golang.org/x/exp/slog"
)

// CreateOptions configures a Factory
type CreateOptions struct {
	// Heap configures the device memory allocator
	Heap heap.CreateOptions
	// QueueFamilies lists the indices of the queue families the factory manages. If it is empty,
	// every queue family of the device is managed.
	QueueFamilies []int
}

// Factory owns the heap allocator, the resource registry, the epoch ledger and the uploader for one
// device. All of its methods may be called concurrently.
type Factory struct {
	logger *slog.Logger
	device device.Device

	heap      *heap.Allocator
	resources *resource.Registry
	ledger    *epoch.Ledger
	uploader  *upload.Uploader

	lifetime  sync.RWMutex
	destroyed bool
}

func selectFamilies(props *device.Properties, indices []int) ([]device.QueueFamily, error) {
	if len(indices) == 0 {
		return props.QueueFamilies, nil
	}

	families := make([]device.QueueFamily, 0, len(indices))
	for _, index := range indices {
		family, ok := props.QueueFamily(index)
		if !ok {
			return nil, device.InvalidUsagef("queue family %d does not exist on device %s", index, props.DeviceName)
		}
		families = append(families, family)
	}
	return families, nil
}

// New creates a factory for the provided device. The device must outlive the factory, and
// must not be destroyed before Factory.Destroy has returned.
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*Factory, error) {
	if logger == nil {
		return nil, errors.New("attempted to create a factory with a nil logger")
	} else if dev == nil {
		return nil, errors.New("attempted to create a factory with a nil device")
	}

	props := dev.Properties()
	logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::New",
		slog.String("Device", props.DeviceName),
		slog.Int("MemoryTypes", len(props.Memory.MemoryTypes)),
		slog.Int("MemoryHeaps", len(props.Memory.MemoryHeaps)))

	families, err := selectFamilies(props, options.QueueFamilies)
	if err != nil {
		return nil, err
	}

	ledger, err := epoch.NewLedger(families)
	if err != nil {
		return nil, err
	}

	allocator, err := heap.New(logger, dev, props, options.Heap)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create heap allocator")
	}

	registry := resource.NewRegistry(logger, dev, allocator)

	return &Factory{
		logger:    logger,
		device:    dev,
		heap:      allocator,
		resources: registry,
		ledger:    ledger,
		uploader:  upload.New(logger, dev, registry, ledger),
	}, nil
}

// enter blocks Destroy until the returned function is called. It fails if the factory has already
// been destroyed.
func (f *Factory) enter() (func(), error) {
	f.lifetime.RLock()
	if f.destroyed {
		f.lifetime.RUnlock()
		return nil, device.InvalidUsagef("attempted to use a destroyed factory")
	}
	return f.lifetime.RUnlock, nil
}

// Device returns the device the factory was created for
func (f *Factory) Device() device.Device {
	return f.device
}

// Families returns the queue families managed by the factory
func (f *Factory) Families() []device.QueueFamily {
	return f.ledger.Families()
}

// Heap returns the factory's device memory allocator
func (f *Factory) Heap() *heap.Allocator {
	return f.heap
}

// Counts returns the number of resources of each kind that are held by the factory
func (f *Factory) Counts() resource.Counts {
	return f.resources.Counts()
}

// StagingCount returns the number of staging buffers held by uploads that have not been observed
// to complete
func (f *Factory) StagingCount() int {
	return f.uploader.StagingCount()
}

// NextEpoch returns the epoch the next submission to the queue will carry
func (f *Factory) NextEpoch(queue epoch.QueueID) (uint64, error) {
	return f.ledger.Next(queue)
}

// CompletedEpoch returns the latest epoch known to have completed on the queue
func (f *Factory) CompletedEpoch(queue epoch.QueueID) (uint64, error) {
	return f.ledger.Completed(queue)
}

// Flush observes completed uploads on the queue family and submits the uploads that have been
// recorded for it since it was last flushed. Call it before submitting work to the family without
// going through Factory.Submit.
func (f *Factory) Flush(family int) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	_, err = f.uploader.Cleanup(family)
	if err != nil {
		return err
	}
	return f.uploader.Flush(family)
}

// Cleanup observes completed uploads and releases every destroyed resource whose uses have all
// completed. It never blocks on the device. It returns the number of resources released.
func (f *Factory) Cleanup() (int, error) {
	exit, err := f.enter()
	if err != nil {
		return 0, err
	}
	defer exit()

	for _, family := range f.ledger.Families() {
		_, familyErr := f.uploader.Cleanup(family.Index)
		err = errors.CombineErrors(err, familyErr)
	}

	freed := f.resources.Cleanup(f.ledger.NextEpochs(), f.ledger.CompletedEpochs())
	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::Cleanup",
		slog.Int("Freed", freed),
		slog.Int("Pending", f.resources.PendingCount()))

	return freed, err
}

// WaitIdle blocks until the device has finished all submitted work, then folds every completed
// upload into the ledger and releases the destroyed resources whose uses are known to be complete.
// Submissions made without a fence, or whose fence was never waited on, are not known to be
// complete: resources they used stay pending until a later wait covers their epoch.
func (f *Factory) WaitIdle() error {
	err := f.device.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "failed to wait for the device to become idle")
	}

	_, err = f.Cleanup()
	return err
}

// BuildStatsString returns a JSON document describing the factory's device memory
func (f *Factory) BuildStatsString(detailed bool) string {
	return f.heap.BuildStatsString(detailed)
}

// Destroy waits for the device to become idle, then releases every upload resource, every
// resource and every block of device memory. Resources that were never destroyed are released
// with a warning. Destroy does not destroy the device.
func (f *Factory) Destroy() error {
	f.lifetime.Lock()
	defer f.lifetime.Unlock()

	if f.destroyed {
		return device.InvalidUsagef("factory destroyed twice")
	}
	f.destroyed = true

	f.logger.Debug("Factory::Destroy")

	err := f.device.WaitIdle()
	if err != nil {
		err = errors.Wrap(err, "failed to wait for the device to become idle")
	}

	err = errors.CombineErrors(err, f.uploader.Dispose())
	err = errors.CombineErrors(err, f.resources.Dispose())
	err = errors.CombineErrors(err, f.heap.Destroy())
	return err
}
