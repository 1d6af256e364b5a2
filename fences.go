package factory

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
	"github.com/vkngwrapper/arsenal/factory/internal/utils"
	"github.com/vkngwrapper/arsenal/factory/resource"
	"golang.org/x/exp/slog"
)

// CreateFence creates a fence. A fence created signaled carries no epoch.
func (f *Factory) CreateFence(signaled bool) (*epoch.Fence, error) {
	exit, err := f.enter()
	if err != nil {
		return nil, err
	}
	defer exit()

	raw, err := f.device.CreateFence(signaled)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fence")
	}
	return epoch.NewFence(raw, signaled), nil
}

// DestroyFence destroys a fence that is not pending
func (f *Factory) DestroyFence(fence *epoch.Fence) error {
	if fence == nil {
		return nil
	}

	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	state, _ := fence.State()
	if state == epoch.FencePending {
		err := device.InvalidUsagef("a pending fence cannot be destroyed before it is observed signaled")
		utils.DebugAssert(err)
		return err
	}

	fence.Raw().Destroy()
	return nil
}

// ResetFence returns a signaled fence to the unsignaled state
func (f *Factory) ResetFence(fence *epoch.Fence) error {
	return f.ResetFences([]*epoch.Fence{fence})
}

// ResetFences returns the provided fences to the unsignaled state. No fence may be pending: the
// epoch a pending fence carries has not been observed yet.
func (f *Factory) ResetFences(fences []*epoch.Fence) error {
	exit, err := f.enter()
	if err != nil {
		return err
	}
	defer exit()

	raw := make([]device.Fence, 0, len(fences))
	for _, fence := range fences {
		if fence == nil {
			return device.InvalidUsagef("attempted to reset a nil fence")
		}

		state, _ := fence.State()
		if state == epoch.FencePending {
			err := device.InvalidUsagef("a pending fence cannot be reset before it is observed signaled")
			utils.DebugAssert(err)
			return err
		}
		raw = append(raw, fence.Raw())
	}

	err = f.device.ResetFences(raw)
	if err != nil {
		return errors.Wrap(err, "failed to reset fences")
	}

	for _, fence := range fences {
		err = fence.Reset()
		if err != nil {
			return errors.AssertionFailedf("fence could not be reset after it was checked: %v", err)
		}
	}
	return nil
}

// fold records that the fence was observed signaled and advances its queue's completed epoch
func (f *Factory) fold(fence *epoch.Fence) error {
	fenceEpoch, err := fence.MarkSignaled()
	if err != nil {
		return err
	}
	if fenceEpoch.Epoch == 0 {
		return nil
	}

	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::fold",
		slog.String("Queue", fenceEpoch.Queue.String()),
		slog.Uint64("Epoch", fenceEpoch.Epoch))
	return f.ledger.Advance(fenceEpoch.Queue, fenceEpoch.Epoch)
}

func waitable(fences []*epoch.Fence) (pending []*epoch.Fence, signaled int, err error) {
	for _, fence := range fences {
		if fence == nil {
			return nil, 0, device.InvalidUsagef("attempted to wait on a nil fence")
		}

		state, _ := fence.State()
		switch state {
		case epoch.FenceUnsignaled:
			err = device.InvalidUsagef("attempted to wait on a fence that was never submitted")
			utils.DebugAssert(err)
			return nil, 0, err
		case epoch.FencePending:
			pending = append(pending, fence)
		case epoch.FenceSignaled:
			signaled++
		}
	}
	return pending, signaled, nil
}

func rawFences(fences []*epoch.Fence) []device.Fence {
	raw := make([]device.Fence, len(fences))
	for i, fence := range fences {
		raw[i] = fence.Raw()
	}
	return raw
}

// WaitForFence blocks until the fence is signaled or timeout elapses. It returns false if the
// timeout elapsed. When the fence is signaled, the completed epoch of the queue it was submitted
// to advances to the epoch it carried. A timeout of zero polls the fence; epoch.WaitForever never
// times out.
func (f *Factory) WaitForFence(fence *epoch.Fence, timeout time.Duration) (bool, error) {
	return f.WaitForFences([]*epoch.Fence{fence}, epoch.WaitAll, timeout)
}

// WaitForFences blocks until any (epoch.WaitAny) or all (epoch.WaitAll) of the fences are signaled,
// or until timeout elapses. It returns false if the timeout elapsed, in which case no epoch
// changes. Every fence found signaled advances the completed epoch of the queue it was submitted to.
func (f *Factory) WaitForFences(fences []*epoch.Fence, policy epoch.WaitPolicy, timeout time.Duration) (bool, error) {
	exit, err := f.enter()
	if err != nil {
		return false, err
	}
	defer exit()

	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::WaitForFences",
		slog.Int("Fences", len(fences)),
		slog.String("Policy", policy.String()),
		slog.Duration("Timeout", timeout))

	pending, signaled, err := waitable(fences)
	if err != nil {
		return false, err
	}

	if len(pending) == 0 {
		return true, nil
	}
	if policy == epoch.WaitAny && signaled > 0 {
		return true, f.foldSignaled(pending)
	}

	ok, err := f.device.WaitForFences(rawFences(pending), policy == epoch.WaitAll, timeout)
	if err != nil {
		return false, errors.Wrap(err, "failed to wait for fences")
	}
	if !ok {
		return false, nil
	}

	if policy == epoch.WaitAll {
		for _, fence := range pending {
			err = errors.CombineErrors(err, f.fold(fence))
		}
		return true, err
	}

	return true, f.foldSignaled(pending)
}

// foldSignaled polls each fence and folds the ones that are signaled. A combined any-wait only
// reports that some fence signaled, so each fence's own status decides.
func (f *Factory) foldSignaled(fences []*epoch.Fence) error {
	var err error
	for _, fence := range fences {
		signaled, statusErr := fence.Raw().Status()
		if statusErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(statusErr, "failed to query fence status"))
			continue
		}
		if signaled {
			err = errors.CombineErrors(err, f.fold(fence))
		}
	}
	return err
}

// Submit submits command buffers to queue and returns the epoch the submission carries. Uploads
// recorded for the queue's family are flushed first, so they execute before the command buffers.
// Every resource the command buffers reference should be passed in uses: each is recorded as used
// by the returned epoch, so it may be destroyed as soon as Submit returns. The fence, if not nil,
// must be unsignaled: it is bound to the returned epoch once the device accepts the submission,
// and waiting on it advances the queue's completed epoch.
func (f *Factory) Submit(queue epoch.QueueID, commandBuffers []device.CommandBuffer, fence *epoch.Fence, uses ...resource.Resource) (uint64, error) {
	exit, err := f.enter()
	if err != nil {
		return 0, err
	}
	defer exit()

	e, err := f.uploader.Submit(queue, commandBuffers, fence, uses...)
	if err != nil {
		return 0, err
	}

	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "Factory::Submit",
		slog.String("Queue", queue.String()),
		slog.Uint64("Epoch", e),
		slog.Int("CommandBuffers", len(commandBuffers)),
		slog.Int("Uses", len(uses)))
	return e, nil
}
