package epoch

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/factory/device"
)

func TestUsesKeepsMaximumPerQueue(t *testing.T) {
	var uses Uses
	require.True(t, uses.Empty())

	graphics := QueueID{Family: 0, Index: 0}
	transfer := QueueID{Family: 1, Index: 0}

	uses.Record(graphics, 5)
	uses.Record(graphics, 3)
	uses.Record(transfer, 2)

	last, ok := uses.Last(graphics)
	require.True(t, ok)
	require.Equal(t, uint64(5), last)

	last, ok = uses.Last(transfer)
	require.True(t, ok)
	require.Equal(t, uint64(2), last)

	_, ok = uses.Last(QueueID{Family: 0, Index: 1})
	require.False(t, ok)
	require.Len(t, uses.All(), 2)
}

func TestUsesMerge(t *testing.T) {
	var left, right Uses
	left.Record(QueueID{0, 0}, 4)
	right.Record(QueueID{0, 0}, 7)
	right.Record(QueueID{0, 1}, 1)

	left.Merge(&right)

	last, _ := left.Last(QueueID{0, 0})
	require.Equal(t, uint64(7), last)
	last, _ = left.Last(QueueID{0, 1})
	require.Equal(t, uint64(1), last)
}

var completeTestCases = map[string]struct {
	Uses      []Use
	Next      Epochs
	Completed Epochs
	Complete  bool
}{
	"No Uses Are Complete": {
		Next:      Epochs{{0, 0}: 1},
		Completed: Epochs{{0, 0}: 0},
		Complete:  true,
	},
	"Completed Use": {
		Uses:      []Use{{Queue: QueueID{0, 0}, Epoch: 3}},
		Next:      Epochs{{0, 0}: 5},
		Completed: Epochs{{0, 0}: 3},
		Complete:  true,
	},
	"Submitted But Incomplete Use": {
		Uses:      []Use{{Queue: QueueID{0, 0}, Epoch: 4}},
		Next:      Epochs{{0, 0}: 5},
		Completed: Epochs{{0, 0}: 3},
		Complete:  false,
	},
	"Unsubmitted Use Is Held": {
		Uses:      []Use{{Queue: QueueID{0, 0}, Epoch: 5}},
		Next:      Epochs{{0, 0}: 5},
		Completed: Epochs{{0, 0}: 5},
		Complete:  false,
	},
	"One Queue Holds Out": {
		Uses: []Use{
			{Queue: QueueID{0, 0}, Epoch: 2},
			{Queue: QueueID{1, 0}, Epoch: 6},
		},
		Next:      Epochs{{0, 0}: 3, {1, 0}: 7},
		Completed: Epochs{{0, 0}: 2, {1, 0}: 5},
		Complete:  false,
	},
	"Both Queues Done": {
		Uses: []Use{
			{Queue: QueueID{0, 0}, Epoch: 2},
			{Queue: QueueID{1, 0}, Epoch: 6},
		},
		Next:      Epochs{{0, 0}: 3, {1, 0}: 7},
		Completed: Epochs{{0, 0}: 2, {1, 0}: 6},
		Complete:  true,
	},
}

func TestUsesComplete(t *testing.T) {
	for name, testCase := range completeTestCases {
		t.Run(name, func(t *testing.T) {
			var uses Uses
			for _, use := range testCase.Uses {
				uses.Record(use.Queue, use.Epoch)
			}

			require.Equal(t, testCase.Complete, uses.Complete(testCase.Next, testCase.Completed))
		})
	}
}

func TestFenceLifecycle(t *testing.T) {
	fence := NewFence(nil, false)

	state, _ := fence.State()
	require.Equal(t, FenceUnsignaled, state)

	_, err := fence.MarkSignaled()
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	require.NoError(t, fence.Bind(QueueID{1, 0}, 9))
	state, fenceEpoch := fence.State()
	require.Equal(t, FencePending, state)
	require.Equal(t, FenceEpoch{Queue: QueueID{1, 0}, Epoch: 9}, fenceEpoch)

	err = fence.Reset()
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	err = fence.Bind(QueueID{1, 0}, 10)
	require.True(t, errors.Is(err, device.ErrInvalidUsage))

	fenceEpoch, err = fence.MarkSignaled()
	require.NoError(t, err)
	require.Equal(t, uint64(9), fenceEpoch.Epoch)

	// Observing the fence twice reports the same epoch
	fenceEpoch, err = fence.MarkSignaled()
	require.NoError(t, err)
	require.Equal(t, uint64(9), fenceEpoch.Epoch)

	require.NoError(t, fence.Reset())
	state, fenceEpoch = fence.State()
	require.Equal(t, FenceUnsignaled, state)
	require.Equal(t, FenceEpoch{}, fenceEpoch)

	require.NoError(t, fence.Reset())
}

func TestFenceCreatedSignaled(t *testing.T) {
	fence := NewFence(nil, true)

	state, fenceEpoch := fence.State()
	require.Equal(t, FenceSignaled, state)
	require.Equal(t, uint64(0), fenceEpoch.Epoch)

	require.Error(t, fence.Bind(QueueID{0, 0}, 1))
	require.NoError(t, fence.Reset())
	require.NoError(t, fence.Bind(QueueID{0, 0}, 1))
}
