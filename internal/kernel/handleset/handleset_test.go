package handleset_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/handleset"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newHarness(t *testing.T) (*handleset.Manager, *handle.Table, *sched.Scheduler) {
	t.Helper()
	ht, err := handle.New(klog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ht.Close() })

	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 2
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)

	return handleset.New(ht, futex.New(), klog.Discard()), ht, s
}

const (
	bitReadable uint64 = 1 << iota
	bitWritable
)

func TestWaitReturnsAlreadyPendingSubscriptionImmediately(t *testing.T) {
	m, ht, _ := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	require.NoError(t, ht.MarkActivity(target, bitReadable))

	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable, "ctx"))

	events := make([]handleset.Event, 4)
	n, err := set.Wait(events, 0, time.Time{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, target, events[0].Handle)
	require.Equal(t, "ctx", events[0].Data)
	require.Equal(t, bitReadable, events[0].Bits)
}

func TestWaitNonBlockingNoneReadyIsWouldBlock(t *testing.T) {
	m, ht, _ := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable, nil))

	events := make([]handleset.Event, 4)
	_, err = set.Wait(events, 0, time.Time{}, nil)
	require.Equal(t, kerrors.WouldBlock, kerrors.CodeOf(err))
}

func TestWaitBlocksUntilMarkActivity(t *testing.T) {
	m, ht, s := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable, nil))

	results := make(chan int, 1)
	th, err := s.Create(0, 1, func(thread *sched.Thread) {
		events := make([]handleset.Event, 4)
		n, werr := set.Wait(events, 0, time.Time{}, thread)
		require.NoError(t, werr)
		results <- n
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ht.MarkActivity(target, bitReadable))
	require.NoError(t, th.Join())
	require.Equal(t, 1, <-results)
}

func TestEdgeSemanticsClearsPollMaskBitsOnly(t *testing.T) {
	m, ht, _ := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	require.NoError(t, ht.MarkActivity(target, bitReadable|bitWritable))

	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable|bitWritable, nil))

	events := make([]handleset.Event, 4)
	n, err := set.Wait(events, bitReadable, time.Time{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	bits, err := ht.PendingBits(target)
	require.NoError(t, err)
	require.Equal(t, bitWritable, bits, "poll_mask bit cleared, level bit remains")
}

func TestCtrlRemoveUnsubscribes(t *testing.T) {
	m, ht, _ := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable, nil))
	require.NoError(t, set.Ctrl(handleset.Remove, target, 0, nil))

	require.NoError(t, ht.MarkActivity(target, bitReadable))
	events := make([]handleset.Event, 4)
	_, err = set.Wait(events, 0, time.Time{}, nil)
	require.Equal(t, kerrors.WouldBlock, kerrors.CodeOf(err))
}

func TestCtrlAddDuplicateIsAlreadyExists(t *testing.T) {
	m, ht, _ := newHarness(t)
	target := ht.Create(0x1, struct{}{}, nil)
	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, target, bitReadable, nil))

	err = set.Ctrl(handleset.Add, target, bitReadable, nil)
	require.Equal(t, kerrors.AlreadyExists, kerrors.CodeOf(err))
}

func TestReadyListRotatesAcrossCalls(t *testing.T) {
	m, ht, _ := newHarness(t)
	a := ht.Create(0x1, struct{}{}, nil)
	b := ht.Create(0x1, struct{}{}, nil)
	require.NoError(t, ht.MarkActivity(a, bitReadable))
	require.NoError(t, ht.MarkActivity(b, bitReadable))

	_, set, err := m.Create(0)
	require.NoError(t, err)
	require.NoError(t, set.Ctrl(handleset.Add, a, bitReadable, "a"))
	require.NoError(t, set.Ctrl(handleset.Add, b, bitReadable, "b"))

	events := make([]handleset.Event, 1)
	n, err := set.Wait(events, bitReadable, time.Time{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	first := events[0].Data

	require.NoError(t, ht.MarkActivity(a, bitReadable))
	require.NoError(t, ht.MarkActivity(b, bitReadable))
	n, err = set.Wait(events, bitReadable, time.Time{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotEqual(t, first, events[0].Data, "rotation must give the other subscription first look next time")
}
