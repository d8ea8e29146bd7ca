package sched_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 1
	cfg.PriorityTiers = 4
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)
	return s
}

func TestCreateRejectsOutOfRangeParams(t *testing.T) {
	s := newScheduler(t)
	_, err := s.Create(5, 0, func(*sched.Thread) {})
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))

	_, err = s.Create(0, 99, func(*sched.Thread) {})
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))
}

func TestJoinWaitsForCompletion(t *testing.T) {
	s := newScheduler(t)
	var ran bool
	th, err := s.Create(0, 1, func(*sched.Thread) { ran = true })
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.True(t, ran)
}

func TestDetachedThreadRejectsJoin(t *testing.T) {
	s := newScheduler(t)
	th, err := s.Create(0, 1, func(*sched.Thread) {})
	require.NoError(t, err)
	th.Detach()
	err = th.Join()
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))
}

func TestSignalSetsCancelFlagObservedByThread(t *testing.T) {
	s := newScheduler(t)
	seen := make(chan bool, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		t.Yield()
		seen <- t.IsCancelled()
	})
	require.NoError(t, err)
	th.Signal()
	require.NoError(t, th.Join())
	require.True(t, <-seen)
}

func TestSleepActuallySuspends(t *testing.T) {
	s := newScheduler(t)
	start := time.Now()
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		t.Sleep(20 * time.Millisecond)
	})
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPrepareWakeSuspendRoundTrip(t *testing.T) {
	s := newScheduler(t)
	var mu sync.Mutex
	var woke bool

	th, err := s.Create(0, 1, func(t *sched.Thread) {
		ch := t.PrepareWake()
		reason := t.Suspend(ch, time.Time{})
		mu.Lock()
		woke = reason == sched.WakeWoken
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return th.State() == sched.StateBlocked
	}, time.Second, time.Millisecond)

	th.Wake(sched.WakeWoken)
	require.NoError(t, th.Join())

	mu.Lock()
	defer mu.Unlock()
	require.True(t, woke)
}

func TestSuspendTimesOutWithoutWake(t *testing.T) {
	s := newScheduler(t)
	result := make(chan sched.WakeReason, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		ch := t.PrepareWake()
		result <- t.Suspend(ch, time.Now().Add(10*time.Millisecond))
	})
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.Equal(t, sched.WakeTimeout, <-result)
}
