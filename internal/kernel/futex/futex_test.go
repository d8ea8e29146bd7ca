package futex_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 2
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)
	return s
}

func TestFutexWaitMismatchReturnsImmediately(t *testing.T) {
	s := newScheduler(t)
	f := futex.New()
	var word int32 = 5

	done := make(chan error, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		done <- f.Wait(&word, 99, time.Time{}, t)
	})
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.NoError(t, <-done)
}

func TestFutexWaitWakeRoundTrip(t *testing.T) {
	s := newScheduler(t)
	f := futex.New()
	var word int32

	th, err := s.Create(0, 1, func(t *sched.Thread) {
		_ = f.Wait(&word, 0, time.Time{}, t)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return th.State() == sched.StateBlocked
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, f.Wake(&word, 1))
	require.NoError(t, th.Join())
}

func TestFutexWaitTimeout(t *testing.T) {
	s := newScheduler(t)
	f := futex.New()
	var word int32

	result := make(chan error, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		result <- f.Wait(&word, 0, time.Now().Add(10*time.Millisecond), t)
	})
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.Equal(t, kerrors.Timeout, kerrors.CodeOf(<-result))
}

func TestWakeOpModifiesAndConditionallyWakes(t *testing.T) {
	f := futex.New()
	var a, b int32 = 0, 10

	woken := f.WakeOp(&a, 0, &b, 1, futex.OpAdd, 5, futex.CmpEQ, 10)
	require.Equal(t, 0, woken) // no waiters registered, but op still applies
	require.EqualValues(t, 15, b)
}
