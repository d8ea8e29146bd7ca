package timebase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/timebase"
	"github.com/mollenos/valicore/pkg/config"
	"github.com/mollenos/valicore/pkg/klog"
)

func TestSleepSuspendsThreadForDuration(t *testing.T) {
	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 1
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)

	tb := timebase.New(klog.Discard())

	start := time.Now()
	done := make(chan struct{})
	_, err := s.Create(0, 1, func(th *sched.Thread) {
		tb.Sleep(th, 20*time.Millisecond)
		close(done)
	})
	require.NoError(t, err)

	<-done
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
