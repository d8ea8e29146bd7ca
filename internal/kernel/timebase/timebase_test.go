package timebase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/timebase"
	"github.com/mollenos/valicore/pkg/klog"
)

func TestClockTickRequiresCounterCapability(t *testing.T) {
	tb := timebase.New(klog.Discard())
	_, err := tb.ClockTick(context.Background())
	require.Error(t, err)

	tb.Register("pit", timebase.NewSimulatedCounter(1000, timebase.Counter))
	tick, err := tb.ClockTick(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, tick, uint64(0))
}

func TestWallClockAdvancesFromEpoch(t *testing.T) {
	tb := timebase.New(klog.Discard())
	tb.Register("pit", timebase.NewSimulatedCounter(1000, timebase.Counter))

	tick, err := tb.ClockTick(context.Background())
	require.NoError(t, err)

	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tb.SetWallClockEpoch(epoch, tick)

	time.Sleep(20 * time.Millisecond)
	now, err := tb.WallClock(context.Background())
	require.NoError(t, err)
	require.True(t, now.After(epoch))
}

func TestHighPrecisionCounterRequiresBothFlags(t *testing.T) {
	tb := timebase.New(klog.Discard())
	tb.Register("tsc-uncalibrated", timebase.NewSimulatedCounter(1_000_000, timebase.HighPrecision))

	_, err := tb.HighPrecisionCounter(context.Background())
	require.Error(t, err, "an uncalibrated TSC must not be selected as the HPC source")

	tb.Register("tsc", timebase.NewSimulatedCounter(1_000_000, timebase.HighPrecision|timebase.Calibrated))
	_, err = tb.HighPrecisionCounter(context.Background())
	require.NoError(t, err)
}

func TestCalibrateRunsOverRegisteredHPCSources(t *testing.T) {
	tb := timebase.New(klog.Discard())
	tb.Register("pit", timebase.NewSimulatedCounter(1000, timebase.Counter))
	tsc := timebase.NewSimulatedCounter(1_000_000, timebase.HighPrecision|timebase.Calibrated)
	tb.Register("tsc", tsc)

	require.NoError(t, tb.Calibrate(context.Background()))
	require.EqualValues(t, 1, tsc.CalibrationCount())
}

func TestCalibrateCancellation(t *testing.T) {
	tb := timebase.New(klog.Discard())
	tb.Register("pit", timebase.NewSimulatedCounter(1000, timebase.Counter))
	tb.Register("tsc", timebase.NewSimulatedCounter(1_000_000, timebase.HighPrecision|timebase.Calibrated))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, tb.Calibrate(ctx))
}

func TestStallWaitsAtLeastRequestedDuration(t *testing.T) {
	tb := timebase.New(klog.Discard())
	tb.Register("tsc", timebase.NewSimulatedCounter(1_000_000, timebase.HighPrecision|timebase.Calibrated))

	start := time.Now()
	require.NoError(t, tb.Stall(context.Background(), 15*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestMonotonicSinceIsNonDecreasing(t *testing.T) {
	tb := timebase.New(klog.Discard())
	first := tb.MonotonicSince()
	time.Sleep(time.Millisecond)
	second := tb.MonotonicSince()
	require.Greater(t, second, first)
}
