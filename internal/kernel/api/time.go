package api

import (
	"context"
	"time"

	"github.com/mollenos/valicore/internal/kernel/sched"
)

// ClockTick returns the current tick of the best registered counter
// source (spec §6 clock_tick).
func (k *Kernel) ClockTick(ctx context.Context) (uint64, error) {
	return k.Timebase.ClockTick(ctx)
}

// ClockFreq returns the tick rate, in Hz, of the counter source
// ClockTick reads from (spec §6 clock_freq).
func (k *Kernel) ClockFreq(ctx context.Context) (uint64, error) {
	return k.Timebase.ClockFrequency(ctx)
}

// WallClock returns the time of day, advanced from the RTC epoch by the
// clock tick source (spec §6 wall_clock).
func (k *Kernel) WallClock(ctx context.Context) (time.Time, error) {
	return k.Timebase.WallClock(ctx)
}

// Sleep suspends t until deadline, yielding the core (spec §6 sleep).
func (k *Kernel) Sleep(t *sched.Thread, deadline time.Time) {
	k.Timebase.Sleep(t, time.Until(deadline))
}

// Stall busy-waits the calling core for d without suspending the thread
// (spec §6 stall).
func (k *Kernel) Stall(ctx context.Context, d time.Duration) error {
	return k.Timebase.Stall(ctx, d)
}
