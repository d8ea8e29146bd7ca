package timebase

import (
	"context"
	"time"

	"github.com/mollenos/valicore/internal/kernel/sched"
)

// Sleep suspends t until deadline has elapsed in monotonic tick time,
// per spec §4.8: this gives up the core, unlike Stall.
func (tb *Timebase) Sleep(t *sched.Thread, d time.Duration) {
	t.Sleep(d)
}

// Stall busy-waits on the high-precision counter for d, without
// suspending the calling thread — spec §4.8's "stall busy-waits on the
// TSC", used for sub-scheduling-quantum delays where a context switch
// would cost more than the wait itself.
func (tb *Timebase) Stall(ctx context.Context, d time.Duration) error {
	src, err := tb.best(HighPrecision | Calibrated)
	if err != nil {
		return err
	}
	freq, err := src.Frequency(ctx)
	if err != nil {
		return err
	}
	if freq == 0 {
		return nil
	}

	start, err := src.Read(ctx)
	if err != nil {
		return err
	}
	targetTicks := uint64(d.Seconds() * float64(freq))

	for {
		cur, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if cur-start >= targetTicks {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
