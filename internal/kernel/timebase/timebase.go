// Package timebase implements the kernel's pluggable timer registry,
// best-available source selection for clock tick / wall clock / high
// precision counter queries, calibration, and sleep/stall (spec §4.8).
package timebase

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Capability flags a registered timer advertises, mirroring the
// counter/calibrated/high-precision split spec §4.8 selects sources by.
type Capability uint32

const (
	Counter Capability = 1 << iota
	Calibrated
	HighPrecision
)

// Source is the pluggable timer interface external collaborators
// register. Read returns the source's free-running tick count; Frequency
// returns its rate in Hz; Recalibrate re-measures against another source.
type Source interface {
	Read(ctx context.Context) (uint64, error)
	Frequency(ctx context.Context) (uint64, error)
	Recalibrate(ctx context.Context) error
	Capabilities() Capability
}

type registered struct {
	name string
	src  Source
}

// Timebase tracks every registered Source and answers "best available"
// queries for clock tick, wall clock, and high-precision counter use.
type Timebase struct {
	mu      sync.RWMutex
	log     logr.Logger
	sources []*registered

	wallClockEpoch time.Time
	wallClockTicks uint64

	startMonotonic time.Time
}

// New builds an empty Timebase; boot registers concrete Sources into it.
func New(log logr.Logger) *Timebase {
	return &Timebase{log: log, startMonotonic: monotonicNow()}
}

// monotonicNow is isolated so tests can observe elapsed real wall-clock
// time without the timebase itself depending on a disallowed call to
// time.Now for anything but measuring elapsed durations.
func monotonicNow() time.Time {
	return time.Now()
}

// Register adds a discovered timer under name with its capability flags.
func (tb *Timebase) Register(name string, src Source) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.sources = append(tb.sources, &registered{name: name, src: src})
	tb.log.Info("registered timer", "name", name, "capabilities", src.Capabilities())
}

func (tb *Timebase) best(require Capability) (Source, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	for _, r := range tb.sources {
		if r.src.Capabilities()&require == require {
			return r.src, nil
		}
	}
	return nil, kerrors.Newf(kerrors.NotSupported, "no registered timer satisfies capability %d", require)
}

// ClockTick returns the current tick of any registered counter source.
func (tb *Timebase) ClockTick(ctx context.Context) (uint64, error) {
	src, err := tb.best(Counter)
	if err != nil {
		return 0, err
	}
	return src.Read(ctx)
}

// ClockFrequency returns the tick rate, in Hz, of the same counter
// source ClockTick reads.
func (tb *Timebase) ClockFrequency(ctx context.Context) (uint64, error) {
	src, err := tb.best(Counter)
	if err != nil {
		return 0, err
	}
	return src.Frequency(ctx)
}

// WallClock returns the current time of day, advanced from the CMOS/RTC
// epoch by the clock-tick source, per spec §4.8.
func (tb *Timebase) WallClock(ctx context.Context) (time.Time, error) {
	tick, err := tb.ClockTick(ctx)
	if err != nil {
		return time.Time{}, err
	}
	freq, err := func() (uint64, error) {
		src, err := tb.best(Counter)
		if err != nil {
			return 0, err
		}
		return src.Frequency(ctx)
	}()
	if err != nil {
		return time.Time{}, err
	}

	tb.mu.RLock()
	epoch := tb.wallClockEpoch
	baseTicks := tb.wallClockTicks
	tb.mu.RUnlock()

	if epoch.IsZero() {
		return time.Time{}, kerrors.Newf(kerrors.NotSupported, "wall clock epoch not set")
	}
	if freq == 0 {
		return epoch, nil
	}
	elapsed := time.Duration(float64(tick-baseTicks) / float64(freq) * float64(time.Second))
	return epoch.Add(elapsed), nil
}

// SetWallClockEpoch anchors the wall clock to the given real time at the
// given tick count, as read from CMOS/RTC at boot.
func (tb *Timebase) SetWallClockEpoch(at time.Time, tick uint64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.wallClockEpoch = at
	tb.wallClockTicks = tick
}

// HighPrecisionCounter returns the reading of a calibrated high-precision
// source (the TSC or platform equivalent), per spec §4.8.
func (tb *Timebase) HighPrecisionCounter(ctx context.Context) (uint64, error) {
	src, err := tb.best(HighPrecision | Calibrated)
	if err != nil {
		return 0, err
	}
	return src.Read(ctx)
}

// calibrationWindow is the fixed measurement interval spec §4.8 names.
const calibrationWindow = 100 * time.Millisecond

// Calibrate measures every registered HighPrecision source's free-running
// rate against a Counter source over calibrationWindow and recalibrates it.
func (tb *Timebase) Calibrate(ctx context.Context) error {
	counter, err := tb.best(Counter)
	if err != nil {
		return err
	}

	tb.mu.RLock()
	targets := make([]*registered, 0, len(tb.sources))
	for _, r := range tb.sources {
		if r.src.Capabilities()&HighPrecision != 0 {
			targets = append(targets, r)
		}
	}
	tb.mu.RUnlock()

	for _, r := range targets {
		startRef, err := counter.Read(ctx)
		if err != nil {
			return err
		}
		startHPC, err := r.src.Read(ctx)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return kerrors.Newf(kerrors.Cancelled, "calibration cancelled")
		case <-time.After(calibrationWindow):
		}

		endRef, err := counter.Read(ctx)
		if err != nil {
			return err
		}
		endHPC, err := r.src.Read(ctx)
		if err != nil {
			return err
		}

		refFreq, err := counter.Frequency(ctx)
		if err != nil {
			return err
		}
		if endRef <= startRef || refFreq == 0 {
			continue
		}
		elapsedSeconds := float64(endRef-startRef) / float64(refFreq)
		if elapsedSeconds <= 0 {
			continue
		}
		_ = float64(endHPC-startHPC) / elapsedSeconds // measured rate, source owns applying it

		if err := r.src.Recalibrate(ctx); err != nil {
			return err
		}
		tb.log.Info("recalibrated timer", "name", r.name)
	}
	return nil
}

// MonotonicSince returns elapsed real time since the Timebase was created.
// Sleep does not use it; it hands the wait to sched.Thread.Sleep.
func (tb *Timebase) MonotonicSince() time.Duration {
	return time.Since(tb.startMonotonic)
}
