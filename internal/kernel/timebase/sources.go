package timebase

import (
	"context"
	"sync/atomic"
	"time"
)

// SimulatedCounter is a free-running counter driven by real elapsed time,
// standing in for a PIT/RTC/TSC-class hardware counter: the kernel itself
// never has a physical oscillator to read, so every Source registered
// with a Timebase in this tree derives its ticks from time.Since against
// a fixed frequency, exactly the role PIT/CMOS/TSC play for the real
// platform layer in original_source/kernel/arch/x86/components/timers.c.
type SimulatedCounter struct {
	freq         uint64
	caps         Capability
	start        time.Time
	calibrations int32
}

// NewSimulatedCounter builds a counter ticking at freq Hz with the given
// capability flags.
func NewSimulatedCounter(freq uint64, caps Capability) *SimulatedCounter {
	return &SimulatedCounter{freq: freq, caps: caps, start: time.Now()}
}

func (c *SimulatedCounter) Read(context.Context) (uint64, error) {
	elapsed := time.Since(c.start)
	return uint64(elapsed.Seconds() * float64(c.freq)), nil
}

func (c *SimulatedCounter) Frequency(context.Context) (uint64, error) {
	return c.freq, nil
}

func (c *SimulatedCounter) Recalibrate(context.Context) error {
	atomic.AddInt32(&c.calibrations, 1)
	return nil
}

func (c *SimulatedCounter) Capabilities() Capability {
	return c.caps
}

// CalibrationCount reports how many times Recalibrate has run, for tests.
func (c *SimulatedCounter) CalibrationCount() int32 {
	return atomic.LoadInt32(&c.calibrations)
}
