// Package config describes boot-time configuration for the simulated kernel,
// following the teacher's CollectionConfig/ApplyDefaults pattern: a struct of
// mostly-optional fields plus a function that fills in zero values with
// sane defaults.
package config

import "time"

// MemoryRegion describes one contiguous range of physical memory reported by
// the (simulated) boot loader, analogous to a VBoot memory map entry.
type MemoryRegion struct {
	// BasePage is the first physical page frame number in the region.
	BasePage uint64
	// PageCount is the number of 4 KiB frames in the region.
	PageCount uint64
	// Removable marks RAM that firmware may reclaim (spec §3 frame attributes).
	Removable bool
}

// BootConfig is the equivalent of a VBoot information block (spec §6): the
// static facts the kernel needs before any component can initialize.
type BootConfig struct {
	// CoreCount is the number of simulated cores/schedulers to bring up.
	CoreCount int
	// PriorityTiers is N in spec §4.5 ("0 highest ... N tiers, plus idle").
	PriorityTiers int
	// QuantumBase is the timeslice given to the lowest-priority non-idle tier;
	// higher-priority tiers get progressively larger multiples, per §4.5.
	QuantumBase time.Duration
	// TickInterval is the simulated timer-IRQ period (spec §4.8).
	TickInterval time.Duration
	// MemoryMap is the physical RAM layout handed to the frame allocator (C1).
	MemoryMap []MemoryRegion
	// StreamBufferCapacity is the default C10 ring capacity in bytes; must be
	// a power of two per spec §4.10.
	StreamBufferCapacity int
	// MaxSpuriousInterrupts is the per-line threshold before a shared IRQ line
	// is masked (spec §4.7 "Sharing").
	MaxSpuriousInterrupts int
}

// DefaultBootConfig returns the configuration used when no boot information
// is supplied, e.g. by the in-process test harness.
func DefaultBootConfig() BootConfig {
	return BootConfig{
		CoreCount:     1,
		PriorityTiers: 4,
		QuantumBase:   20 * time.Millisecond,
		TickInterval:  time.Millisecond,
		MemoryMap: []MemoryRegion{
			{BasePage: 0, PageCount: 1 << 16}, // 256 MiB of simulated RAM
		},
		StreamBufferCapacity:  64 * 1024,
		MaxSpuriousInterrupts: 10000,
	}
}

// ApplyDefaults fills zero-valued fields of c with DefaultBootConfig values.
func (c *BootConfig) ApplyDefaults() {
	defaults := DefaultBootConfig()

	if c.CoreCount == 0 {
		c.CoreCount = defaults.CoreCount
	}
	if c.PriorityTiers == 0 {
		c.PriorityTiers = defaults.PriorityTiers
	}
	if c.QuantumBase == 0 {
		c.QuantumBase = defaults.QuantumBase
	}
	if c.TickInterval == 0 {
		c.TickInterval = defaults.TickInterval
	}
	if len(c.MemoryMap) == 0 {
		c.MemoryMap = defaults.MemoryMap
	}
	if c.StreamBufferCapacity == 0 {
		c.StreamBufferCapacity = defaults.StreamBufferCapacity
	}
	if c.MaxSpuriousInterrupts == 0 {
		c.MaxSpuriousInterrupts = defaults.MaxSpuriousInterrupts
	}
}

// TotalPages returns the total frame count described by the memory map.
func (c BootConfig) TotalPages() uint64 {
	var n uint64
	for _, r := range c.MemoryMap {
		n += r.PageCount
	}
	return n
}
