// Package intr implements the kernel's interrupt plumbing: descriptor
// registration, vector assignment, fast-handler dispatch with line
// sharing, and EOI/spurious accounting (spec §4.7).
package intr

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/handle"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Flags constrains how a vector may be assigned to a descriptor.
type Flags uint32

const (
	VectorFixed Flags = 1 << iota // descriptor.Vector must be honored exactly
	NotSharable                   // line must not already carry another handler
	MSI                           // message-signaled, gets a private vector outside the shared pool
	Soft                          // software-only interrupt, never tied to a physical line
)

// HandlerResult is the fast handler's verdict on whether it serviced the IRQ.
type HandlerResult int

const (
	NotHandled HandlerResult = iota
	Handled
)

// Conformance mirrors the ACPI interrupt conformance a descriptor declares
// (active level/edge, polarity), carried through unmodified by the kernel
// for the platform layer to act on.
type Conformance uint32

const (
	ConformanceDefault Conformance = iota
	ConformanceActiveHigh
	ConformanceActiveLow
	ConformanceLevel
	ConformanceEdge
)

// ResourceRange names an I/O port range or memory range a fast handler is
// declared to touch; the contract in spec §4.7 is that it touches nothing
// else while interrupts are disabled.
type ResourceRange struct {
	Base   uint64
	Length uint64
	IsMMIO bool
}

// Vector is the kernel-assigned dispatch slot a line's handlers run under.
type Vector uint32

const (
	firstSharedVector Vector = 0x30
	firstMSIVector    Vector = 0xE0
	vectorCount       Vector = 0x100
)

// Descriptor is what a driver submits to Register.
type Descriptor struct {
	Line        int
	Pin         int
	Conformance Conformance
	Vector      Vector // only consulted when Flags&VectorFixed
	Flags       Flags
	FastHandler func(data any) HandlerResult
	Data        any
	Resources   []ResourceRange

	// DeferredHandle, if non-zero, is marked active (§4.4) whenever this
	// descriptor's fast handler returns Handled, waking any driver thread
	// parked in a handle-set wait (§4.12) on it.
	DeferredHandle handle.ID
}

const deferredActivityBit uint64 = 1

// spuriousThreshold is the number of consecutive unhandled IRQs on a line
// before it is masked, per spec §4.7.
const spuriousThreshold = 16

type registration struct {
	id   handle.ID
	desc Descriptor
}

type sharedLine struct {
	mu       sync.Mutex
	regs     []*registration
	spurious int
	masked   bool
}

// Controller owns vector assignment and line dispatch for one kernel
// instance.
type Controller struct {
	mu        sync.Mutex
	log       logr.Logger
	handles   *handle.Table
	lines     map[int]*sharedLine
	byVector  map[Vector]*sharedLine
	byHandle  map[handle.ID]*registration
	nextShared Vector
	nextMSI    Vector
	deferred  *DeferredQueue
}

// New builds a Controller. handles is used to mark deferred-dispatch
// handles active; deferred is the queue that carries that marking work
// outside IRQ context (see DeferredQueue).
func New(handles *handle.Table, deferred *DeferredQueue, log logr.Logger) *Controller {
	return &Controller{
		log:        log,
		handles:    handles,
		lines:      make(map[int]*sharedLine),
		byVector:   make(map[Vector]*sharedLine),
		byHandle:   make(map[handle.ID]*registration),
		nextShared: firstSharedVector,
		nextMSI:    firstMSIVector,
		deferred:   deferred,
	}
}

// Register assigns a vector (unless VectorFixed is set and the fixed
// vector is free), installs the fast handler on its line, and returns an
// opaque handle identifying the registration.
func (c *Controller) Register(desc Descriptor) (handle.ID, error) {
	if desc.FastHandler == nil {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "descriptor has no fast handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ln, ok := c.lines[desc.Line]
	if !ok {
		ln = &sharedLine{}
		c.lines[desc.Line] = ln
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	if desc.Flags&NotSharable != 0 && len(ln.regs) > 0 {
		return 0, kerrors.Newf(kerrors.Busy, "line %d is already claimed exclusively", desc.Line)
	}
	if len(ln.regs) > 0 && ln.regs[0].desc.Flags&NotSharable != 0 {
		return 0, kerrors.Newf(kerrors.Busy, "line %d's existing handler is exclusive", desc.Line)
	}

	vec, err := c.assignVector(desc)
	if err != nil {
		return 0, err
	}
	desc.Vector = vec

	id := c.handles.Create(handle.Type(0x4952), &desc, nil) // "IR"
	reg := &registration{id: id, desc: desc}
	ln.regs = append(ln.regs, reg)
	c.byVector[vec] = ln
	c.byHandle[id] = reg
	return id, nil
}

func (c *Controller) assignVector(desc Descriptor) (Vector, error) {
	if desc.Flags&VectorFixed != 0 {
		if existing, ok := c.byVector[desc.Vector]; ok && existing != c.lines[desc.Line] {
			return 0, kerrors.Newf(kerrors.Busy, "vector %#x already assigned", desc.Vector)
		}
		return desc.Vector, nil
	}
	if desc.Flags&MSI != 0 {
		v := c.nextMSI
		c.nextMSI++
		return v, nil
	}
	if existing := c.lines[desc.Line]; existing != nil {
		for v, ln := range c.byVector {
			if ln == existing {
				return v, nil
			}
		}
	}
	v := c.nextShared
	c.nextShared++
	if v >= vectorCount {
		return 0, kerrors.Newf(kerrors.OutOfMemory, "vector space exhausted")
	}
	return v, nil
}

// Unregister removes a previously registered descriptor.
func (c *Controller) Unregister(id handle.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.byHandle[id]
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "no interrupt registration %d", id)
	}
	ln := c.lines[reg.desc.Line]
	ln.mu.Lock()
	for i, r := range ln.regs {
		if r.id == id {
			ln.regs = append(ln.regs[:i], ln.regs[i+1:]...)
			break
		}
	}
	ln.mu.Unlock()
	delete(c.byHandle, id)
	_ = c.handles.Destroy(id)
	return nil
}

// Dispatch simulates hardware delivering an IRQ on line. Handlers run in
// registration order until one returns Handled; that one is EOI'd and, if
// it carries a deferred handle, the handle is queued for activity marking
// outside this call. If none handles it, the line's spurious counter is
// incremented and the line is masked once it crosses spuriousThreshold.
func (c *Controller) Dispatch(line int) bool {
	c.mu.Lock()
	ln := c.lines[line]
	c.mu.Unlock()
	if ln == nil {
		return false
	}

	ln.mu.Lock()
	if ln.masked {
		ln.mu.Unlock()
		return false
	}
	regs := make([]*registration, len(ln.regs))
	copy(regs, ln.regs)
	ln.mu.Unlock()

	for _, reg := range regs {
		if reg.desc.FastHandler(reg.desc.Data) == Handled {
			c.eoi(ln)
			if reg.desc.DeferredHandle != 0 && c.deferred != nil {
				c.deferred.Enqueue(reg.desc.DeferredHandle, deferredActivityBit)
			}
			return true
		}
	}

	ln.mu.Lock()
	ln.spurious++
	if ln.spurious >= spuriousThreshold {
		ln.masked = true
		c.log.Info("masking line after spurious interrupts", "line", line, "count", ln.spurious)
	}
	ln.mu.Unlock()
	return false
}

func (c *Controller) eoi(ln *sharedLine) {
	ln.mu.Lock()
	ln.spurious = 0
	ln.mu.Unlock()
}

// Unmask clears a line's masked state and resets its spurious counter,
// for use by a driver that has confirmed the line is healthy again.
func (c *Controller) Unmask(line int) error {
	c.mu.Lock()
	ln := c.lines[line]
	c.mu.Unlock()
	if ln == nil {
		return kerrors.Newf(kerrors.NotFound, "no such line %d", line)
	}
	ln.mu.Lock()
	ln.masked = false
	ln.spurious = 0
	ln.mu.Unlock()
	return nil
}

// Ack clears a deferred-dispatch handle's activity bit once the driver
// thread woken by it has finished re-reading device state and completing
// I/O outside IRQ context (spec §6 interrupt_ack), so the next Dispatch's
// mark_activity is visible as a fresh edge rather than a stale one.
func (c *Controller) Ack(deferredHandle handle.ID) error {
	return c.handles.ClearBits(deferredHandle, deferredActivityBit)
}

// IsMasked reports a line's current mask state, for tests and diagnostics.
func (c *Controller) IsMasked(line int) bool {
	c.mu.Lock()
	ln := c.lines[line]
	c.mu.Unlock()
	if ln == nil {
		return false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.masked
}
