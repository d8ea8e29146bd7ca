// Package handleset implements the handle-set / event queue (spec §4.12,
// C12): an epoll-equivalent subscription collection over handles of any
// type, delivered through a single wait call.
//
// Grounded on internal/kernel/handle's Watcher/Watch/PendingBits/ClearBits
// contract (a handle-set is exactly the thing those were built for), and on
// internal/kernel/futex for the park/wake discipline used by Wait, the same
// shared-primitive composition internal/kernel/streambuf uses.
package handleset

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/sched"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Type is the handle.Type a handle-set object is itself registered under
// (spec §3's "handle_set" object type).
const Type handle.Type = 0x485345 // "HSE"

// Op selects a ctrl operation.
type Op int

const (
	Add Op = iota
	Modify
	Remove
)

// Event describes one subscription, both as ctrl's input (Handle, Mask,
// Data) and as wait's output, where Bits carries the pending activity that
// made the subscription ready.
type Event struct {
	Handle handle.ID
	Mask   uint64 // interest: activity bits this subscription cares about
	Data   any    // opaque user context, returned unmodified on delivery
	Bits   uint64 // set only on wait's output: the bits that were ready
}

type subscription struct {
	handle      handle.ID
	mask        uint64
	data        any
	unsubscribe func()
}

// Set is one handle-set: a collection of subscriptions plus a single wait
// call that reports the ready ones.
type Set struct {
	mu      sync.Mutex
	handles *handle.Table
	futex   *futex.Futex
	log     logr.Logger

	order  []*subscription // insertion order, scanned with rotation
	byID   map[handle.ID]*subscription
	cursor int // rotating scan start, prevents starvation (spec §4.12 "Ordering")

	readyWord int32 // bumped and futex-woken on every Notify
}

// Manager creates and destroys handle-sets, registering each as a handle.
type Manager struct {
	handles *handle.Table
	futex   *futex.Futex
	log     logr.Logger
}

// New builds a Manager over the given handle table and futex hub.
func New(handles *handle.Table, fx *futex.Futex, log logr.Logger) *Manager {
	return &Manager{handles: handles, futex: fx, log: log}
}

// Create allocates an empty handle-set (spec §4.12 create()). flags is
// reserved for future variants and currently unused.
func (m *Manager) Create(flags uint32) (handle.ID, *Set, error) {
	s := &Set{
		handles: m.handles,
		futex:   m.futex,
		log:     m.log,
		byID:    make(map[handle.ID]*subscription),
	}
	id := m.handles.Create(Type, s, destroy)
	return id, s, nil
}

func destroy(payload any) {
	s := payload.(*Set)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.order {
		sub.unsubscribe()
	}
	s.order = nil
	s.byID = nil
}

// Notify implements handle.Watcher: called synchronously from
// handle.Table.MarkActivity whenever a watched handle's activity bits
// change. It only wakes waiters; Wait itself re-reads PendingBits to decide
// readiness, so concurrent notifications never race the actual bit values.
func (s *Set) Notify(_ handle.ID, _ uint64) {
	atomic.AddInt32(&s.readyWord, 1)
	s.futex.Wake(&s.readyWord, 1<<30)
}

// Ctrl adds, modifies, or removes a subscription (spec §4.12 ctrl()).
func (s *Set) Ctrl(op Op, h handle.ID, mask uint64, data any) error {
	switch op {
	case Add:
		return s.add(h, mask, data)
	case Modify:
		if err := s.remove(h); err != nil {
			return err
		}
		return s.add(h, mask, data)
	case Remove:
		return s.remove(h)
	default:
		return kerrors.Newf(kerrors.InvalidParameters, "hset_ctrl: unknown op %d", op)
	}
}

func (s *Set) add(h handle.ID, mask uint64, data any) error {
	s.mu.Lock()
	if _, exists := s.byID[h]; exists {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.AlreadyExists, "hset_ctrl: handle %d already subscribed", h)
	}
	s.mu.Unlock()

	unsub, err := s.handles.Watch(h, s, mask)
	if err != nil {
		return err
	}

	sub := &subscription{handle: h, mask: mask, data: data, unsubscribe: unsub}
	s.mu.Lock()
	s.byID[h] = sub
	s.order = append(s.order, sub)
	s.mu.Unlock()

	// A handle already carrying matching pending bits at subscribe time
	// must be visible without waiting for a future mark_activity.
	s.Notify(h, mask)
	return nil
}

func (s *Set) remove(h handle.ID) error {
	s.mu.Lock()
	sub, ok := s.byID[h]
	if !ok {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.NotFound, "hset_ctrl: handle %d not subscribed", h)
	}
	delete(s.byID, h)
	for i, e := range s.order {
		if e == sub {
			s.order = append(s.order[:i], s.order[i+1:]...)
			if s.cursor > i {
				s.cursor--
			}
			break
		}
	}
	s.mu.Unlock()
	sub.unsubscribe()
	return nil
}

// Wait blocks until at least one subscription is ready, then fills events
// with up to len(events) ready subscriptions and returns how many (spec
// §4.12 wait()). pollMask bits are cleared from a delivered subscription's
// handle on delivery (edge semantics); bits outside pollMask remain set
// (level semantics) so a level-triggered condition is reported again on the
// next call.
func (s *Set) Wait(events []Event, pollMask uint64, deadline time.Time, t *sched.Thread) (int, error) {
	for {
		n, err := s.scan(events, pollMask)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, kerrors.Newf(kerrors.Timeout, "hset_wait: deadline passed")
		}
		if t == nil {
			return 0, kerrors.Newf(kerrors.WouldBlock, "hset_wait: no ready subscription, no blocking context supplied")
		}
		seen := atomic.LoadInt32(&s.readyWord)
		if err := s.futex.Wait(&s.readyWord, seen, deadline, t); err != nil {
			return 0, err
		}
	}
}

// scan walks the subscription list starting at s.cursor, wrapping once, and
// fills events with every ready subscription it finds (up to len(events)).
// Starting point is advanced past the last subscription examined so the
// next call begins where this one left off, rotating who gets first look
// at a crowded set (spec §4.12 "Ordering").
func (s *Set) scan(events []Event, pollMask uint64) (int, error) {
	s.mu.Lock()
	order := append([]*subscription(nil), s.order...)
	start := s.cursor
	s.mu.Unlock()

	if len(order) == 0 {
		return 0, nil
	}

	count := 0
	examined := 0
	for examined < len(order) && count < len(events) {
		idx := (start + examined) % len(order)
		examined++
		sub := order[idx]

		bits, err := s.handles.PendingBits(sub.handle)
		if err != nil {
			continue // handle was destroyed concurrently; its removal will land separately
		}
		ready := bits & sub.mask
		if ready == 0 {
			continue
		}

		events[count] = Event{Handle: sub.handle, Mask: sub.mask, Data: sub.data, Bits: ready}
		count++

		if clear := ready & pollMask; clear != 0 {
			_ = s.handles.ClearBits(sub.handle, clear)
		}
	}

	s.mu.Lock()
	s.cursor = (start + examined) % len(order)
	s.mu.Unlock()

	return count, nil
}
