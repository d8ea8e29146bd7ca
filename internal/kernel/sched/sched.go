// Package sched implements the thread & scheduler component (spec §4.5,
// C5): per-core, priority-tiered, preemptive-at-checkpoints ready queues
// with round-robin ties, quantum-based preemption, and priority
// inheritance support for internal/kernel/futex's mutex.
//
// Threads are goroutines (per the simulation's convention that a goroutine
// stands in for a kernel thread); a core's dispatch loop gates which
// thread's goroutine is allowed to run at any moment via a pair of
// channels, giving this model genuine priority-ordered, single-runner-
// per-core scheduling without needing to intercept Go's own runtime. True
// mid-instruction preemption isn't available from a Go library, so quantum
// exhaustion is delivered as a flag a running thread observes at its next
// suspension-point checkpoint (Yield/CheckPreempt/Sleep/futex/handle-set
// wait) — consistent with spec §5's suspension-point list.
package sched

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// ID identifies a thread.
type ID uint64

// State is a thread's coarse scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateExited
)

// WakeReason reports why a parked thread resumed.
type WakeReason int

const (
	WakeWoken WakeReason = iota
	WakeTimeout
	WakeCancelled
)

type pauseKind int

const (
	pauseYield pauseKind = iota
	pausePreempted
	pauseBlocked
	pauseExited
)

// Thread is one schedulable unit of execution.
type Thread struct {
	ID       ID
	Priority int // tier index; 0 is highest, Scheduler.idleTier is idle
	CoreID   int

	sched *Scheduler

	mu        sync.Mutex
	state     State
	cancelled bool
	preempt   bool
	wakeCh    chan WakeReason

	resumeCh chan struct{}
	pauseCh  chan pauseKind
	joinCh   chan struct{}
	detached bool
	cookie   uint64
}

// Core owns one priority-tiered ready queue and runs its own dispatch loop.
type Core struct {
	id    int
	sched *Scheduler

	mu    sync.Mutex
	tiers [][]*Thread // tiers[0] highest priority ... tiers[n-1] idle
	nudge chan struct{}
	quit  chan struct{}
}

// Scheduler owns every core.
type Scheduler struct {
	log     logr.Logger
	cfg     config.BootConfig
	idleTier int

	mu      sync.Mutex
	cores   []*Core
	threads map[ID]*Thread
	nextID  ID
}

// New brings up cfg.CoreCount cores, each with cfg.PriorityTiers real tiers
// plus one dedicated idle tier.
func New(cfg config.BootConfig, log logr.Logger) *Scheduler {
	s := &Scheduler{log: log, cfg: cfg, idleTier: cfg.PriorityTiers, threads: make(map[ID]*Thread)}
	for i := 0; i < cfg.CoreCount; i++ {
		c := &Core{id: i, sched: s, tiers: make([][]*Thread, cfg.PriorityTiers+1), nudge: make(chan struct{}, 1), quit: make(chan struct{})}
		s.cores = append(s.cores, c)
		go c.dispatchLoop()
	}
	return s
}

// Shutdown stops every core's dispatch loop.
func (s *Scheduler) Shutdown() {
	for _, c := range s.cores {
		close(c.quit)
	}
}

func (s *Scheduler) quantumFor(priority int) time.Duration {
	// Higher-priority (lower tier index) threads get a larger multiple of
	// the base quantum, per spec §4.5 "quantum inversely proportional to
	// priority".
	tiers := s.cfg.PriorityTiers
	if tiers <= 0 {
		tiers = 1
	}
	mult := tiers - priority
	if mult < 1 {
		mult = 1
	}
	return s.cfg.QuantumBase * time.Duration(mult)
}

// Create spawns a new thread pinned to coreID at the given priority tier,
// running entry. The thread starts Ready, not Running (spec §5).
func (s *Scheduler) Create(coreID, priority int, entry func(*Thread)) (*Thread, error) {
	s.mu.Lock()
	if coreID < 0 || coreID >= len(s.cores) {
		s.mu.Unlock()
		return nil, kerrors.Newf(kerrors.InvalidParameters, "create: core %d out of range", coreID)
	}
	if priority < 0 || priority > s.idleTier {
		s.mu.Unlock()
		return nil, kerrors.Newf(kerrors.InvalidParameters, "create: priority %d out of range", priority)
	}
	s.nextID++
	id := s.nextID
	t := &Thread{
		ID: id, Priority: priority, CoreID: coreID, sched: s, state: StateReady,
		resumeCh: make(chan struct{}), pauseCh: make(chan pauseKind, 1), joinCh: make(chan struct{}),
	}
	s.threads[id] = t
	s.mu.Unlock()

	go func() {
		<-t.resumeCh
		runEntry(entry, t)
		t.mu.Lock()
		t.state = StateExited
		t.mu.Unlock()
		close(t.joinCh)
		t.pauseCh <- pauseExited
	}()

	core := s.cores[coreID]
	core.enqueue(t)
	return t, nil
}

func (c *Core) enqueue(t *Thread) {
	c.mu.Lock()
	t.mu.Lock()
	t.state = StateReady
	t.mu.Unlock()
	c.tiers[t.Priority] = append(c.tiers[t.Priority], t)
	c.mu.Unlock()
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

func (c *Core) enqueueFront(t *Thread) {
	c.mu.Lock()
	t.mu.Lock()
	t.state = StateReady
	t.mu.Unlock()
	c.tiers[t.Priority] = append([]*Thread{t}, c.tiers[t.Priority]...)
	c.mu.Unlock()
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// dequeue pops the head of the highest non-empty tier, or nil if every tier
// (including idle) is empty.
func (c *Core) dequeue() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tier := range c.tiers {
		if len(c.tiers[tier]) > 0 {
			t := c.tiers[tier][0]
			c.tiers[tier] = c.tiers[tier][1:]
			return t
		}
	}
	return nil
}

func (c *Core) dispatchLoop() {
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		t := c.dequeue()
		if t == nil {
			select {
			case <-c.nudge:
				continue
			case <-c.quit:
				return
			case <-time.After(time.Millisecond):
				continue
			}
		}

		t.mu.Lock()
		t.state = StateRunning
		t.mu.Unlock()
		t.resumeCh <- struct{}{}

		quantum := c.sched.quantumFor(t.Priority)
		var kind pauseKind
		select {
		case kind = <-t.pauseCh:
		case <-time.After(quantum):
			t.mu.Lock()
			t.preempt = true
			t.mu.Unlock()
			kind = <-t.pauseCh
		}

		switch kind {
		case pauseYield:
			c.enqueueFront(t)
		case pausePreempted:
			c.enqueue(t)
		case pauseBlocked:
			// Caller (futex/handle-set) owns re-enqueueing via Wake.
		case pauseExited:
			s := c.sched
			s.mu.Lock()
			delete(s.threads, t.ID)
			s.mu.Unlock()
		}
	}
}

// checkpoint is called from every suspension point; it pauses the calling
// goroutine on behalf of the core and blocks until resumed.
func (t *Thread) checkpoint(kind pauseKind) {
	t.pauseCh <- kind
	<-t.resumeCh
}

// Yield voluntarily gives up the remainder of the quantum but stays at the
// head of its tier (spec §4.5).
func (t *Thread) Yield() {
	t.checkIfCancelled()
	t.checkpoint(pauseYield)
}

// CheckPreempt is a cooperative checkpoint a long-running thread body calls
// periodically; if the core's dispatch loop flagged a quantum exhaustion
// since the last checkpoint, this pauses and requeues at the tail.
func (t *Thread) CheckPreempt() {
	t.mu.Lock()
	p := t.preempt
	t.preempt = false
	t.mu.Unlock()
	if p {
		t.checkpoint(pausePreempted)
	}
}

// checkIfCancelled panics is intentionally not used: cancellation is
// reported to the caller via IsCancelled(), checked at the caller's
// discretion, matching spec §5 ("a flag checked on the next suspension
// point") rather than forcing an unwind.
func (t *Thread) checkIfCancelled() {}

// IsCancelled reports whether Signal() was called on this thread.
func (t *Thread) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Signal requests cooperative cancellation (spec §4.5).
func (t *Thread) Signal() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Sleep suspends the calling thread for d, a named suspension point.
func (t *Thread) Sleep(d time.Duration) {
	core := t.sched.cores[t.CoreID]
	timer := time.AfterFunc(d, func() { core.enqueue(t) })
	t.mu.Lock()
	t.state = StateBlocked
	t.mu.Unlock()
	t.checkpoint(pauseBlocked)
	timer.Stop()
}

// PrepareWake arms the thread to receive a wake before it actually suspends,
// and must be called by the blocking primitive (futex, handle-set) while
// still holding whatever lock guards its own waiter list — so that by the
// time a concurrent waker locks that same list and sees this thread queued,
// Wake is guaranteed not to race a not-yet-armed Suspend (the standard
// register-then-unlock-then-block futex discipline).
func (t *Thread) PrepareWake() chan WakeReason {
	t.mu.Lock()
	ch := make(chan WakeReason, 1)
	t.wakeCh = ch
	t.state = StateBlocked
	t.mu.Unlock()
	return ch
}

// Suspend blocks the calling thread on ch (from a prior PrepareWake) until
// woken or deadline elapses (zero deadline means no timeout), then waits
// its turn to run again.
func (t *Thread) Suspend(ch chan WakeReason, deadline time.Time) WakeReason {
	t.pauseCh <- pauseBlocked

	var reason WakeReason
	if deadline.IsZero() {
		reason = <-ch
	} else {
		select {
		case reason = <-ch:
		case <-time.After(time.Until(deadline)):
			reason = WakeTimeout
		}
	}

	t.mu.Lock()
	t.wakeCh = nil
	t.mu.Unlock()

	core := t.sched.cores[t.CoreID]
	core.enqueue(t)
	<-t.resumeCh
	return reason
}

// Wake fulfills a pending PrepareWake with reason; a no-op if the thread
// isn't armed (e.g. it already timed out).
func (t *Thread) Wake(reason WakeReason) {
	t.mu.Lock()
	ch := t.wakeCh
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reason:
	default:
	}
}

// SetPriority changes the thread's tier, used by mutex priority inheritance.
func (t *Thread) SetPriority(priority int) {
	t.mu.Lock()
	t.Priority = priority
	t.mu.Unlock()
}

// GetPriority returns the thread's current tier.
func (t *Thread) GetPriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Priority
}

// Join blocks until t exits.
func (t *Thread) Join() error {
	if t.detached {
		return kerrors.Newf(kerrors.InvalidParameters, "join: thread %d is detached", t.ID)
	}
	<-t.joinCh
	return nil
}

// Detach marks t so its resources are freed on exit without requiring Join.
func (t *Thread) Detach() {
	t.mu.Lock()
	t.detached = true
	t.mu.Unlock()
}

// State returns the thread's current coarse state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cookie returns the thread's opaque user-space TLS pointer, set by
// SetCookie (spec §6 thread_cookie) — the slot a user-space runtime stores
// its thread-local-storage base address in, since this model has no real
// per-thread segment register to repurpose.
func (t *Thread) Cookie() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cookie
}

// SetCookie stores the thread's TLS pointer.
func (t *Thread) SetCookie(v uint64) {
	t.mu.Lock()
	t.cookie = v
	t.mu.Unlock()
}

// exitSignal is the sentinel runEntry recovers to implement Exit, the same
// shape as the standard library's runtime.Goexit: a thread unwinding deep
// call frames to terminate voluntarily rather than by returning from entry.
type exitSignal struct{}

// Exit terminates the calling thread immediately (spec §6 thread_exit),
// unwinding back to entry's caller without returning through it.
func (t *Thread) Exit() {
	panic(exitSignal{})
}

// runEntry runs entry to completion, recovering an Exit call so it looks
// like an ordinary return to the goroutine driving the thread.
func runEntry(entry func(*Thread), t *Thread) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(exitSignal); !ok {
				panic(r)
			}
		}
	}()
	entry(t)
}
