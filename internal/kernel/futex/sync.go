package futex

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mollenos/valicore/internal/kernel/sched"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Mutex flag bits (spec §4.6: "Recursive and timed variants toggled by
// flag bits"), named after original_source/kernel/include/mutex.h's
// MUTEX_FLAG_* constants.
const (
	MutexPlain     = 0
	MutexRecursive = 1 << 0
	MutexTimed     = 1 << 2
)

// Mutex is a futex word holding the owner's thread ID, with optional
// recursion and a simplified priority-inheritance boost (spec §4.6, §4.5
// "Priority inheritance").
type Mutex struct {
	futex *Futex
	flags int
	word  int32 // 0 = unlocked, else owner TID

	mu           sync.Mutex
	owner        *sched.Thread
	refCount     int
	boosted      bool
	origPriority int
}

// NewMutex builds an unlocked mutex over the given futex hub.
func NewMutex(fx *Futex, flags int) *Mutex {
	return &Mutex{futex: fx, flags: flags}
}

// TryLock does the compare-exchange 0->tid without blocking (spec §4.6
// "try_lock does compare-exchange 0->tid").
func (m *Mutex) TryLock(t *sched.Thread) bool {
	tid := int32(t.ID)
	if atomic.CompareAndSwapInt32(&m.word, 0, tid) {
		m.mu.Lock()
		m.owner = t
		m.refCount = 1
		m.boosted = false
		m.origPriority = t.GetPriority()
		m.mu.Unlock()
		return true
	}
	if m.flags&MutexRecursive != 0 && atomic.LoadInt32(&m.word) == tid {
		m.mu.Lock()
		m.refCount++
		m.mu.Unlock()
		return true
	}
	return false
}

// Lock blocks until acquired, or until deadline (zero deadline means
// forever), spinning through try_lock then parking on the owner word on
// mismatch (spec §4.6 "lock spins briefly, then futex_wait on mismatch").
// Each registration as a waiter boosts the current owner to the caller's
// priority tier if that tier is higher.
func (m *Mutex) Lock(t *sched.Thread, deadline time.Time) error {
	for {
		if m.TryLock(t) {
			return nil
		}

		m.mu.Lock()
		owner := m.owner
		if owner != nil && t.GetPriority() < owner.GetPriority() {
			owner.SetPriority(t.GetPriority())
			m.boosted = true
		}
		m.mu.Unlock()

		cur := atomic.LoadInt32(&m.word)
		if cur == 0 {
			continue
		}
		if err := m.futex.Wait(&m.word, cur, deadline, t); err != nil {
			return err
		}
	}
}

// Unlock releases the mutex, restoring any priority boost picked up while
// it was held, then stores 0 and wakes one waiter (spec §4.6 "unlock
// stores 0 and wakes one").
func (m *Mutex) Unlock(t *sched.Thread) error {
	tid := int32(t.ID)
	if atomic.LoadInt32(&m.word) != tid {
		return kerrors.Newf(kerrors.InvalidParameters, "mutex_unlock: calling thread does not own the mutex")
	}

	m.mu.Lock()
	m.refCount--
	if m.refCount > 0 {
		m.mu.Unlock()
		return nil
	}
	boosted := m.boosted
	orig := m.origPriority
	m.boosted = false
	m.owner = nil
	m.mu.Unlock()

	if boosted {
		t.SetPriority(orig)
	}

	atomic.StoreInt32(&m.word, 0)
	m.futex.Wake(&m.word, 1)
	return nil
}

// Semaphore is a bounded counter expressed as a futex word (spec §4.6).
type Semaphore struct {
	futex *Futex
	word  int32
	max   int32
}

// NewSemaphore builds a semaphore with the given initial and maximum
// values.
func NewSemaphore(fx *Futex, initial, max int32) *Semaphore {
	return &Semaphore{futex: fx, word: initial, max: max}
}

// Wait decrements the counter; if that would take it below zero, the
// decrement is undone and the caller parks on the word until a Signal
// changes it (spec §4.6 "wait decrements; if it would go below zero,
// undoes and futex_waits"). t == nil means non-blocking: an empty
// semaphore returns WouldBlock instead of parking.
func (s *Semaphore) Wait(t *sched.Thread, deadline time.Time) error {
	for {
		v := atomic.AddInt32(&s.word, -1)
		if v >= 0 {
			return nil
		}
		atomic.AddInt32(&s.word, 1)

		if t == nil {
			return kerrors.Newf(kerrors.WouldBlock, "semaphore_wait: no value available")
		}
		cur := atomic.LoadInt32(&s.word)
		if err := s.futex.Wait(&s.word, cur, deadline, t); err != nil {
			return err
		}
	}
}

// Signal atomically adds up to n, bounded by the configured maximum, and
// wakes min(n, waiters) (spec §4.6 "signal(n) atomically adds and wakes
// min(n, waiters)... A maximum value bounds the counter and is enforced
// in signal").
func (s *Semaphore) Signal(n int32) int {
	if n <= 0 {
		return 0
	}
	var added int32
	for {
		cur := atomic.LoadInt32(&s.word)
		want := n
		if cur >= s.max {
			return 0
		}
		if cur+want > s.max {
			want = s.max - cur
		}
		if atomic.CompareAndSwapInt32(&s.word, cur, cur+want) {
			added = want
			break
		}
	}
	return s.futex.Wake(&s.word, int(added))
}

// Cond is a generation counter expressed as a futex word (spec §4.6).
type Cond struct {
	futex *Futex
	word  int32
}

// NewCond builds a condition variable over the given futex hub.
func NewCond(fx *Futex) *Cond {
	return &Cond{futex: fx}
}

// Wait atomically releases mutex and parks on the current generation,
// then unconditionally re-acquires mutex before returning, even across a
// timeout or cancellation (spec §4.6 "wait(mutex) atomically releases the
// mutex and futex_waits on the generation word's current value, then
// re-acquires").
func (c *Cond) Wait(t *sched.Thread, mutex *Mutex, deadline time.Time) error {
	gen := atomic.LoadInt32(&c.word)
	if err := mutex.Unlock(t); err != nil {
		return err
	}

	waitErr := c.futex.Wait(&c.word, gen, deadline, t)

	if err := mutex.Lock(t, time.Time{}); err != nil {
		if waitErr != nil {
			return waitErr
		}
		return err
	}
	return waitErr
}

// Signal wakes one waiter (spec §4.6 "signal/broadcast increments the
// generation and wakes one / all").
func (c *Cond) Signal() {
	atomic.AddInt32(&c.word, 1)
	c.futex.Wake(&c.word, 1)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	atomic.AddInt32(&c.word, 1)
	c.futex.Wake(&c.word, 1<<30)
}
