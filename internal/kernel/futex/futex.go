// Package futex implements the futex primitive and the mutex, semaphore,
// and condition-variable primitives built on top of it (spec §4.6, C6).
package futex

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mollenos/valicore/internal/kernel/sched"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

const numShards = 64

type waiter struct {
	thread *sched.Thread
	ch     chan sched.WakeReason
}

type bucket struct {
	mu      sync.Mutex
	waiters map[*int32][]*waiter
}

// Futex is the shared wait/wake hub; futexes are sharded by hashed address
// (spec §5 "futexes by hashed address").
type Futex struct {
	buckets [numShards]*bucket
}

// New builds an empty Futex hub.
func New() *Futex {
	f := &Futex{}
	for i := range f.buckets {
		f.buckets[i] = &bucket{waiters: make(map[*int32][]*waiter)}
	}
	return f
}

func (f *Futex) bucketFor(addr *int32) *bucket {
	h := uintptr(unsafe.Pointer(addr))
	return f.buckets[(h>>4)%numShards]
}

// Wait atomically checks *addr == expected, then sleeps until woken or
// deadline (spec §4.6 futex_wait()). A mismatch returns immediately without
// blocking, mirroring the real futex(2) EAGAIN-ish fast path.
func (f *Futex) Wait(addr *int32, expected int32, deadline time.Time, t *sched.Thread) error {
	b := f.bucketFor(addr)

	b.mu.Lock()
	if atomic.LoadInt32(addr) != expected {
		b.mu.Unlock()
		return nil
	}
	ch := t.PrepareWake()
	w := &waiter{thread: t, ch: ch}
	b.waiters[addr] = append(b.waiters[addr], w)
	b.mu.Unlock()

	reason := t.Suspend(ch, deadline)

	b.mu.Lock()
	list := b.waiters[addr]
	for i, e := range list {
		if e == w {
			b.waiters[addr] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	switch reason {
	case sched.WakeTimeout:
		return kerrors.Newf(kerrors.Timeout, "futex_wait: deadline exceeded")
	case sched.WakeCancelled:
		return kerrors.Newf(kerrors.Cancelled, "futex_wait: cancelled")
	default:
		return nil
	}
}

// Wake wakes up to count waiters on addr, FIFO, and returns how many
// (spec §4.6 futex_wake()).
func (f *Futex) Wake(addr *int32, count int) int {
	b := f.bucketFor(addr)

	b.mu.Lock()
	list := b.waiters[addr]
	if count > len(list) {
		count = len(list)
	}
	woken := list[:count]
	b.waiters[addr] = list[count:]
	b.mu.Unlock()

	for _, w := range woken {
		w.thread.Wake(sched.WakeWoken)
	}
	return len(woken)
}

// Op is a wake-op modify opcode.
type Op int

const (
	OpSet Op = iota
	OpAdd
	OpOr
	OpAndNot
	OpXor
)

// Cmp is a wake-op comparison against addr2's prior value.
type Cmp int

const (
	CmpEQ Cmp = iota
	CmpNE
	CmpLT
	CmpLE
	CmpGT
	CmpGE
)

func compare(cmp Cmp, prev, arg int32) bool {
	switch cmp {
	case CmpEQ:
		return prev == arg
	case CmpNE:
		return prev != arg
	case CmpLT:
		return prev < arg
	case CmpLE:
		return prev <= arg
	case CmpGT:
		return prev > arg
	case CmpGE:
		return prev >= arg
	default:
		return false
	}
}

// WakeOp wakes up to count1 waiters on addr1; atomically applies op/oparg
// to *addr2; and, if cmp(prior value of *addr2, cmparg) holds, also wakes
// up to count2 waiters on addr2 (spec §4.6 futex_wake_op()).
func (f *Futex) WakeOp(addr1 *int32, count1 int, addr2 *int32, count2 int, op Op, oparg int32, cmp Cmp, cmparg int32) int {
	woken := f.Wake(addr1, count1)

	b2 := f.bucketFor(addr2)
	b2.mu.Lock()
	prev := atomic.LoadInt32(addr2)
	var next int32
	switch op {
	case OpSet:
		next = oparg
	case OpAdd:
		next = prev + oparg
	case OpOr:
		next = prev | oparg
	case OpAndNot:
		next = prev &^ oparg
	case OpXor:
		next = prev ^ oparg
	}
	atomic.StoreInt32(addr2, next)
	shouldWake := compare(cmp, prev, cmparg)
	b2.mu.Unlock()

	if shouldWake {
		woken += f.Wake(addr2, count2)
	}
	return woken
}
