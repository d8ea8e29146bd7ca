package api

import (
	"time"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/sched"
)

// FutexWait blocks the calling thread until *addr changes from expected or
// deadline passes (spec §6 futex_wait).
func (k *Kernel) FutexWait(addr *int32, expected int32, deadline time.Time, t *sched.Thread) error {
	return k.Futex.Wait(addr, expected, deadline, t)
}

// FutexWake wakes up to count waiters on addr (spec §6 futex_wake).
func (k *Kernel) FutexWake(addr *int32, count int) int {
	return k.Futex.Wake(addr, count)
}

// FutexWakeOp wakes up to count1 waiters on addr1, modifies *addr2 per op,
// and conditionally wakes addr2's waiters too (spec §6 futex_wake_op).
func (k *Kernel) FutexWakeOp(addr1 *int32, count1 int, addr2 *int32, count2 int, op futex.Op, oparg int32, cmp futex.Cmp, cmparg int32) int {
	return k.Futex.WakeOp(addr1, count1, addr2, count2, op, oparg, cmp, cmparg)
}

// GlobalSemaphoreCreate allocates or attaches to a named, process-shareable
// semaphore, supplementing spec §4.6/§6 with the feature
// original_source/kernel/synchronization/semaphore_global.c exposes.
func (k *Kernel) GlobalSemaphoreCreate(name string, initial, max int32) (handle.ID, *futex.Semaphore, error) {
	return k.Sync.Create(name, initial, max)
}

// GlobalSemaphoreLookup resolves a name registered by GlobalSemaphoreCreate.
func (k *Kernel) GlobalSemaphoreLookup(name string) (handle.ID, *futex.Semaphore, error) {
	return k.Sync.Lookup(name)
}

// GlobalSemaphoreDestroy releases a reference to a named semaphore.
func (k *Kernel) GlobalSemaphoreDestroy(id handle.ID) error {
	return k.Sync.Destroy(id)
}
