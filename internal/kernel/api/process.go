package api

import (
	"time"

	"github.com/mollenos/valicore/internal/kernel/sched"
)

// ThreadCreate spawns a thread in p pinned to coreID at priority, running
// entry (spec §6 thread_create).
func (k *Kernel) ThreadCreate(p *Process, coreID, priority int, entry func(*sched.Thread)) (*sched.Thread, error) {
	return k.Sched.Create(coreID, priority, entry)
}

// ThreadExit terminates the calling thread immediately (spec §6
// thread_exit); call from within the thread's own entry function.
func (k *Kernel) ThreadExit(t *sched.Thread) {
	t.Exit()
}

// ThreadJoin blocks until t exits (spec §6 thread_join).
func (k *Kernel) ThreadJoin(t *sched.Thread) error {
	return t.Join()
}

// ThreadDetach marks t so its resources are freed on exit without a join
// (spec §6 thread_detach).
func (k *Kernel) ThreadDetach(t *sched.Thread) {
	t.Detach()
}

// ThreadSignal requests t exit at its next suspension point (spec §6
// thread_signal).
func (k *Kernel) ThreadSignal(t *sched.Thread) {
	t.Signal()
}

// ThreadYield gives up the remainder of the calling thread's quantum (spec
// §6 thread_yield).
func (k *Kernel) ThreadYield(t *sched.Thread) {
	t.Yield()
}

// ThreadSleep parks the calling thread for d (spec §6 thread_sleep).
func (k *Kernel) ThreadSleep(t *sched.Thread, d time.Duration) {
	t.Sleep(d)
}

// ThreadCookie reads the calling thread's TLS pointer (spec §6
// thread_cookie).
func (k *Kernel) ThreadCookie(t *sched.Thread) uint64 {
	return t.Cookie()
}

// SetThreadCookie sets the calling thread's TLS pointer (spec §6
// thread_cookie).
func (k *Kernel) SetThreadCookie(t *sched.Thread, v uint64) {
	t.SetCookie(v)
}
