package api

import (
	"time"

	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/handleset"
	"github.com/mollenos/valicore/internal/kernel/sched"
)

// HSetCreate allocates a new handle-set (spec §6 hset_create).
func (k *Kernel) HSetCreate(flags uint32) (handle.ID, *handleset.Set, error) {
	return k.HSets.Create(flags)
}

// HSetCtrl adds, modifies, or removes a subscription on set (spec §6
// hset_ctrl).
func (k *Kernel) HSetCtrl(set *handleset.Set, op handleset.Op, h handle.ID, mask uint64, data any) error {
	return set.Ctrl(op, h, mask, data)
}

// HSetWait blocks until at least one subscription is ready (spec §6
// hset_wait).
func (k *Kernel) HSetWait(set *handleset.Set, events []handleset.Event, pollMask uint64, deadline time.Time, t *sched.Thread) (int, error) {
	return set.Wait(events, pollMask, deadline, t)
}
