package api

import (
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/intr"
)

// InterruptAdd registers a driver's interrupt descriptor and returns its
// handle (spec §6 interrupt_add).
func (k *Kernel) InterruptAdd(desc intr.Descriptor) (handle.ID, error) {
	return k.Intr.Register(desc)
}

// InterruptRemove unregisters a previously added descriptor (spec §6
// interrupt_remove).
func (k *Kernel) InterruptRemove(id handle.ID) error {
	return k.Intr.Unregister(id)
}

// InterruptAck clears a deferred-dispatch handle's activity bit once the
// driver thread it woke has finished servicing the event (spec §6
// interrupt_ack).
func (k *Kernel) InterruptAck(deferredHandle handle.ID) error {
	return k.Intr.Ack(deferredHandle)
}
