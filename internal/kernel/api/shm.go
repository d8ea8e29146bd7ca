package api

import (
	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/shm"
	"github.com/mollenos/valicore/internal/kernel/vmm"
)

// SHMCreate allocates a new shared-memory buffer and maps it into p's
// address space (spec §6 shm_create).
func (k *Kernel) SHMCreate(p *Process, size uint64, flags shm.Flags, access shm.Access) (handle.ID, vmm.Addr, error) {
	return k.SHM.Create(p.Space, size, flags, access)
}

// SHMExport wraps already-allocated frames as a shared-memory handle
// without copying (spec §6 shm_export).
func (k *Kernel) SHMExport(frames []frame.Number, length uint64, access shm.Access) (handle.ID, error) {
	return k.SHM.Export(frames, length, access)
}

// SHMAttach maps an existing buffer into p's address space (spec §6
// shm_attach).
func (k *Kernel) SHMAttach(p *Process, id handle.ID, requested shm.Access) (vmm.Addr, error) {
	return k.SHM.Attach(id, p.Space, requested)
}

// SHMMap is the alias the syscall table names separately from Attach (spec
// §6 shm_map).
func (k *Kernel) SHMMap(p *Process, id handle.ID, access shm.Access) (vmm.Addr, error) {
	return k.SHM.Map(id, p.Space, access)
}

// SHMCommit populates a reserved-but-uncommitted mapped range (spec §6
// shm_commit).
func (k *Kernel) SHMCommit(p *Process, id handle.ID, va vmm.Addr, length uint64) error {
	return k.SHM.Commit(id, p.Space, va, length)
}

// SHMUnmap is an alias for Detach under the syscall table's own name (spec
// §6 shm_unmap).
func (k *Kernel) SHMUnmap(p *Process, id handle.ID) error {
	return k.SHM.Detach(id, p.Space)
}

// SHMDetach revokes p's local mapping of id (spec §6 shm_detach).
func (k *Kernel) SHMDetach(p *Process, id handle.ID) error {
	return k.SHM.Detach(id, p.Space)
}

// SHMSGTable returns the scatter-gather fragment list for id (spec §6
// shm_sg_table).
func (k *Kernel) SHMSGTable(id handle.ID) ([]shm.SGEntry, error) {
	return k.SHM.GetSGTable(id)
}
