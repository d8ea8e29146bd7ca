package api

import (
	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/vmm"
)

// MemAlloc reserves (and, if Committed is set, backs) a virtual range in
// p's address space (spec §6 mem_alloc).
func (k *Kernel) MemAlloc(p *Process, req vmm.MapRequest) (vmm.Addr, error) {
	return k.VMM.Map(p.Space, req)
}

// MemFree releases a previously allocated range (spec §6 mem_free).
func (k *Kernel) MemFree(p *Process, addr vmm.Addr, length uint64) error {
	return k.VMM.Unmap(p.Space, addr, length)
}

// MemProtect changes a range's access flags, returning the flags that were
// in effect before the change (spec §6 mem_protect).
func (k *Kernel) MemProtect(p *Process, addr vmm.Addr, length uint64, newFlags vmm.Flags) (vmm.Flags, error) {
	return k.VMM.Protect(p.Space, addr, length, newFlags)
}

// MemQuery reports the flags and backing frame of the page containing addr
// (spec §6 mem_query).
func (k *Kernel) MemQuery(p *Process, addr vmm.Addr) (vmm.Flags, frame.Number, error) {
	return k.VMM.Query(p.Space, addr)
}
