package api

import (
	"github.com/mollenos/valicore/internal/kernel/loader"
	"github.com/mollenos/valicore/internal/kernel/vmm"
)

// ModuleLoad parses image (an MZ+PE binary) and maps it into p's address
// space under path, resolving its import DAG depth-first (spec §6, the
// process-manager-facing half of C13).
func (k *Kernel) ModuleLoad(p *Process, path string, image []byte) (*loader.Module, error) {
	return k.Loader.Load(p.Space, path, image)
}

// ModuleUnload drops p's reference to mod, unmapping it once no importer
// remains.
func (k *Kernel) ModuleUnload(mod *loader.Module) error {
	return k.Loader.Unload(mod)
}

// ModuleResolveFunction resolves name against mod's export directory,
// returning its address in the owning space.
func (k *Kernel) ModuleResolveFunction(mod *loader.Module, name string) (vmm.Addr, error) {
	return k.Loader.PeResolveFunction(mod, name)
}
