package api

import (
	"github.com/mollenos/valicore/internal/kernel/handle"
)

// HandleCreate registers payload as a new typed handle in p's table (spec
// §6 handle_create).
func (k *Kernel) HandleCreate(p *Process, typ handle.Type, payload any, destructor handle.Destructor) handle.ID {
	return p.Handles.Create(typ, payload, destructor)
}

// HandleDestroy drops p's reference to id; the object's destructor runs
// once every reference to it in p's table (including aliases made with
// Wrap) is gone. References held in other processes' tables are not
// counted (spec §6 handle_destroy).
func (k *Kernel) HandleDestroy(p *Process, id handle.ID) error {
	return p.Handles.Destroy(id)
}

// HandleSetPath registers id under path in p's own handle table, failing
// AlreadyExists if p's table already has that path. Paths are per process:
// other processes' tables do not see it (spec §6 handle_set_path).
func (k *Kernel) HandleSetPath(p *Process, id handle.ID, path string) error {
	return p.Handles.SetPath(id, path)
}

// HandleLookupPath resolves a path registered by HandleSetPath (spec §6
// handle_lookup_path).
func (k *Kernel) HandleLookupPath(p *Process, path string) (handle.ID, error) {
	return p.Handles.FindByPath(path)
}

// HandleMarkActivity ORs bits into id's pending activity word and wakes
// every subscribed handle-set (spec §6 handle_mark_activity).
func (k *Kernel) HandleMarkActivity(p *Process, id handle.ID, bits uint64) error {
	return p.Handles.MarkActivity(id, bits)
}
