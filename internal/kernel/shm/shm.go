// Package shm implements the shared-memory buffer manager (spec §4.9, C9):
// named memory regions creatable, exportable, attachable into one or more
// address spaces, and exposed to drivers as scatter-gather tables.
//
// Grounded on the same "registry of ref-counted objects behind a handle"
// shape internal/kernel/handle already establishes; shm.Manager is itself a
// client of handle.Table rather than a second table, mirroring how the
// teacher's pkg/resource/store callers (its subscriber fan-out, its
// snapshot collectors) never reimplement their own object registry but
// build on the one store.
package shm

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Flags selects creation-time properties of a buffer (spec §4.9).
type Flags uint32

const (
	// Device requests physically contiguous backing. Frames are always
	// drawn under frame.MaskAny; a narrower DMA mask cannot be selected.
	Device Flags = 1 << iota
)

// Access is the tri-state permission a mapping may request or a buffer may
// grant; buffers and mappings both carry an Access, and an attach's
// effective permission is the intersection of the two (spec §4.9 "Attach").
type Access uint32

const (
	Read Access = 1 << iota
	Write
	Execute
)

// intersect returns the permissions present in both a and b.
func (a Access) intersect(b Access) Access { return a & b }

// SGEntry is one scatter-gather fragment: a physically contiguous run.
type SGEntry struct {
	Phys   frame.Number
	Length uint64 // bytes
}

// Type is the handle.Type this package registers its buffer objects under.
const Type handle.Type = 0x53484d // "SHM"

const pageSize = frame.PageSize

type mapping struct {
	space *vmm.Space
	virt  vmm.Addr
}

// buffer is the shm.Manager's private bookkeeping for one handle; handle.Table
// holds *buffer as the object payload so Destroy's destructor callback can
// reach it.
type buffer struct {
	mu       sync.Mutex
	id       handle.ID
	length   uint64
	capacity uint64
	flags    Flags
	access   Access
	frames   []frame.Number // one per page, in virtual-offset order
	sg       []SGEntry
	mappings map[uint64]*mapping // keyed by vmm.Space.ID()
}

// Manager creates, exports, attaches, and destroys shared-memory buffers.
type Manager struct {
	mu      sync.Mutex
	frames  *frame.Allocator
	vmm     *vmm.Manager
	handles *handle.Table
	log     logr.Logger

	buffers map[handle.ID]*buffer
}

// New builds a Manager over the given frame allocator, VMM, and handle table.
func New(frames *frame.Allocator, vmMgr *vmm.Manager, handles *handle.Table, log logr.Logger) *Manager {
	return &Manager{
		frames:  frames,
		vmm:     vmMgr,
		handles: handles,
		log:     log,
		buffers: make(map[handle.ID]*buffer),
	}
}

func contiguousSG(frames []frame.Number) []SGEntry {
	if len(frames) == 0 {
		return nil
	}
	var sg []SGEntry
	start := frames[0]
	run := uint64(1)
	for i := 1; i < len(frames); i++ {
		if frames[i] == frames[i-1]+1 {
			run++
			continue
		}
		sg = append(sg, SGEntry{Phys: start, Length: run * pageSize})
		start = frames[i]
		run = 1
	}
	sg = append(sg, SGEntry{Phys: start, Length: run * pageSize})
	return sg
}

// Create allocates a new buffer of size bytes and maps it into creator with
// access, returning the buffer's handle and its local virtual address
// (spec §4.9 "Creation").
func (m *Manager) Create(creator *vmm.Space, size uint64, flags Flags, access Access) (handle.ID, vmm.Addr, error) {
	if size == 0 {
		return 0, 0, kerrors.Newf(kerrors.InvalidParameters, "shm_create: size must be > 0")
	}
	pages := (size + pageSize - 1) / pageSize

	mask := frame.MaskAny
	var frames []frame.Number
	var err error
	if flags&Device != 0 {
		frames, err = m.frames.AllocateContiguous(int(pages), mask)
	} else {
		frames, err = m.frames.Allocate(int(pages), mask)
	}
	if err != nil {
		return 0, 0, err
	}

	buf := &buffer{
		length:   size,
		capacity: pages * pageSize,
		flags:    flags,
		access:   access,
		frames:   frames,
		sg:       contiguousSG(frames),
		mappings: make(map[uint64]*mapping),
	}

	id := m.handles.Create(Type, buf, m.destroy)
	buf.id = id

	m.mu.Lock()
	m.buffers[id] = buf
	m.mu.Unlock()

	virt, err := m.mapInto(buf, creator, access)
	if err != nil {
		_ = m.handles.Destroy(id)
		return 0, 0, err
	}
	return id, virt, nil
}

// Export wraps an already-allocated run of frames (e.g. pages backing a C10
// stream-buffer) as a shared-memory handle without copying, per spec §4.9
// "Export".
func (m *Manager) Export(frames []frame.Number, length uint64, access Access) (handle.ID, error) {
	if len(frames) == 0 {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "shm_export: no frames given")
	}
	for _, pfn := range frames {
		m.frames.IncRef(pfn)
	}
	buf := &buffer{
		length:   length,
		capacity: uint64(len(frames)) * pageSize,
		access:   access,
		frames:   frames,
		sg:       contiguousSG(frames),
		mappings: make(map[uint64]*mapping),
	}
	id := m.handles.Create(Type, buf, m.destroy)
	buf.id = id
	m.mu.Lock()
	m.buffers[id] = buf
	m.mu.Unlock()
	return id, nil
}

// Attach presents handle id for mapping into space. The effective mapping
// permission is the intersection of the buffer's own access and requested
// (spec §4.9 "Attach").
func (m *Manager) Attach(id handle.ID, space *vmm.Space, requested Access) (vmm.Addr, error) {
	buf, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return m.mapInto(buf, space, requested.intersect(buf.access))
}

func (m *Manager) mapInto(buf *buffer, space *vmm.Space, access Access) (vmm.Addr, error) {
	// Deliberately omits vmm.Committed: that flag tells Map to allocate
	// fresh frames (spec §4.2's "Committed" path), which would double-
	// allocate backing for a buffer shm already owns. PhysicalFixed alone
	// tells Map to IncRef and map the given frames as-is.
	flags := vmm.Userspace
	if access&Write != 0 {
		flags |= vmm.Writable
	}
	if access&Execute != 0 {
		flags |= vmm.Executable
	}

	req := vmm.MapRequest{
		Length:             buf.capacity,
		Flags:              flags,
		PhysicalFixed:      true,
		PhysStart:          buf.frames[0],
		PhysicalContiguous: len(buf.sg) == 1,
	}
	// Non-contiguous buffers map page-by-page so each VA maps to its own
	// (possibly discontiguous) backing frame instead of a run starting at
	// frames[0].
	if len(buf.sg) != 1 {
		return m.mapScattered(buf, space, flags)
	}

	virt, err := m.vmm.Map(space, req)
	if err != nil {
		return 0, err
	}
	buf.mu.Lock()
	buf.mappings[space.ID()] = &mapping{space: space, virt: virt}
	buf.mu.Unlock()
	return virt, nil
}

func (m *Manager) mapScattered(buf *buffer, space *vmm.Space, flags vmm.Flags) (vmm.Addr, error) {
	base, err := m.vmm.Map(space, vmm.MapRequest{
		Length:        pageSize,
		Flags:         flags,
		PhysicalFixed: true,
		PhysStart:     buf.frames[0],
	})
	if err != nil {
		return 0, err
	}
	for i := 1; i < len(buf.frames); i++ {
		if _, err := m.vmm.Map(space, vmm.MapRequest{
			Length:        pageSize,
			Flags:         flags,
			VirtualFixed:  true,
			VirtStart:     base + vmm.Addr(uint64(i)*pageSize),
			PhysicalFixed: true,
			PhysStart:     buf.frames[i],
		}); err != nil {
			return 0, err
		}
	}
	buf.mu.Lock()
	buf.mappings[space.ID()] = &mapping{space: space, virt: base}
	buf.mu.Unlock()
	return base, nil
}

// Map is an alias for Attach kept for naming parity with the spec's
// "SHMMap(handle) -> mapped after create" step; this model performs the
// initial mapping inside Create, so Map exists for additional processes
// that already hold the handle and want a fresh local mapping.
func (m *Manager) Map(id handle.ID, space *vmm.Space, access Access) (vmm.Addr, error) {
	return m.Attach(id, space, access)
}

// Detach revokes space's local mapping of id (spec §4.9 "Attach... Detach
// revokes the local mapping").
func (m *Manager) Detach(id handle.ID, space *vmm.Space) error {
	buf, err := m.lookup(id)
	if err != nil {
		return err
	}
	buf.mu.Lock()
	mp, ok := buf.mappings[space.ID()]
	if ok {
		delete(buf.mappings, space.ID())
	}
	buf.mu.Unlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "shm_detach: %d not mapped in this space", id)
	}
	return m.vmm.Unmap(mp.space, mp.virt, buf.capacity)
}

// Commit populates a reserved-but-uncommitted range (spec §4.9 "Commit").
// This model always commits buffers eagerly at Create/Export time, so
// Commit is a no-op success for an already-committed range and NotFound
// otherwise; it exists so callers written against the spec's lazy-commit
// contract compile and behave sanely.
func (m *Manager) Commit(id handle.ID, space *vmm.Space, va vmm.Addr, length uint64) error {
	buf, err := m.lookup(id)
	if err != nil {
		return err
	}
	buf.mu.Lock()
	_, ok := buf.mappings[space.ID()]
	buf.mu.Unlock()
	if !ok {
		return kerrors.Newf(kerrors.NotFound, "shm_commit: %d not mapped in this space", id)
	}
	return nil
}

// GetSGTable returns the scatter-gather fragment list for id (spec §4.9).
func (m *Manager) GetSGTable(id handle.ID) ([]SGEntry, error) {
	buf, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return append([]SGEntry(nil), buf.sg...), nil
}

// SGTableOffset locates the (entry index, intra-entry offset) of a byte
// offset within id's scatter-gather list (spec §4.9).
func (m *Manager) SGTableOffset(id handle.ID, offset uint64) (int, uint64, error) {
	buf, err := m.lookup(id)
	if err != nil {
		return 0, 0, err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	remaining := offset
	for i, e := range buf.sg {
		if remaining < e.Length {
			return i, remaining, nil
		}
		remaining -= e.Length
	}
	return 0, 0, kerrors.Newf(kerrors.InvalidParameters, "sg_table_offset: offset %d beyond buffer length", offset)
}

// IsContiguous reports whether id was created/exported as a single SG entry
// (spec §4.9 invariant: "an SG_CONTIGUOUS buffer has exactly one SG entry").
func (m *Manager) IsContiguous(id handle.ID) (bool, error) {
	buf, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.sg) == 1, nil
}

func (m *Manager) lookup(id handle.ID) (*buffer, error) {
	typ, payload, err := m.handles.Lookup(id)
	if err != nil {
		return nil, err
	}
	if typ != Type {
		return nil, kerrors.Newf(kerrors.InvalidParameters, "handle %d is not a shared-memory buffer", id)
	}
	return payload.(*buffer), nil
}

// destroy is the handle.Table destructor: releases the backing frames once
// the buffer's refcount hits zero (spec §4.9 "destroyed when handle
// refcount hits zero").
func (m *Manager) destroy(payload any) {
	buf := payload.(*buffer)
	m.frames.Free(buf.frames)
	m.mu.Lock()
	delete(m.buffers, buf.id)
	m.mu.Unlock()
}
