// Package vmm implements the per-address-space virtual memory manager
// (spec §4.2, C2): mapping, unmapping, protection changes, and page-fault
// dispatch including copy-on-write resolution.
//
// A real kernel walks hierarchical page tables; this model keeps the same
// external contract (full-range-or-nothing mappings, COW-on-fault, fatal
// kernel faults) over a flat map keyed by virtual page number, the same way
// the teacher's resource store (pkg/resource/store) keeps a transactional
// contract over a flat in-memory map rather than a real B-tree.
package vmm

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/frame"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Addr is a virtual address, in bytes.
type Addr uint64

// Flags is the per-mapping attribute bitmask from spec §4.2.
type Flags uint32

const (
	Committed Flags = 1 << iota
	Userspace
	Executable
	Persistent
	COW
	Guard
	// Writable is not in the spec's literal flag list but is required to
	// express "userspace, writable, not yet COW-resolved" versus
	// "userspace, permanently read-only" without overloading COW for both.
	Writable
)

// Kind selects how create() seeds a new address space.
type Kind int

const (
	KindKernel Kind = iota
	KindApplication
	KindInheritFromParent
)

// AccessKind distinguishes the fault-triggering operation.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

// FaultOutcome reports how fault() resolved.
type FaultOutcome int

const (
	FaultResolved FaultOutcome = iota
	FaultSignal
)

// entry is one page's worth of mapping state. A whole multi-page map()
// request expands to one entry per page so unmap/protect can always operate
// on a sub-range without leaving a partial page behind.
type entry struct {
	frame      frame.Number
	present    bool // frame holds a valid backing frame; frame 0 is itself allocatable
	flags      Flags
	commitable bool // created with commit-on-fault semantics (reserved, uncommitted range)
}

const pageSize = frame.PageSize

// KernelSplit is the first virtual address of the shared kernel half, chosen
// to mirror "top half on 64-bit" from spec §4.2 without actually needing
// 64-bit-wide ranges in a simulation.
const KernelSplit Addr = 1 << 47

// Space is one address space: either the single shared kernel space or one
// per-process user space.
type Space struct {
	mu      sync.RWMutex
	id      uint64
	kind    Kind
	entries map[Addr]*entry

	// userHeapRanges and sharedRanges are non-overlap ledgers for the
	// bitmaps spec §4.2 requires ("per-space bitmaps for user-heap and
	// shared-mapping ranges"); a sorted disjoint-interval list plays the
	// same role as a bitmap at the granularity this model needs.
	userHeapRanges []rng
	sharedRanges   []rng
}

type rng struct{ start, end Addr } // [start, end)

// Manager owns the frame allocator and the single shared kernel space that
// every application space links against.
type Manager struct {
	mu     sync.Mutex
	frames *frame.Allocator
	log    logr.Logger

	nextID uint64
	kernel *Space
	spaces map[uint64]*Space
}

// New builds a Manager and its kernel address space.
func New(frames *frame.Allocator, log logr.Logger) *Manager {
	m := &Manager{
		frames: frames,
		log:    log,
		spaces: make(map[uint64]*Space),
	}
	m.kernel = &Space{id: 0, kind: KindKernel, entries: make(map[Addr]*entry)}
	m.spaces[0] = m.kernel
	return m
}

// Create builds a new address space of the given kind (spec §4.2 create()).
// KindInheritFromParent clones parent's user mappings COW-style; parent is
// ignored for the other two kinds.
func (m *Manager) Create(kind Kind, parent *Space) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := &Space{id: m.nextID, kind: kind, entries: make(map[Addr]*entry)}

	switch kind {
	case KindKernel:
		return nil, kerrors.Newf(kerrors.InvalidParameters, "create: only one kernel space may exist")
	case KindInheritFromParent:
		if parent == nil {
			return nil, kerrors.Newf(kerrors.InvalidParameters, "create: inherit-from-parent requires a parent space")
		}
		parent.mu.Lock()
		for va, e := range parent.entries {
			if e.flags&Userspace == 0 {
				continue // kernel mappings are implicit, not copied per-space
			}
			clone := *e
			if clone.flags&Writable != 0 {
				// Duplicate read-only in both spaces; a write later triggers
				// COW resolution in whichever space writes first.
				clone.flags = (clone.flags &^ Writable) | COW
				e.flags = (e.flags &^ Writable) | COW
			}
			if clone.present {
				m.frames.IncRef(clone.frame)
			}
			s.entries[va] = &clone
		}
		s.userHeapRanges = append([]rng(nil), parent.userHeapRanges...)
		s.sharedRanges = append([]rng(nil), parent.sharedRanges...)
		parent.mu.Unlock()
	case KindApplication:
		// starts empty; caller maps in its own regions
	default:
		return nil, kerrors.Newf(kerrors.InvalidParameters, "create: unknown kind %d", kind)
	}

	m.spaces[s.id] = s
	return s, nil
}

// MapRequest mirrors spec §4.2's map() argument struct.
type MapRequest struct {
	PhysStart      frame.Number // used when Placement has PhysicalFixed
	VirtStart      Addr         // used when Placement has VirtualFixed
	Length         uint64       // bytes; rounded up to a page multiple
	Flags          Flags
	PhysicalFixed      bool
	VirtualFixed       bool
	PhysicalContiguous bool
	// CommitOnFault marks an uncommitted reserved range that should be
	// populated lazily by fault() rather than up front.
	CommitOnFault bool
}

// Map reserves/commits a virtual range per req and returns its base address.
func (m *Manager) Map(s *Space, req MapRequest) (Addr, error) {
	if req.Length == 0 {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "map: length must be > 0")
	}
	pages := (req.Length + pageSize - 1) / pageSize

	s.mu.Lock()
	defer s.mu.Unlock()

	base := req.VirtStart
	if !req.VirtualFixed {
		base = s.findFreeRange(pages)
	}
	if s.overlaps(base, pages) {
		return 0, kerrors.Newf(kerrors.AlreadyExists, "map: range [%#x, %#x) already mapped", base, uint64(base)+pages*pageSize)
	}
	if s.kind != KindKernel && base >= KernelSplit {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "map: user request would land in the kernel half")
	}

	var frames []frame.Number
	var err error
	if req.Flags&Committed != 0 && !req.CommitOnFault {
		mask := frame.MaskAny
		if req.PhysicalContiguous {
			frames, err = m.frames.AllocateContiguous(int(pages), mask)
		} else {
			frames, err = m.frames.Allocate(int(pages), mask)
		}
		if err != nil {
			return 0, err
		}
	} else if req.PhysicalFixed {
		for i := uint64(0); i < pages; i++ {
			pfn := req.PhysStart + frame.Number(i)
			m.frames.IncRef(pfn)
			frames = append(frames, pfn)
		}
	}

	for i := uint64(0); i < pages; i++ {
		va := base + Addr(i*pageSize)
		e := &entry{flags: req.Flags, commitable: req.CommitOnFault}
		if frames != nil {
			e.frame = frames[i]
			e.present = true
		}
		s.entries[va] = e
	}

	r := rng{start: base, end: base + Addr(pages*pageSize)}
	if req.Flags&Userspace != 0 {
		s.userHeapRanges = append(s.userHeapRanges, r)
	}
	return base, nil
}

// Translate returns the physical frame backing the page containing virt, for
// callers that need to write a mapped page's initial contents directly
// through the frame allocator (internal/kernel/loader populating a freshly
// mapped section with image bytes).
func (m *Manager) Translate(s *Space, virt Addr) (frame.Number, error) {
	page := virt &^ Addr(pageSize-1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[page]
	if !ok || !e.present {
		return 0, kerrors.Newf(kerrors.NotFound, "translate: page %#x not mapped", page)
	}
	return e.frame, nil
}

// Query reports the flags and backing frame (if committed) of the page
// containing virt (spec §6 mem_query).
func (m *Manager) Query(s *Space, virt Addr) (Flags, frame.Number, error) {
	page := virt &^ Addr(pageSize-1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[page]
	if !ok {
		return 0, 0, kerrors.Newf(kerrors.NotFound, "query: page %#x not mapped", page)
	}
	return e.flags, e.frame, nil
}

// Unmap releases a previously mapped, page-aligned range.
func (m *Manager) Unmap(s *Space, virt Addr, length uint64) error {
	if length == 0 {
		return kerrors.Newf(kerrors.InvalidParameters, "unmap: length must be > 0")
	}
	pages := (length + pageSize - 1) / pageSize

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < pages; i++ {
		va := virt + Addr(i*pageSize)
		if _, ok := s.entries[va]; !ok {
			return kerrors.Newf(kerrors.NotFound, "unmap: page %#x not mapped", va)
		}
	}
	for i := uint64(0); i < pages; i++ {
		va := virt + Addr(i*pageSize)
		e := s.entries[va]
		if e.present {
			m.frames.DecRef(e.frame)
		}
		delete(s.entries, va)
	}
	return nil
}

// Protect changes the flags of a mapped range and returns its prior flags
// (spec §4.2 protect()). All pages in the range must carry the same flags.
func (m *Manager) Protect(s *Space, virt Addr, length uint64, newFlags Flags) (Flags, error) {
	if length == 0 {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "protect: length must be > 0")
	}
	pages := (length + pageSize - 1) / pageSize

	s.mu.Lock()
	defer s.mu.Unlock()

	var old Flags
	for i := uint64(0); i < pages; i++ {
		va := virt + Addr(i*pageSize)
		e, ok := s.entries[va]
		if !ok {
			return 0, kerrors.Newf(kerrors.NotFound, "protect: page %#x not mapped", va)
		}
		if i == 0 {
			old = e.flags
		}
	}
	for i := uint64(0); i < pages; i++ {
		va := virt + Addr(i*pageSize)
		s.entries[va].flags = newFlags
	}
	return old, nil
}

// Fault resolves a page fault per spec §4.2's fault policy.
func (m *Manager) Fault(s *Space, addr Addr, access AccessKind) (FaultOutcome, error) {
	if s.kind != KindKernel && addr >= KernelSplit {
		return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: access to kernel address %#x from user space is fatal", addr)
	}

	page := addr &^ Addr(pageSize-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[page]
	if !ok {
		return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: %#x is not part of any mapping", addr)
	}

	if !e.commitable && !e.present {
		return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: %#x is reserved but not commit-on-fault", addr)
	}

	if !e.present {
		// Uncommitted reserved range with commit-on-fault semantics.
		frames, err := m.frames.Allocate(1, frame.MaskAny)
		if err != nil {
			return FaultSignal, err
		}
		e.frame = frames[0]
		e.present = true
		return FaultResolved, nil
	}

	if access == AccessWrite && e.flags&COW != 0 {
		if e.flags&Committed == 0 || e.flags&Userspace == 0 {
			return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: %#x is not a committed user range", addr)
		}
		if m.frames.RefCount(e.frame) <= 1 {
			// Sole owner: just upgrade in place, no copy needed.
			e.flags = (e.flags &^ COW) | Writable
			return FaultResolved, nil
		}
		newFrames, err := m.frames.Allocate(1, frame.MaskAny)
		if err != nil {
			return FaultSignal, err
		}
		m.frames.WriteFrame(newFrames[0], m.frames.ReadFrame(e.frame))
		m.frames.DecRef(e.frame)
		e.frame = newFrames[0]
		e.flags = (e.flags &^ COW) | Writable
		return FaultResolved, nil
	}

	if access == AccessWrite && e.flags&Writable == 0 && e.flags&COW == 0 {
		return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: %#x is not writable", addr)
	}
	if access == AccessExecute && e.flags&Executable == 0 {
		return FaultSignal, kerrors.Newf(kerrors.PermissionDenied, "fault: %#x is not executable", addr)
	}

	return FaultResolved, nil
}

// Translate returns the physical frame backing addr, for tests and for C9's
// SHM export path which needs a space's current physical mapping.
func (s *Space) Translate(addr Addr) (frame.Number, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[addr&^Addr(pageSize-1)]
	if !ok || !e.present {
		return 0, false
	}
	return e.frame, true
}

// ID returns the space's identifier.
func (s *Space) ID() uint64 { return s.id }

func (s *Space) overlaps(base Addr, pages uint64) bool {
	for i := uint64(0); i < pages; i++ {
		if _, ok := s.entries[base+Addr(i*pageSize)]; ok {
			return true
		}
	}
	return false
}

// findFreeRange performs a simple first-fit scan over the user half for a
// placement-agnostic map() call; real kernels keep a free-range tree, but a
// linear scan is sufficient for the address-space sizes this model uses.
func (s *Space) findFreeRange(pages uint64) Addr {
	var candidate Addr = pageSize // leave page 0 unmapped so null derefs fault
	for {
		if !s.overlaps(candidate, pages) {
			return candidate
		}
		candidate += pageSize
	}
}
