// Package loader implements the module loader (spec §4.13, C13): parses PE
// (MZ+PE) images, maps their sections into a process address space, applies
// base relocations, resolves imports depth-first over the module DAG, lays
// out TLS, and resolves exported symbols by name.
//
// Container parsing (DOS/COFF/optional headers, sections, the import
// table) is delegated to the standard library's debug/pe: no PE/COFF
// parsing library appears anywhere in the retrieved examples, and
// debug/pe is the same well-tested, idiomatic choice the rest of the Go
// ecosystem reaches for (debug/elf and debug/macho play the identical role
// for their formats). The kernel-specific pieces debug/pe does not parse —
// the export directory, base relocations, and the TLS directory — are
// implemented here by hand, grounded on
// original_source/kernel/include/modules/modules.h's module/resource model.
package loader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"sync"

	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Type is the handle.Type a loaded module is registered under.
const Type handle.Type = 0x4d4f44 // "MOD"

// State is a loaded image's position in spec §4.13's state machine.
type State int

const (
	Unloaded State = iota
	Loaded
	Linked
	Initialized
	Unloading
)

// Resolver loads a dependency's raw image bytes by import library name
// (e.g. from the initrd), for imports not already loaded in the same
// address space.
type Resolver func(name string) ([]byte, error)

// TLSLayout is one image's contribution to a process's TLS block: a
// template to copy into each new thread's per-thread storage, plus a
// zero-filled tail (spec §4.13 "TLS").
type TLSLayout struct {
	Template []byte
	ZeroFill uint64
}

// Module is one loaded PE image.
type Module struct {
	mu       sync.Mutex
	id       handle.ID
	path     string
	space    *vmm.Space
	base     vmm.Addr
	size     uint64
	state    State
	imports  []*Module
	exports  map[string]uint32 // symbol name -> RVA
	tls      *TLSLayout
	refcount int32
}

// ID is mod's handle.
func (mod *Module) ID() handle.ID { return mod.id }

// State reports mod's current load-state-machine position.
func (mod *Module) State() State {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.state
}

// TLS returns mod's TLS layout, or nil if the image carries no TLS
// directory.
func (mod *Module) TLS() *TLSLayout {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	return mod.tls
}

// Manager loads, links, and unloads PE modules into address spaces.
type Manager struct {
	mu       sync.Mutex
	vmm      *vmm.Manager
	frames   *frame.Allocator
	handles  *handle.Table
	log      logr.Logger
	resolver Resolver

	bySpacePath map[uint64]map[string]*Module
}

// New builds a Manager. resolver loads a named dependency's raw image bytes
// when an import is not already loaded in the target address space.
func New(vmMgr *vmm.Manager, frames *frame.Allocator, handles *handle.Table, resolver Resolver, log logr.Logger) *Manager {
	return &Manager{
		vmm:         vmMgr,
		frames:      frames,
		handles:     handles,
		resolver:    resolver,
		log:         log,
		bySpacePath: make(map[uint64]map[string]*Module),
	}
}

// Load parses image and maps it into space under path, resolving imports
// depth-first and registering each newly loaded image exactly once per
// space (spec §4.13's "already-loaded modules in the same process" reuse
// and its cycle-safe "visited set"). Re-loading an already-loaded path
// bumps its refcount instead of mapping a second copy.
func (m *Manager) Load(space *vmm.Space, path string, image []byte) (*Module, error) {
	if mod := m.find(space, path); mod != nil {
		mod.mu.Lock()
		mod.refcount++
		mod.mu.Unlock()
		return mod, nil
	}
	return m.loadDFS(space, path, image, make(map[string]bool))
}

func (m *Manager) find(space *vmm.Space, path string) *Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byPath, ok := m.bySpacePath[space.ID()]; ok {
		return byPath[path]
	}
	return nil
}

func (m *Manager) register(space *vmm.Space, path string, mod *Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPath, ok := m.bySpacePath[space.ID()]
	if !ok {
		byPath = make(map[string]*Module)
		m.bySpacePath[space.ID()] = byPath
	}
	byPath[path] = mod
}

func (m *Manager) loadDFS(space *vmm.Space, path string, image []byte, visiting map[string]bool) (*Module, error) {
	if visiting[path] {
		return nil, kerrors.Newf(kerrors.InvalidParameters, "loader: import cycle at %s", path)
	}
	visiting[path] = true
	defer delete(visiting, path)

	file, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.InvalidParameters, err)
	}
	defer file.Close()

	mod := &Module{path: path, space: space, exports: make(map[string]uint32), refcount: 1}
	mod.id = m.handles.Create(Type, mod, m.destroy)

	delta, err := m.mapSections(mod, file)
	if err != nil {
		_ = m.handles.Destroy(mod.id)
		return nil, err
	}
	mod.state = Loaded
	m.register(space, path, mod)

	if err := m.applyRelocations(mod, file, image, delta); err != nil {
		return nil, err
	}

	if err := m.resolveImports(mod, file, visiting); err != nil {
		return nil, err
	}
	mod.state = Linked

	parseExports(mod, file, image)
	loadTLS(mod, file, image)
	mod.state = Initialized

	return mod, nil
}

func optionalHeader(file *pe.File) (imageBase uint64, sizeOfImage uint32, err error) {
	switch oh := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase), oh.SizeOfImage, nil
	case *pe.OptionalHeader64:
		return oh.ImageBase, oh.SizeOfImage, nil
	default:
		return 0, 0, kerrors.Newf(kerrors.InvalidParameters, "loader: image has no optional header")
	}
}

// dataDirectory returns directory entry index's (VirtualAddress, Size), or
// (0, 0) if the image carries no such directory.
func dataDirectory(file *pe.File, index int) (uint32, uint32) {
	switch oh := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if index >= len(oh.DataDirectory) {
			return 0, 0
		}
		d := oh.DataDirectory[index]
		return d.VirtualAddress, d.Size
	case *pe.OptionalHeader64:
		if index >= len(oh.DataDirectory) {
			return 0, 0
		}
		d := oh.DataDirectory[index]
		return d.VirtualAddress, d.Size
	default:
		return 0, 0
	}
}

func sectionFlags(characteristics uint32) vmm.Flags {
	const (
		imageScnMemExecute = 0x20000000
		imageScnMemWrite   = 0x80000000
	)
	flags := vmm.Flags(0)
	if characteristics&imageScnMemExecute != 0 {
		flags |= vmm.Executable
	}
	if characteristics&imageScnMemWrite != 0 {
		flags |= vmm.Writable
	}
	return flags
}

// mapSections maps the whole image's virtual-size range, fills it with each
// section's raw bytes at its RVA, then tightens protection per section
// characteristics. It returns the relocation delta (actual base minus the
// image's preferred base) for applyRelocations.
func (m *Manager) mapSections(mod *Module, file *pe.File) (int64, error) {
	imageBase, sizeOfImage, err := optionalHeader(file)
	if err != nil {
		return 0, err
	}

	base, err := m.vmm.Map(mod.space, vmm.MapRequest{
		Length: uint64(sizeOfImage),
		Flags:  vmm.Committed | vmm.Userspace | vmm.Writable,
	})
	if err != nil {
		return 0, err
	}
	mod.base = base
	mod.size = uint64(sizeOfImage)
	delta := int64(base) - int64(imageBase)

	for _, sec := range file.Sections {
		if sec.Size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return 0, kerrors.Wrap(kerrors.InvalidParameters, err)
		}
		va := base + vmm.Addr(sec.VirtualAddress)
		if err := m.writeBytes(mod.space, va, data); err != nil {
			return 0, err
		}
		flags := sectionFlags(sec.Characteristics) | vmm.Userspace | vmm.Committed
		if _, err := m.vmm.Protect(mod.space, va, uint64(sec.VirtualSize), flags); err != nil {
			return 0, err
		}
	}
	return delta, nil
}

// writeBytes copies data into space's already-mapped pages starting at va,
// going through the frame allocator's simulated physical backing a page at
// a time.
func (m *Manager) writeBytes(space *vmm.Space, va vmm.Addr, data []byte) error {
	off := uint64(0)
	for off < uint64(len(data)) {
		addr := va + vmm.Addr(off)
		page := addr &^ vmm.Addr(frame.PageSize-1)
		pfn, err := m.vmm.Translate(space, page)
		if err != nil {
			return err
		}
		pageOff := uint64(addr) - uint64(page)
		chunk := uint64(frame.PageSize) - pageOff
		if remaining := uint64(len(data)) - off; chunk > remaining {
			chunk = remaining
		}
		buf := m.frames.ReadFrame(pfn)
		copy(buf[pageOff:], data[off:off+chunk])
		m.frames.WriteFrame(pfn, buf)
		off += chunk
	}
	return nil
}

const (
	relocAbsolute = 0x0
	relocHighLow  = 0x3
	relocDir64    = 0xA
)

// applyRelocations walks the base-relocation directory and patches every
// entry by delta (spec §4.13 "applies base relocations").
func (m *Manager) applyRelocations(mod *Module, file *pe.File, image []byte, delta int64) error {
	relocRVA, relocSize := dataDirectory(file, 5) // IMAGE_DIRECTORY_ENTRY_BASERELOC
	if relocRVA == 0 || relocSize == 0 || delta == 0 {
		return nil
	}
	raw, err := sectionBytesForRVA(file, image, relocRVA, relocSize)
	if err != nil {
		return err
	}

	off := 0
	for off+8 <= len(raw) {
		pageRVA := binary.LittleEndian.Uint32(raw[off:])
		blockSize := binary.LittleEndian.Uint32(raw[off+4:])
		if blockSize < 8 || off+int(blockSize) > len(raw) {
			break
		}
		entries := raw[off+8 : off+int(blockSize)]
		for i := 0; i+2 <= len(entries); i += 2 {
			entry := binary.LittleEndian.Uint16(entries[i:])
			typ := entry >> 12
			pageOff := uint32(entry & 0x0fff)
			rva := pageRVA + pageOff
			va := mod.base + vmm.Addr(rva)

			switch typ {
			case relocAbsolute:
				// padding entry, no patch
			case relocHighLow:
				if err := m.patchWord(mod.space, va, 4, delta); err != nil {
					return err
				}
			case relocDir64:
				if err := m.patchWord(mod.space, va, 8, delta); err != nil {
					return err
				}
			default:
				// Other relocation types (HIGH, LOW, HIGHADJ, ARM-specific)
				// do not occur in the x86/x64 images this loader targets.
			}
		}
		off += int(blockSize)
	}
	return nil
}

// patchWord adds delta to the width-byte little-endian integer stored at va,
// read back through the same frame-backed path writeBytes uses.
func (m *Manager) patchWord(space *vmm.Space, va vmm.Addr, width int, delta int64) error {
	page := va &^ vmm.Addr(frame.PageSize-1)
	pfn, err := m.vmm.Translate(space, page)
	if err != nil {
		return err
	}
	pageOff := uint64(va) - uint64(page)
	if pageOff+uint64(width) > frame.PageSize {
		return kerrors.Newf(kerrors.InvalidParameters, "loader: relocation at %#x straddles a page boundary", va)
	}

	buf := m.frames.ReadFrame(pfn)
	switch width {
	case 4:
		cur := binary.LittleEndian.Uint32(buf[pageOff:])
		binary.LittleEndian.PutUint32(buf[pageOff:], uint32(int64(cur)+delta))
	case 8:
		cur := binary.LittleEndian.Uint64(buf[pageOff:])
		binary.LittleEndian.PutUint64(buf[pageOff:], uint64(int64(cur)+delta))
	}
	m.frames.WriteFrame(pfn, buf)
	return nil
}

func sectionBytesForRVA(file *pe.File, image []byte, rva, size uint32) ([]byte, error) {
	for _, sec := range file.Sections {
		if rva >= sec.VirtualAddress && rva < sec.VirtualAddress+sec.Size {
			data, err := sec.Data()
			if err != nil {
				return nil, kerrors.Wrap(kerrors.InvalidParameters, err)
			}
			start := rva - sec.VirtualAddress
			end := start + size
			if int(end) > len(data) {
				end = uint32(len(data))
			}
			return data[start:end], nil
		}
	}
	return nil, kerrors.Newf(kerrors.NotFound, "loader: rva %#x not backed by any section", rva)
}

// resolveImports resolves every imported library depth-first, loading it if
// not already present in the same space (spec §4.13 "resolution order is
// depth-first over the DAG with a visited set").
func (m *Manager) resolveImports(mod *Module, file *pe.File, visiting map[string]bool) error {
	libs, err := file.ImportedLibraries()
	if err != nil {
		return kerrors.Wrap(kerrors.InvalidParameters, err)
	}
	for _, lib := range libs {
		if dep := m.find(mod.space, lib); dep != nil {
			dep.mu.Lock()
			dep.refcount++
			dep.mu.Unlock()
			mod.imports = append(mod.imports, dep)
			continue
		}
		if m.resolver == nil {
			return kerrors.Newf(kerrors.NotFound, "loader: %s imports %s, no resolver configured", mod.path, lib)
		}
		image, err := m.resolver(lib)
		if err != nil {
			return err
		}
		dep, err := m.loadDFS(mod.space, lib, image, visiting)
		if err != nil {
			return err
		}
		mod.imports = append(mod.imports, dep)
	}
	return nil
}

// IMAGE_EXPORT_DIRECTORY field offsets; each of these fields, the two counts
// included, is a little-endian uint32.
const (
	exportNumberOfFunctions   = 20
	exportNumberOfNames       = 24
	exportAddressOfFunctions  = 28
	exportAddressOfNames      = 32
	exportAddressOfNameOrdnls = 36
)

// parseExports walks the export directory debug/pe does not itself expose,
// building mod.exports for PeResolveFunction (spec §4.13
// "PeResolveFunction(handle, name)").
func parseExports(mod *Module, file *pe.File, image []byte) {
	rva, size := dataDirectory(file, 0) // IMAGE_DIRECTORY_ENTRY_EXPORT
	if rva == 0 || size == 0 {
		return
	}
	dir, err := sectionBytesForRVA(file, image, rva, size)
	if err != nil || len(dir) < exportAddressOfNameOrdnls+4 {
		return
	}

	numNames := binary.LittleEndian.Uint32(dir[exportNumberOfNames:])
	addrFunctions := binary.LittleEndian.Uint32(dir[exportAddressOfFunctions:])
	addrNames := binary.LittleEndian.Uint32(dir[exportAddressOfNames:])
	addrOrdinals := binary.LittleEndian.Uint32(dir[exportAddressOfNameOrdnls:])

	functions, err := sectionBytesForRVA(file, image, addrFunctions, binary.LittleEndian.Uint32(dir[exportNumberOfFunctions:])*4)
	if err != nil {
		return
	}
	names, err := sectionBytesForRVA(file, image, addrNames, numNames*4)
	if err != nil {
		return
	}
	ordinals, err := sectionBytesForRVA(file, image, addrOrdinals, numNames*2)
	if err != nil {
		return
	}

	for i := uint32(0); i < numNames; i++ {
		if int(i*4+4) > len(names) || int(i*2+2) > len(ordinals) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(names[i*4:])
		ordinal := binary.LittleEndian.Uint16(ordinals[i*2:])

		nameBytes, err := sectionBytesForRVA(file, image, nameRVA, 256)
		if err != nil {
			continue
		}
		if nul := bytes.IndexByte(nameBytes, 0); nul >= 0 {
			nameBytes = nameBytes[:nul]
		}

		if int(ordinal)*4+4 > len(functions) {
			continue
		}
		funcRVA := binary.LittleEndian.Uint32(functions[int(ordinal)*4:])
		mod.mu.Lock()
		mod.exports[string(nameBytes)] = funcRVA
		mod.mu.Unlock()
	}
}

// IMAGE_TLS_DIRECTORY64 field offsets.
const (
	tlsStartAddressOfRawData = 0
	tlsEndAddressOfRawData   = 8
	tlsSizeOfZeroFill        = 32
)

// loadTLS parses the TLS directory, if any, into mod.tls (spec §4.13
// "each loaded image with a TLS directory contributes a block").
func loadTLS(mod *Module, file *pe.File, image []byte) {
	rva, size := dataDirectory(file, 9) // IMAGE_DIRECTORY_ENTRY_TLS
	if rva == 0 || size < tlsSizeOfZeroFill+4 {
		return
	}
	dir, err := sectionBytesForRVA(file, image, rva, size)
	if err != nil {
		return
	}

	imageBase, _, err := optionalHeader(file)
	if err != nil {
		return
	}
	startVA := binary.LittleEndian.Uint64(dir[tlsStartAddressOfRawData:])
	endVA := binary.LittleEndian.Uint64(dir[tlsEndAddressOfRawData:])
	if endVA < startVA || startVA < imageBase {
		return
	}
	startRVA := uint32(startVA - imageBase)
	rawSize := uint32(endVA - startVA)
	zeroFill := binary.LittleEndian.Uint32(dir[tlsSizeOfZeroFill:])

	template, err := sectionBytesForRVA(file, image, startRVA, rawSize)
	if err != nil {
		return
	}
	mod.mu.Lock()
	mod.tls = &TLSLayout{Template: append([]byte(nil), template...), ZeroFill: uint64(zeroFill)}
	mod.mu.Unlock()
}

// PeResolveFunction looks up name in mod's export table, returning its
// absolute address in mod's address space.
func (m *Manager) PeResolveFunction(mod *Module, name string) (vmm.Addr, error) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	rva, ok := mod.exports[name]
	if !ok {
		return 0, kerrors.Newf(kerrors.NotFound, "loader: %s exports no symbol %q", mod.path, name)
	}
	return mod.base + vmm.Addr(rva), nil
}

func (m *Manager) destroy(payload any) {
	mod := payload.(*Module)
	m.mu.Lock()
	if byPath, ok := m.bySpacePath[mod.space.ID()]; ok {
		delete(byPath, mod.path)
	}
	m.mu.Unlock()
}

// Unload decrements mod's reference count; at zero it transitions to
// Unloading, unmaps its sections, unloads its imports in turn, and
// transitions to Unloaded (spec §4.13 "Unload decrements a per-module
// ref-count; destructors run at zero").
func (m *Manager) Unload(mod *Module) error {
	mod.mu.Lock()
	mod.refcount--
	remaining := mod.refcount
	mod.mu.Unlock()
	if remaining > 0 {
		return nil
	}

	mod.mu.Lock()
	mod.state = Unloading
	space := mod.space
	base := mod.base
	size := mod.size
	imports := mod.imports
	mod.mu.Unlock()

	if err := m.vmm.Unmap(space, base, size); err != nil {
		return err
	}
	if err := m.handles.Destroy(mod.id); err != nil {
		return err
	}
	for _, dep := range imports {
		if err := m.Unload(dep); err != nil {
			return err
		}
	}

	mod.mu.Lock()
	mod.state = Unloaded
	mod.mu.Unlock()
	return nil
}
