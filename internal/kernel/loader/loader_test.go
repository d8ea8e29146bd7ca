package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	"github.com/mollenos/valicore/pkg/klog"
)

// buildPE assembles a minimal but structurally valid PE32+ image: a DOS
// stub, COFF file header, PE32+ optional header (with the 16 data
// directory slots dataDirs supplies), and a single ".text" section
// carrying sectionData, padded to one 0x1000-aligned page.
func buildPE(t *testing.T, sectionData []byte, dataDirs [16][2]uint32, imageBase uint64) []byte {
	t.Helper()
	const (
		sectionAlign = 0x1000
		fileAlign    = 0x1000
		sectionVA    = 0x1000
	)
	require.LessOrEqual(t, len(sectionData), sectionAlign)
	raw := make([]byte, sectionAlign)
	copy(raw, sectionData)

	const (
		dosHeaderSize    = 64
		optHeaderFixed   = 112
		numDataDirs      = 16
		optHeaderSize    = optHeaderFixed + numDataDirs*8
		fileHeaderSize   = 20
		sectionHdrSize   = 40
		numberOfSections = 1
	)
	sizeOfHeaders := align(dosHeaderSize+4+fileHeaderSize+optHeaderSize+numberOfSections*sectionHdrSize, fileAlign)
	sizeOfImage := align(sectionVA+uint32(len(raw)), sectionAlign)

	buf := &bytes.Buffer{}

	// DOS header: "MZ", zero padding, e_lfanew at offset 0x3C pointing
	// straight past a 64-byte stub to the PE signature.
	dos := make([]byte, dosHeaderSize)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], dosHeaderSize)
	buf.Write(dos)

	buf.WriteString("PE\x00\x00")

	write(t, buf, struct {
		Machine              uint16
		NumberOfSections     uint16
		TimeDateStamp        uint32
		PointerToSymbolTable uint32
		NumberOfSymbols      uint32
		SizeOfOptionalHeader uint16
		Characteristics      uint16
	}{
		Machine:              0x8664,
		NumberOfSections:     numberOfSections,
		SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics:      0x0002,
	})

	type dataDirectory struct {
		VirtualAddress uint32
		Size           uint32
	}
	var dirs [16]dataDirectory
	for i, d := range dataDirs {
		dirs[i] = dataDirectory{VirtualAddress: d[0], Size: d[1]}
	}

	write(t, buf, struct {
		Magic                       uint16
		MajorLinkerVersion          uint8
		MinorLinkerVersion          uint8
		SizeOfCode                  uint32
		SizeOfInitializedData       uint32
		SizeOfUninitializedData     uint32
		AddressOfEntryPoint         uint32
		BaseOfCode                  uint32
		ImageBase                   uint64
		SectionAlignment            uint32
		FileAlignment               uint32
		MajorOperatingSystemVersion uint16
		MinorOperatingSystemVersion uint16
		MajorImageVersion           uint16
		MinorImageVersion           uint16
		MajorSubsystemVersion       uint16
		MinorSubsystemVersion      uint16
		Win32VersionValue           uint32
		SizeOfImage                 uint32
		SizeOfHeaders               uint32
		CheckSum                    uint32
		Subsystem                   uint16
		DllCharacteristics          uint16
		SizeOfStackReserve          uint64
		SizeOfStackCommit           uint64
		SizeOfHeapReserve           uint64
		SizeOfHeapCommit            uint64
		LoaderFlags                 uint32
		NumberOfRvaAndSizes         uint32
		DataDirectory               [16]dataDirectory
	}{
		Magic:               0x20b,
		AddressOfEntryPoint: sectionVA,
		BaseOfCode:          sectionVA,
		ImageBase:           imageBase,
		SectionAlignment:    sectionAlign,
		FileAlignment:       fileAlign,
		SizeOfImage:         sizeOfImage,
		SizeOfHeaders:       sizeOfHeaders,
		NumberOfRvaAndSizes: numDataDirs,
		DataDirectory:       dirs,
	})

	var name [8]byte
	copy(name[:], ".text")
	write(t, buf, struct {
		Name                 [8]byte
		VirtualSize          uint32
		VirtualAddress       uint32
		SizeOfRawData        uint32
		PointerToRawData     uint32
		PointerToRelocations uint32
		PointerToLineNumbers uint32
		NumberOfRelocations  uint16
		NumberOfLineNumbers  uint16
		Characteristics      uint32
	}{
		Name:             name,
		VirtualSize:      uint32(len(raw)),
		VirtualAddress:   sectionVA,
		SizeOfRawData:    uint32(len(raw)),
		PointerToRawData: sizeOfHeaders,
		Characteristics:  0x60000020, // CODE | MEM_EXECUTE | MEM_READ
	})

	for uint32(buf.Len()) < sizeOfHeaders {
		buf.WriteByte(0)
	}
	buf.Write(raw)

	return buf.Bytes()
}

func align(v, to uint32) uint32 {
	if v%to == 0 {
		return v
	}
	return (v/to + 1) * to
}

func write(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	require.NoError(t, binary.Write(buf, binary.LittleEndian, v))
}

func newHarness(t *testing.T) (*Manager, *vmm.Manager, *vmm.Space) {
	t.Helper()
	frames := frame.New([]struct {
		Base  uint64
		Count uint64
	}{{Base: 0, Count: 4096}})
	vmMgr := vmm.New(frames, klog.Discard())
	space, err := vmMgr.Create(vmm.KindApplication, nil)
	require.NoError(t, err)

	ht, err := handle.New(klog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ht.Close() })

	return New(vmMgr, frames, ht, nil, klog.Discard()), vmMgr, space
}

func TestLoadMapsSectionBytesAndReachesInitialized(t *testing.T) {
	m, vmMgr, space := newHarness(t)

	payload := []byte("deadbeefcafef00d")
	image := buildPE(t, payload, [16][2]uint32{}, 0x140000000)

	mod, err := m.Load(space, "/svc/test.dll", image)
	require.NoError(t, err)
	require.Equal(t, Initialized, mod.State())

	pfn, err := vmMgr.Translate(space, mod.base)
	require.NoError(t, err)
	require.Equal(t, payload, frameBytes(t, m, pfn)[:len(payload)])
}

func frameBytes(t *testing.T, m *Manager, pfn frame.Number) []byte {
	t.Helper()
	return m.frames.ReadFrame(pfn)
}

func TestLoadSamePathTwiceReusesModuleAndBumpsRefcount(t *testing.T) {
	m, _, space := newHarness(t)
	image := buildPE(t, []byte("x"), [16][2]uint32{}, 0x140000000)

	first, err := m.Load(space, "/svc/test.dll", image)
	require.NoError(t, err)
	second, err := m.Load(space, "/svc/test.dll", image)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int32(2), first.refcount)
}

func TestUnloadAtZeroRefcountUnmapsAndDestroysHandle(t *testing.T) {
	m, _, space := newHarness(t)
	image := buildPE(t, []byte("x"), [16][2]uint32{}, 0x140000000)

	mod, err := m.Load(space, "/svc/test.dll", image)
	require.NoError(t, err)

	require.NoError(t, m.Unload(mod))
	require.Equal(t, Unloaded, mod.State())
	require.Nil(t, m.find(space, "/svc/test.dll"))
}

func TestApplyRelocationsPatchesHighLowAndDir64(t *testing.T) {
	const imageBase = 0x140000000
	payload := make([]byte, 0x20)
	// A HIGHLOW (32-bit) pointer at offset 0x0 and a DIR64 pointer at
	// offset 0x8, both holding a value relative to imageBase the way a
	// compiler would emit an absolute address needing rebasing.
	binary.LittleEndian.PutUint32(payload[0x0:], uint32(imageBase+0x1000))
	binary.LittleEndian.PutUint64(payload[0x8:], imageBase+0x1000)

	// One base-relocation block covering page 0x1000, with a HIGHLOW entry
	// at offset 0x0 and a DIR64 entry at offset 0x8.
	reloc := make([]byte, 16)
	binary.LittleEndian.PutUint32(reloc[0:], 0x1000) // PageRVA
	binary.LittleEndian.PutUint32(reloc[4:], 16)      // BlockSize (header + 2 entries)
	binary.LittleEndian.PutUint16(reloc[8:], (relocHighLow<<12)|0x0000)
	binary.LittleEndian.PutUint16(reloc[10:], (relocDir64<<12)|0x0008)

	section := make([]byte, 0x1000)
	copy(section, payload)
	copy(section[0x200:], reloc)

	var dirs [16][2]uint32
	dirs[5] = [2]uint32{0x1200, uint32(len(reloc))} // IMAGE_DIRECTORY_ENTRY_BASERELOC

	image := buildPE(t, section, dirs, imageBase)

	m, vmMgr, space := newHarness(t)
	mod, err := m.Load(space, "/svc/reloc.dll", image)
	require.NoError(t, err)

	delta := int64(mod.base) - int64(imageBase)

	pfn, err := vmMgr.Translate(space, mod.base)
	require.NoError(t, err)
	buf := m.frames.ReadFrame(pfn)

	gotLow := binary.LittleEndian.Uint32(buf[0x0:])
	require.Equal(t, uint32(int64(imageBase+0x1000)+delta), gotLow)

	gotHigh := binary.LittleEndian.Uint64(buf[0x8:])
	require.Equal(t, uint64(int64(imageBase+0x1000)+delta), gotHigh)
}

func TestParseExportsResolvesByName(t *testing.T) {
	const imageBase = 0x140000000
	section := make([]byte, 0x1000)

	const (
		exportDirRVA = 0x1100
		funcsRVA     = 0x1140
		namesRVA     = 0x1148
		ordinalsRVA  = 0x1150
		nameStrRVA   = 0x1160
	)
	exportDir := make([]byte, 40)
	binary.LittleEndian.PutUint32(exportDir[exportNumberOfFunctions:], 1)
	binary.LittleEndian.PutUint32(exportDir[exportNumberOfNames:], 1)
	binary.LittleEndian.PutUint32(exportDir[exportAddressOfFunctions:], funcsRVA)
	binary.LittleEndian.PutUint32(exportDir[exportAddressOfNames:], namesRVA)
	binary.LittleEndian.PutUint32(exportDir[exportAddressOfNameOrdnls:], ordinalsRVA)
	copy(section[exportDirRVA-0x1000:], exportDir)

	funcRVA := uint32(0x1050)
	binary.LittleEndian.PutUint32(section[funcsRVA-0x1000:], funcRVA)
	binary.LittleEndian.PutUint32(section[namesRVA-0x1000:], nameStrRVA)
	binary.LittleEndian.PutUint16(section[ordinalsRVA-0x1000:], 0)
	copy(section[nameStrRVA-0x1000:], "DoThing\x00")

	var dirs [16][2]uint32
	dirs[0] = [2]uint32{exportDirRVA, 256} // IMAGE_DIRECTORY_ENTRY_EXPORT

	image := buildPE(t, section, dirs, imageBase)

	m, _, space := newHarness(t)
	mod, err := m.Load(space, "/svc/exports.dll", image)
	require.NoError(t, err)

	addr, err := m.PeResolveFunction(mod, "DoThing")
	require.NoError(t, err)
	require.Equal(t, mod.base+vmm.Addr(funcRVA), addr)

	_, err = m.PeResolveFunction(mod, "NoSuchSymbol")
	require.Error(t, err)
}

func TestLoadTLSCapturesTemplateAndZeroFill(t *testing.T) {
	const imageBase = 0x140000000
	section := make([]byte, 0x1000)
	copy(section, []byte("tls-template-bytes"))

	const tlsDirRVA = 0x1200
	tlsDir := make([]byte, 40)
	binary.LittleEndian.PutUint64(tlsDir[tlsStartAddressOfRawData:], imageBase+0x1000)
	binary.LittleEndian.PutUint64(tlsDir[tlsEndAddressOfRawData:], imageBase+0x1000+18)
	binary.LittleEndian.PutUint32(tlsDir[tlsSizeOfZeroFill:], 8)
	copy(section[0x200:], tlsDir)

	var dirs [16][2]uint32
	dirs[9] = [2]uint32{tlsDirRVA, uint32(len(tlsDir))} // IMAGE_DIRECTORY_ENTRY_TLS

	image := buildPE(t, section, dirs, imageBase)

	m, _, space := newHarness(t)
	mod, err := m.Load(space, "/svc/tls.dll", image)
	require.NoError(t, err)

	layout := mod.TLS()
	require.NotNil(t, layout)
	require.Equal(t, []byte("tls-template-bytes"), layout.Template)
	require.Equal(t, uint64(8), layout.ZeroFill)
}

