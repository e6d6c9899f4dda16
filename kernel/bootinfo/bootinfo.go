// Package bootinfo ingests the handoff blob passed by the bootloader and
// normalizes it into owned kernel types. The blob itself may reside in
// bootloader-reclaimable memory, so every field the kernel needs is copied
// out exactly once before the physical allocator is brought up.
package bootinfo

import (
	"unsafe"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/mm"
)

const (
	// handoffMagic spells "ROXY" when read as a little-endian uint32.
	handoffMagic uint32 = 0x59584f52

	// handoffVersion is the handoff layout revision this kernel expects.
	handoffVersion uint16 = 1

	// maxRegions bounds the owned copy of the firmware memory map.
	maxRegions = 128

	// maxSections bounds the owned copy of the kernel section table.
	maxSections = 32
)

const (
	flagHasFramebuffer uint16 = 1 << 0
)

var (
	// ErrMalformedBootInfo is returned when the handoff blob fails
	// validation. There is no recovery path: a kernel that cannot trust
	// its memory map must halt.
	ErrMalformedBootInfo = &kernel.Error{Module: "bootinfo", Message: "bootloader handoff is missing or malformed"}

	// ErrBootInfoConsumed is returned on any attempt to ingest the
	// handoff more than once.
	ErrBootInfoConsumed = &kernel.Error{Module: "bootinfo", Message: "bootloader handoff has already been consumed"}

	ingested bool

	// virtToPhysFn maps a direct-mapped virtual address back to its
	// physical address. It is overridden by tests which build handoff
	// blobs in regular process memory.
	virtToPhysFn = func(v mm.VirtAddr) (mm.PhysAddr, bool) {
		if v < mm.DirectMapBase || uintptr(v-mm.DirectMapBase) >= mm.DirectMapMaxSize {
			return 0, false
		}
		return mm.PhysAddr(v - mm.DirectMapBase), true
	}
)

// RegionKind describes the classification of a physical memory region.
type RegionKind uint32

const (
	// RegionUsable memory is free for kernel use.
	RegionUsable RegionKind = iota + 1

	// RegionReserved memory must never be touched.
	RegionReserved

	// RegionBootloader memory holds bootloader structures and becomes
	// reclaimable once bootstrap completes.
	RegionBootloader

	// RegionBad memory failed the firmware memory test.
	RegionBad
)

// String implements fmt.Stringer for memory map diagnostics.
func (k RegionKind) String() string {
	switch k {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionBootloader:
		return "bootloader"
	case RegionBad:
		return "bad"
	default:
		return "unknown"
	}
}

// MemoryRegion describes one entry of the normalized memory map. Regions are
// immutable after ingestion.
type MemoryRegion struct {
	Start  mm.PhysAddr
	Length uint64
	Kind   RegionKind
}

// End returns the first physical address past the region.
func (r *MemoryRegion) End() mm.PhysAddr {
	return r.Start + mm.PhysAddr(r.Length)
}

// SectionFlag describes the permission bits of a loaded kernel section.
type SectionFlag uint32

const (
	// SectionExecutable marks a section containing code.
	SectionExecutable SectionFlag = 1 << 0

	// SectionWritable marks a section that must be mapped read-write.
	SectionWritable SectionFlag = 1 << 1
)

// KernelSection describes one loaded section of the kernel image, used to
// rebuild the image mapping with W^X permissions.
type KernelSection struct {
	VirtAddr mm.VirtAddr
	Size     uintptr
	Flags    SectionFlag
}

// FramebufferInfo describes the linear framebuffer handed over by the
// bootloader, when one exists.
type FramebufferInfo struct {
	PhysAddr      mm.PhysAddr
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

// rawHandoff mirrors the fixed byte layout of the bootloader handoff blob.
// The memory map and section table follow the header inside the same blob at
// the recorded offsets; the blob is contiguous so a single physical range
// covers all of it.
type rawHandoff struct {
	magic           uint32
	version         uint16
	flags           uint16
	blobSize        uint64
	directMapOffset uint64
	kernelPhysBase  uint64
	kernelVirtBase  uint64
	kernelImageSize uint64
	stackBase       uint64
	stackSize       uint64
	memoryMapOffset uint32
	memoryMapCount  uint32
	sectionsOffset  uint32
	sectionsCount   uint32
	framebuffer     rawFramebuffer
}

type rawFramebuffer struct {
	physAddr      uint64
	pitch         uint32
	width, height uint32
	bpp           uint8
	_             [3]uint8
}

type rawRegion struct {
	start  uint64
	length uint64
	kind   uint32
	_      uint32
}

type rawSection struct {
	virtAddr uint64
	size     uint64
	flags    uint32
	_        uint32
}

// BootInfo is the normalized, owned view of the bootloader handoff. It is
// created once by Ingest and then threaded (by pointer, never via global
// lookup) through the entry sequencer to the subsystems that need it.
type BootInfo struct {
	regions     [maxRegions]MemoryRegion
	regionCount int

	sections     [maxSections]KernelSection
	sectionCount int

	kernelPhysBase  mm.PhysAddr
	kernelVirtBase  mm.VirtAddr
	kernelImageSize uintptr

	stackBase mm.VirtAddr
	stackSize uintptr

	directMapOffset mm.VirtAddr

	// physical extent of the handoff blob itself; excluded from frame
	// allocation so ingesting cannot be clobbered by early allocations.
	blobStart mm.PhysAddr
	blobEnd   mm.PhysAddr

	hasFramebuffer bool
	framebuffer    FramebufferInfo
}

// Ingest consumes the handoff blob at the supplied virtual address exactly
// once and returns the normalized boot info. The pointer must reside inside
// the direct-map window established by the bootloader. Any validation
// failure returns ErrMalformedBootInfo; callers are expected to treat that
// as fatal.
func Ingest(ptr uintptr) (*BootInfo, *kernel.Error) {
	if ingested {
		return nil, ErrBootInfoConsumed
	}

	if ptr == 0 {
		return nil, ErrMalformedBootInfo
	}

	raw := (*rawHandoff)(unsafe.Pointer(ptr))
	if raw.magic != handoffMagic || raw.version != handoffVersion {
		return nil, ErrMalformedBootInfo
	}

	var bi BootInfo
	if err := bi.populate(ptr, raw); err != nil {
		return nil, err
	}

	ingested = true
	return &bi, nil
}

func (bi *BootInfo) populate(ptr uintptr, raw *rawHandoff) *kernel.Error {
	headerSize := unsafe.Sizeof(rawHandoff{})

	switch {
	case raw.blobSize < uint64(headerSize):
		return ErrMalformedBootInfo
	case raw.memoryMapCount == 0 || raw.memoryMapCount > maxRegions:
		return ErrMalformedBootInfo
	case raw.sectionsCount == 0 || raw.sectionsCount > maxSections:
		return ErrMalformedBootInfo
	case mm.VirtAddr(raw.directMapOffset) != mm.DirectMapBase:
		// The direct-map offset is a link-time contract; a bootloader
		// that placed the window elsewhere produced an image we
		// cannot run.
		return ErrMalformedBootInfo
	case mm.VirtAddr(raw.kernelVirtBase) != mm.KernelImageBase:
		return ErrMalformedBootInfo
	case raw.kernelPhysBase == 0 || !mm.PhysAddr(raw.kernelPhysBase).IsPageAligned():
		return ErrMalformedBootInfo
	case raw.kernelImageSize == 0:
		return ErrMalformedBootInfo
	case raw.stackBase == 0 || raw.stackSize == 0 || !mm.VirtAddr(raw.stackBase).IsPageAligned():
		return ErrMalformedBootInfo
	}

	mapEnd := uint64(raw.memoryMapOffset) + uint64(raw.memoryMapCount)*uint64(unsafe.Sizeof(rawRegion{}))
	secEnd := uint64(raw.sectionsOffset) + uint64(raw.sectionsCount)*uint64(unsafe.Sizeof(rawSection{}))
	if uint64(raw.memoryMapOffset) < uint64(headerSize) || mapEnd > raw.blobSize ||
		uint64(raw.sectionsOffset) < uint64(headerSize) || secEnd > raw.blobSize {
		return ErrMalformedBootInfo
	}

	bi.kernelPhysBase = mm.PhysAddr(raw.kernelPhysBase)
	bi.kernelVirtBase = mm.VirtAddr(raw.kernelVirtBase)
	bi.kernelImageSize = uintptr(raw.kernelImageSize)
	bi.stackBase = mm.VirtAddr(raw.stackBase)
	bi.stackSize = uintptr(raw.stackSize)
	bi.directMapOffset = mm.VirtAddr(raw.directMapOffset)

	blobStart, ok := virtToPhysFn(mm.VirtAddr(ptr))
	if !ok {
		// The blob must be handed over through the direct-map window.
		return ErrMalformedBootInfo
	}
	bi.blobStart = blobStart
	bi.blobEnd = blobStart + mm.PhysAddr(raw.blobSize)

	// Copy out the memory map; the original may live in memory that is
	// reclaimed after bootstrap.
	bi.regionCount = int(raw.memoryMapCount)
	for i := 0; i < bi.regionCount; i++ {
		entry := (*rawRegion)(unsafe.Pointer(ptr + uintptr(raw.memoryMapOffset) + uintptr(i)*unsafe.Sizeof(rawRegion{})))
		bi.regions[i] = MemoryRegion{
			Start:  mm.PhysAddr(entry.start),
			Length: entry.length,
			Kind:   normalizeKind(entry.kind),
		}
	}
	sortRegions(bi.regions[:bi.regionCount])

	bi.sectionCount = int(raw.sectionsCount)
	for i := 0; i < bi.sectionCount; i++ {
		entry := (*rawSection)(unsafe.Pointer(ptr + uintptr(raw.sectionsOffset) + uintptr(i)*unsafe.Sizeof(rawSection{})))
		if entry.size == 0 || mm.VirtAddr(entry.virtAddr) < bi.kernelVirtBase {
			return ErrMalformedBootInfo
		}
		bi.sections[i] = KernelSection{
			VirtAddr: mm.VirtAddr(entry.virtAddr),
			Size:     uintptr(entry.size),
			Flags:    SectionFlag(entry.flags),
		}
	}

	if raw.flags&flagHasFramebuffer != 0 {
		bi.hasFramebuffer = true
		bi.framebuffer = FramebufferInfo{
			PhysAddr: mm.PhysAddr(raw.framebuffer.physAddr),
			Pitch:    raw.framebuffer.pitch,
			Width:    raw.framebuffer.width,
			Height:   raw.framebuffer.height,
			Bpp:      raw.framebuffer.bpp,
		}
	}

	return nil
}

func normalizeKind(raw uint32) RegionKind {
	kind := RegionKind(raw)
	switch kind {
	case RegionUsable, RegionReserved, RegionBootloader, RegionBad:
		return kind
	default:
		// Unknown kinds are treated conservatively.
		return RegionReserved
	}
}

// sortRegions orders the owned memory map by start address. An insertion
// sort avoids sort.Slice which allocates its closure on the heap.
func sortRegions(regions []MemoryRegion) {
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j].Start < regions[j-1].Start; j-- {
			regions[j], regions[j-1] = regions[j-1], regions[j]
		}
	}
}

// MemRegionVisitor defines a visitor invoked by VisitMemRegions for each
// entry of the normalized memory map. The visitor returns true to continue
// or false to abort the scan.
type MemRegionVisitor func(region *MemoryRegion) bool

// VisitMemRegions invokes visitor for each region in ascending start-address
// order.
func (bi *BootInfo) VisitMemRegions(visitor MemRegionVisitor) {
	for i := 0; i < bi.regionCount; i++ {
		if !visitor(&bi.regions[i]) {
			return
		}
	}
}

// Regions returns the normalized memory map.
func (bi *BootInfo) Regions() []MemoryRegion {
	return bi.regions[:bi.regionCount]
}

// Sections returns the kernel image section table.
func (bi *BootInfo) Sections() []KernelSection {
	return bi.sections[:bi.sectionCount]
}

// KernelImage returns the physical load address, the virtual link address
// and the size of the loaded kernel image.
func (bi *BootInfo) KernelImage() (mm.PhysAddr, mm.VirtAddr, uintptr) {
	return bi.kernelPhysBase, bi.kernelVirtBase, bi.kernelImageSize
}

// Stack returns the virtual base and size of the bootstrap kernel stack.
func (bi *BootInfo) Stack() (mm.VirtAddr, uintptr) {
	return bi.stackBase, bi.stackSize
}

// DirectMapOffset returns the higher-half offset of the physical-memory
// direct-map window.
func (bi *BootInfo) DirectMapOffset() mm.VirtAddr {
	return bi.directMapOffset
}

// BlobExtent returns the physical range occupied by the handoff blob itself.
// The frame allocator excludes this range until bootstrap completes.
func (bi *BootInfo) BlobExtent() (mm.PhysAddr, mm.PhysAddr) {
	return bi.blobStart, bi.blobEnd
}

// Framebuffer returns the framebuffer descriptor when the bootloader handed
// one over.
func (bi *BootInfo) Framebuffer() (FramebufferInfo, bool) {
	return bi.framebuffer, bi.hasFramebuffer
}

// MaxPhysAddr returns the first physical address past the highest usable or
// reclaimable region, used to size the direct-map window.
func (bi *BootInfo) MaxPhysAddr() mm.PhysAddr {
	var max mm.PhysAddr
	for i := 0; i < bi.regionCount; i++ {
		if r := &bi.regions[i]; r.Kind != RegionBad && r.End() > max {
			max = r.End()
		}
	}
	return max
}
