package vmm

import (
	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/cpu"
	"github.com/analogrelay/roxy/kernel/mm"
)

const maxGuardRanges = 4

var (
	// ErrMisaligned is returned by MapRange when the virtual or physical
	// start address is not page-aligned.
	ErrMisaligned = &kernel.Error{Module: "vmm", Message: "mapping start address is not page-aligned"}

	// ErrAlreadyMapped is returned when mapping a page that is already
	// mapped to a different frame or with different flags. Re-mapping a
	// page to the exact same target is a no-op.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped to a different target"}

	// ErrNotMapped is returned when unmapping or translating a virtual
	// address that has no established mapping.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrHugePageConflict is returned when a 4Kb operation runs into an
	// intermediate entry that maps a 2Mb page.
	ErrHugePageConflict = &kernel.Error{Module: "vmm", Message: "address range overlaps a huge page mapping"}

	// ErrKernelNotMapped is returned by Activate when a guarded range
	// does not fully translate in this address space. Switching to such a
	// hierarchy would fault on the next instruction fetch or stack access
	// with no way to report anything, so the switch is refused instead.
	ErrKernelNotMapped = &kernel.Error{Module: "vmm", Message: "guarded kernel range is not mapped in this address space"}

	// activePageTableFn is used by tests to override reads of the active
	// table root which would fault in user-mode.
	activePageTableFn = cpu.ActivePageTable

	// switchPageTableFn is used by tests to override the table switch
	// which would fault in user-mode. It is the only call site through
	// which a hierarchy built by this package becomes live.
	switchPageTableFn = cpu.SwitchPageTable

	// flushTLBEntryFn is used by tests to override TLB invalidations
	// which would fault in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry
)

// FrameSource provides physical frames for page tables and freshly committed
// memory. It is satisfied by *pmm.BitmapAllocator.
type FrameSource interface {
	AllocFrame() (mm.Frame, *kernel.Error)
}

// guardRange is a virtual range that must fully translate before the address
// space may be activated.
type guardRange struct {
	start  mm.VirtAddr
	length uintptr
}

// MapRequest describes a contiguous physical range to be mapped at a
// contiguous virtual range. Length is rounded up to the next page boundary.
type MapRequest struct {
	Virt   mm.VirtAddr
	Phys   mm.PhysAddr
	Length uintptr
	Flags  PageTableEntryFlag
}

// AddressSpace owns one page table hierarchy. It is constructed in place and
// handed off by move together with the frame allocator; the hierarchy can be
// fully built and inspected while another hierarchy is still active.
type AddressSpace struct {
	root   mm.Frame
	frames FrameSource

	guards     [maxGuardRanges]guardRange
	guardCount int
}

// Init allocates and clears the root table of a new, empty address space.
// All subsequent table allocations for this space come from the same source.
func (sp *AddressSpace) Init(frames FrameSource) *kernel.Error {
	root, err := frames.AllocFrame()
	if err != nil {
		return err
	}

	zeroTable(root)
	sp.root = root
	sp.frames = frames
	sp.guardCount = 0
	return nil
}

// RootFrame returns the frame holding the root table of this hierarchy.
func (sp *AddressSpace) RootFrame() mm.Frame {
	return sp.root
}

// Map establishes a 4Kb mapping between a virtual page and a physical frame,
// allocating any missing intermediate tables. Mapping a page that is already
// mapped returns ErrAlreadyMapped unless the existing entry is identical to
// the requested one.
func (sp *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return sp.mapAt(page.Address(), frame, pageLevels-1, flags)
}

// mapHuge installs a 2Mb mapping at the huge-page level. Both addresses must
// be 2Mb-aligned; callers are trusted since this helper only serves the
// direct-map window builder.
func (sp *AddressSpace) mapHuge(virt mm.VirtAddr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return sp.mapAt(virt, frame, hugePageLevel, flags|FlagHugePage)
}

func (sp *AddressSpace) mapAt(virt mm.VirtAddr, frame mm.Frame, leafLevel uint8, flags PageTableEntryFlag) *kernel.Error {
	var (
		err  *kernel.Error
		want pageTableEntry
	)

	want.SetFrame(frame)
	want.SetFlags(flags | FlagPresent)

	walkToLevel(sp.root, virt, leafLevel, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == leafLevel {
			if pte.HasFlags(FlagPresent) {
				// The CPU may have set the accessed/dirty bits on
				// an existing entry; they do not make a mapping
				// a different target.
				ignored := pageTableEntry(FlagAccessed | FlagDirty)
				if *pte&^ignored != want {
					err = ErrAlreadyMapped
				}
				return false
			}

			*pte = want
			if sp.isActive() {
				flushTLBEntryFn(uintptr(virt))
			}
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePageConflict
			return false
		}

		// Missing intermediate table; allocate and clear a frame for
		// it before the walk descends.
		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = sp.frames.AllocFrame(); err != nil {
				return false
			}

			zeroTable(tableFrame)
			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapRange validates and establishes the mapping described by req, page by
// page. Partially applied ranges are not rolled back on error; during
// bootstrap every MapRange failure is fatal.
func (sp *AddressSpace) MapRange(req MapRequest) *kernel.Error {
	if !req.Virt.IsPageAligned() || !req.Phys.IsPageAligned() {
		return ErrMisaligned
	}

	pageCount := (req.Length + mm.PageSize - 1) >> mm.PageShift
	page := mm.PageFromAddress(req.Virt)
	frame := mm.FrameFromAddress(req.Phys)

	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := sp.Map(page, frame, req.Flags); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the 4Kb mapping for the supplied page. Unmapping a page with
// no established mapping returns ErrNotMapped.
func (sp *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	walk(sp.root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				err = ErrNotMapped
				return false
			}

			*pte = 0
			if sp.isActive() {
				flushTLBEntryFn(uintptr(page.Address()))
			}
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePageConflict
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		return true
	})

	return err
}

// UnmapRange removes the 4Kb mappings covering length bytes starting at
// virtAddr. The start must be page-aligned; length is rounded up to a page
// multiple. The walk stops at the first page with no established mapping,
// leaving earlier removals in place.
func (sp *AddressSpace) UnmapRange(virtAddr mm.VirtAddr, length uintptr) *kernel.Error {
	if !virtAddr.IsPageAligned() {
		return ErrMisaligned
	}

	pageCount := (length + mm.PageSize - 1) >> mm.PageShift
	page := mm.PageFromAddress(virtAddr)

	for ; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := sp.Unmap(page); err != nil {
			return err
		}
	}

	return nil
}

// Translate resolves a virtual address against this hierarchy by walking the
// page tables in software. Both 4Kb and 2Mb mappings are resolved.
func (sp *AddressSpace) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	var (
		err  *kernel.Error
		phys mm.PhysAddr
	)

	walk(sp.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		if pteLevel == hugePageLevel && pte.HasFlags(FlagHugePage) {
			phys = pte.Frame().Address() + mm.PhysAddr(uintptr(virtAddr)&(mm.HugePageSize-1))
			return false
		}

		if pteLevel == pageLevels-1 {
			phys = pte.Frame().Address() + mm.PhysAddr(virtAddr.PageOffset())
			return false
		}

		return true
	})

	return phys, err
}

// Guard registers a virtual range that Activate must verify before switching
// to this address space.
func (sp *AddressSpace) Guard(start mm.VirtAddr, length uintptr) {
	if sp.guardCount == maxGuardRanges {
		return
	}
	sp.guards[sp.guardCount] = guardRange{start: start, length: length}
	sp.guardCount++
}

// Activate switches the MMU to this address space. Every guarded range is
// re-translated first; if any page of a guarded range fails to resolve the
// hardware is left untouched and ErrKernelNotMapped is returned.
func (sp *AddressSpace) Activate() *kernel.Error {
	for i := 0; i < sp.guardCount; i++ {
		guard := &sp.guards[i]
		for offset := uintptr(0); offset < guard.length; offset += mm.PageSize {
			if _, err := sp.Translate(guard.start + mm.VirtAddr(offset)); err != nil {
				return ErrKernelNotMapped
			}
		}
	}

	switchPageTableFn(uintptr(sp.root.Address()))
	return nil
}

func (sp *AddressSpace) isActive() bool {
	return activePageTableFn() == uintptr(sp.root.Address())
}
