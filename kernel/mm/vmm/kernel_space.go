package vmm

import (
	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/bootinfo"
	"github.com/analogrelay/roxy/kernel/mm"
)

// KernelLayout describes the subset of the ingested boot information needed
// to rebuild the kernel mappings in a fresh hierarchy. It is satisfied by
// *bootinfo.BootInfo.
type KernelLayout interface {
	KernelImage() (mm.PhysAddr, mm.VirtAddr, uintptr)
	Stack() (mm.VirtAddr, uintptr)
	Sections() []bootinfo.KernelSection
	MaxPhysAddr() mm.PhysAddr
}

// SetupKernelSpace builds the kernel's own address space inside sp: the
// kernel image with per-section W^X permissions, the direct-map window over
// all physical memory, the bootstrap stack and the initial heap window. The
// image and stack ranges are registered as activation guards.
//
// The hierarchy is built while the bootloader's tables are still active; the
// bootloader's direct-map window at the same offset is what makes the new
// tables reachable during construction.
func SetupKernelSpace(sp *AddressSpace, layout KernelLayout, frames FrameSource) *kernel.Error {
	if err := sp.Init(frames); err != nil {
		return err
	}

	if err := mapKernelImage(sp, layout); err != nil {
		return err
	}

	if err := mapDirectMapWindow(sp, layout); err != nil {
		return err
	}

	if err := mapBootstrapStack(sp, layout); err != nil {
		return err
	}

	return mapInitialHeap(sp)
}

// mapKernelImage maps each kernel image section at its linked virtual
// address with write and no-execute permissions derived from the section
// flags. The section table is bootloader-produced and page-aligned; a
// misaligned section surfaces as ErrMisaligned here.
func mapKernelImage(sp *AddressSpace, layout KernelLayout) *kernel.Error {
	physBase, virtBase, imageSize := layout.KernelImage()

	for _, section := range layout.Sections() {
		flags := PageTableEntryFlag(0)
		if section.Flags&bootinfo.SectionExecutable == 0 {
			flags |= FlagNoExecute
		}
		if section.Flags&bootinfo.SectionWritable != 0 {
			flags |= FlagRW
		}

		err := sp.MapRange(MapRequest{
			Virt:   section.VirtAddr,
			Phys:   physBase + mm.PhysAddr(section.VirtAddr-virtBase),
			Length: section.Size,
			Flags:  flags,
		})
		if err != nil {
			return err
		}
	}

	sp.Guard(virtBase, imageSize)
	return nil
}

// mapDirectMapWindow covers all reported physical memory with 2Mb pages at
// the fixed direct-map offset. The window is how this package reaches page
// table memory once the new hierarchy is live, so it must exist before the
// switch.
func mapDirectMapWindow(sp *AddressSpace, layout KernelLayout) *kernel.Error {
	limit := (uintptr(layout.MaxPhysAddr()) + mm.HugePageSize - 1) &^ (mm.HugePageSize - 1)
	if limit > mm.DirectMapMaxSize {
		limit = mm.DirectMapMaxSize
	}

	for phys := uintptr(0); phys < limit; phys += mm.HugePageSize {
		virt := mm.DirectMapBase + mm.VirtAddr(phys)
		if err := sp.mapHuge(virt, mm.FrameFromAddress(mm.PhysAddr(phys)), FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}

// mapBootstrapStack re-maps the bootloader-established stack at the same
// virtual addresses and physical frames, resolving the frames through the
// currently active hierarchy.
func mapBootstrapStack(sp *AddressSpace, layout KernelLayout) *kernel.Error {
	stackBase, stackSize := layout.Stack()
	bootSpace := AddressSpace{root: mm.Frame(activePageTableFn() >> mm.PageShift)}

	for offset := uintptr(0); offset < stackSize; offset += mm.PageSize {
		virt := stackBase + mm.VirtAddr(offset)

		phys, err := bootSpace.Translate(virt)
		if err != nil {
			return err
		}

		if err := sp.Map(mm.PageFromAddress(virt), mm.FrameFromAddress(phys), FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	sp.Guard(stackBase, stackSize)
	return nil
}

// mapInitialHeap commits fresh zeroed frames to the initial heap window.
func mapInitialHeap(sp *AddressSpace) *kernel.Error {
	heapSize := (mm.KernelHeapInitialSize + mm.PageSize - 1) &^ (mm.PageSize - 1)

	for offset := uintptr(0); offset < heapSize; offset += mm.PageSize {
		frame, err := sp.frames.AllocFrame()
		if err != nil {
			return err
		}

		// Heap frames may have held anything; scrub them through the
		// same direct-map overlay used for page tables.
		zeroTable(frame)

		virt := mm.KernelHeapBase + mm.VirtAddr(offset)
		if err := sp.Map(mm.PageFromAddress(virt), frame, FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}

	return nil
}
