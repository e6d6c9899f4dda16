package vmm

import (
	"testing"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/bootinfo"
	"github.com/analogrelay/roxy/kernel/mm"
)

type fakeKernelLayout struct {
	kernPhys  mm.PhysAddr
	kernSize  uintptr
	sections  []bootinfo.KernelSection
	stackBase mm.VirtAddr
	stackSize uintptr
	maxPhys   mm.PhysAddr
}

func (f *fakeKernelLayout) KernelImage() (mm.PhysAddr, mm.VirtAddr, uintptr) {
	return f.kernPhys, mm.KernelImageBase, f.kernSize
}

func (f *fakeKernelLayout) Stack() (mm.VirtAddr, uintptr) { return f.stackBase, f.stackSize }

func (f *fakeKernelLayout) Sections() []bootinfo.KernelSection { return f.sections }

func (f *fakeKernelLayout) MaxPhysAddr() mm.PhysAddr { return f.maxPhys }

func setupKernelSpaceTest(t *testing.T) (*testArena, *fakeKernelLayout) {
	t.Helper()

	arena := setupSpaceTest(t)

	layout := &fakeKernelLayout{
		kernPhys: 0x200000,
		kernSize: 0x4000,
		sections: []bootinfo.KernelSection{
			{VirtAddr: mm.KernelImageBase, Size: 0x2000, Flags: bootinfo.SectionExecutable},
			{VirtAddr: mm.KernelImageBase + 0x2000, Size: 0x1000, Flags: 0},
			{VirtAddr: mm.KernelImageBase + 0x3000, Size: 0x1000, Flags: bootinfo.SectionWritable},
		},
		stackBase: mm.KernelStackBase,
		stackSize: 2 * mm.PageSize,
		maxPhys:   0x400000,
	}

	// Stand in for the bootloader's hierarchy: it maps the bootstrap stack
	// and is reported as the active page table while the kernel space is
	// built.
	bootSpace := AddressSpace{frames: arena}
	var err *kernel.Error
	if bootSpace.root, err = arena.AllocFrame(); err != nil {
		t.Fatalf("arena AllocFrame returned error: %v", err)
	}
	for pageIndex := uintptr(0); pageIndex < layout.stackSize>>mm.PageShift; pageIndex++ {
		page := mm.PageFromAddress(layout.stackBase + mm.VirtAddr(pageIndex*mm.PageSize))
		if err := bootSpace.Map(page, mm.Frame(0x800)+mm.Frame(pageIndex), FlagRW); err != nil {
			t.Fatalf("boot space Map returned error: %v", err)
		}
	}
	activePageTableFn = func() uintptr { return uintptr(bootSpace.root.Address()) }

	return arena, layout
}

func TestSetupKernelSpace(t *testing.T) {
	arena, layout := setupKernelSpaceTest(t)

	var switched []uintptr
	switchPageTableFn = func(rootAddr uintptr) { switched = append(switched, rootAddr) }

	var sp AddressSpace
	if err := SetupKernelSpace(&sp, layout, arena); err != nil {
		t.Fatalf("SetupKernelSpace returned error: %v", err)
	}

	// Image sections sit at their linked addresses, offset into the
	// physical load region.
	imageSpecs := []struct {
		virtAddr  mm.VirtAddr
		wantPhys  mm.PhysAddr
		wantRW    bool
		wantNoExe bool
	}{
		{mm.KernelImageBase, 0x200000, false, false},
		{mm.KernelImageBase + 0x1000, 0x201000, false, false},
		{mm.KernelImageBase + 0x2000, 0x202000, false, true},
		{mm.KernelImageBase + 0x3000, 0x203000, true, true},
	}

	for specIndex, spec := range imageSpecs {
		phys, err := sp.Translate(spec.virtAddr)
		if err != nil {
			t.Fatalf("[spec %d] Translate returned error: %v", specIndex, err)
		}
		if phys != spec.wantPhys {
			t.Errorf("[spec %d] expected phys 0x%x; got 0x%x", specIndex, uintptr(spec.wantPhys), uintptr(phys))
		}

		entry := leafEntry(&sp, spec.virtAddr)
		if got := entry.HasFlags(FlagRW); got != spec.wantRW {
			t.Errorf("[spec %d] expected RW=%t on section entry", specIndex, spec.wantRW)
		}
		if got := entry.HasFlags(FlagNoExecute); got != spec.wantNoExe {
			t.Errorf("[spec %d] expected NX=%t on section entry", specIndex, spec.wantNoExe)
		}
	}

	// The direct-map window resolves any physical address below the
	// reported maximum by plain offset arithmetic.
	phys, err := sp.Translate(mm.DirectMapBase + 0x345678)
	if err != nil {
		t.Fatalf("direct map Translate returned error: %v", err)
	}
	if phys != 0x345678 {
		t.Errorf("expected direct map translation 0x345678; got 0x%x", uintptr(phys))
	}
	if _, err := sp.Translate(mm.DirectMapBase + mm.VirtAddr(mm.DirectMapMaxSize)); err != ErrNotMapped {
		t.Errorf("expected address past the window to be unmapped; got %v", err)
	}

	// The stack keeps its bootloader-assigned frames.
	for pageIndex := uintptr(0); pageIndex < layout.stackSize>>mm.PageShift; pageIndex++ {
		virtAddr := layout.stackBase + mm.VirtAddr(pageIndex*mm.PageSize)
		phys, err := sp.Translate(virtAddr)
		if err != nil {
			t.Fatalf("stack Translate returned error: %v", err)
		}
		if want := (mm.Frame(0x800) + mm.Frame(pageIndex)).Address(); phys != want {
			t.Errorf("expected stack page %d at 0x%x; got 0x%x", pageIndex, uintptr(want), uintptr(phys))
		}
	}

	// The heap window is committed with fresh frames, page by page.
	heapPages := (mm.KernelHeapInitialSize + mm.PageSize - 1) >> mm.PageShift
	if _, err := sp.Translate(mm.KernelHeapBase); err != nil {
		t.Fatalf("heap Translate returned error: %v", err)
	}
	if _, err := sp.Translate(mm.KernelHeapBase + mm.VirtAddr((heapPages-1)*mm.PageSize)); err != nil {
		t.Fatalf("heap end Translate returned error: %v", err)
	}
	if _, err := sp.Translate(mm.KernelHeapBase + mm.VirtAddr(heapPages*mm.PageSize)); err != ErrNotMapped {
		t.Errorf("expected page past the heap window to be unmapped; got %v", err)
	}

	// Both guards are satisfied so activation goes through.
	if err := sp.Activate(); err != nil {
		t.Fatalf("Activate returned error: %v", err)
	}
	if len(switched) != 1 || switched[0] != uintptr(sp.root.Address()) {
		t.Errorf("expected a single switch to root 0x%x; got %v", uintptr(sp.root.Address()), switched)
	}

	// Losing a stack mapping must make activation refuse the switch.
	if err := sp.Unmap(mm.PageFromAddress(layout.stackBase)); err != nil {
		t.Fatalf("Unmap returned error: %v", err)
	}
	if err := sp.Activate(); err != ErrKernelNotMapped {
		t.Errorf("expected ErrKernelNotMapped after dropping a stack page; got %v", err)
	}
	if len(switched) != 1 {
		t.Errorf("expected no further switches; got %v", switched)
	}
}

func TestSetupKernelSpaceMisalignedSection(t *testing.T) {
	arena, layout := setupKernelSpaceTest(t)

	layout.sections = append(layout.sections, bootinfo.KernelSection{
		VirtAddr: mm.KernelImageBase + 0x4800,
		Size:     0x100,
		Flags:    0,
	})

	var sp AddressSpace
	if err := SetupKernelSpace(&sp, layout, arena); err != ErrMisaligned {
		t.Errorf("expected ErrMisaligned for misaligned section; got %v", err)
	}
}
