package kmain

import (
	"bytes"
	"testing"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/bootinfo"
	"github.com/analogrelay/roxy/kernel/driver/serial"
	"github.com/analogrelay/roxy/kernel/heap"
	"github.com/analogrelay/roxy/kernel/kfmt"
	"github.com/analogrelay/roxy/kernel/mm"
	"github.com/analogrelay/roxy/kernel/mm/pmm"
	"github.com/analogrelay/roxy/kernel/mm/vmm"
)

func TestKmainSequencing(t *testing.T) {
	defer func(origConsoleInit func(*serial.Uart, uint16) *kernel.Error,
		origIngest func(uintptr) (*bootinfo.BootInfo, *kernel.Error),
		origFrameInit func(*pmm.BitmapAllocator, pmm.MemoryLayout) *kernel.Error,
		origSetup func(*vmm.AddressSpace, vmm.KernelLayout, vmm.FrameSource) *kernel.Error,
		origActivate func(*vmm.AddressSpace) *kernel.Error,
		origGDTInit func() *kernel.Error,
		origIRQInit, origSTI func(),
		origHeapInit func(*heap.Allocator, mm.VirtAddr, uintptr),
		origMain func(*Handles),
	) {
		consoleInitFn = origConsoleInit
		ingestFn = origIngest
		frameAllocInitFn = origFrameInit
		setupKernelSpaceFn = origSetup
		activateFn = origActivate
		gdtInitFn = origGDTInit
		irqInitFn = origIRQInit
		enableInterruptsFn = origSTI
		heapInitFn = origHeapInit
		kernelMainFn = origMain
		kernel.SetPanicNotifier(nil)
	}(consoleInitFn, ingestFn, frameAllocInitFn, setupKernelSpaceFn, activateFn,
		gdtInitFn, irqInitFn, enableInterruptsFn, heapInitFn, kernelMainFn)

	origSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(&bytes.Buffer{})
	defer kfmt.SetOutputSink(origSink)

	var (
		steps      []string
		gotHandoff uintptr
		gotHandles *Handles
		testInfo   = new(bootinfo.BootInfo)
	)

	// The console probe fails so the output sink is left alone and no
	// port I/O happens during the test.
	consoleInitFn = func(u *serial.Uart, base uint16) *kernel.Error {
		steps = append(steps, "console")
		return serial.ErrDeviceNotPresent
	}
	ingestFn = func(ptr uintptr) (*bootinfo.BootInfo, *kernel.Error) {
		steps = append(steps, "ingest")
		gotHandoff = ptr
		return testInfo, nil
	}
	frameAllocInitFn = func(alloc *pmm.BitmapAllocator, layout pmm.MemoryLayout) *kernel.Error {
		steps = append(steps, "pmm")
		if alloc != &frameAllocator {
			t.Error("expected the package frame allocator to be initialized")
		}
		if layout != pmm.MemoryLayout(testInfo) {
			t.Error("expected the ingested boot info to seed the frame allocator")
		}
		return nil
	}
	setupKernelSpaceFn = func(sp *vmm.AddressSpace, layout vmm.KernelLayout, frames vmm.FrameSource) *kernel.Error {
		steps = append(steps, "vmm")
		if sp != &kernelSpace {
			t.Error("expected the package kernel space to be built")
		}
		if frames != vmm.FrameSource(&frameAllocator) {
			t.Error("expected the frame allocator to feed the kernel space")
		}
		return nil
	}
	activateFn = func(sp *vmm.AddressSpace) *kernel.Error {
		steps = append(steps, "activate")
		return nil
	}
	gdtInitFn = func() *kernel.Error {
		steps = append(steps, "gdt")
		return nil
	}
	irqInitFn = func() { steps = append(steps, "irq") }
	// Interrupts must stay disabled until kernel-proper enables them
	// after the handoff; any call before then corrupts the sequence.
	enableInterruptsFn = func() { steps = append(steps, "sti") }
	heapInitFn = func(h *heap.Allocator, start mm.VirtAddr, size uintptr) {
		steps = append(steps, "heap")
		if start != mm.KernelHeapBase || size != mm.KernelHeapInitialSize {
			t.Errorf("expected heap window 0x%x/%d; got 0x%x/%d",
				uintptr(mm.KernelHeapBase), mm.KernelHeapInitialSize, uintptr(start), size)
		}
	}
	kernelMainFn = func(h *Handles) {
		steps = append(steps, "main")
		gotHandles = h
		// Keep Kmain from running into its final panic.
		panic("handoff reached")
	}

	func() {
		defer func() {
			if r := recover(); r != "handoff reached" {
				t.Fatalf("expected handoff panic sentinel; got %v", r)
			}
		}()
		Kmain(0x123000)
	}()

	wantSteps := []string{"console", "ingest", "pmm", "vmm", "activate", "gdt", "irq", "heap", "main"}
	if len(steps) != len(wantSteps) {
		t.Fatalf("expected steps %v; got %v", wantSteps, steps)
	}
	for i := range wantSteps {
		if steps[i] != wantSteps[i] {
			t.Fatalf("expected steps %v; got %v", wantSteps, steps)
		}
	}

	if gotHandoff != 0x123000 {
		t.Errorf("expected handoff pointer 0x123000; got 0x%x", gotHandoff)
	}

	if gotHandles.BootInfo != testInfo {
		t.Error("expected handles to carry the ingested boot info")
	}
	if gotHandles.Frames != &frameAllocator || gotHandles.Space != &kernelSpace || gotHandles.Heap != &kernelHeap {
		t.Error("expected handles to reference the bootstrap-owned singletons")
	}
}

func TestMaskLegacyPIC(t *testing.T) {
	origPortWrite := picPortWriteFn
	defer func() { picPortWriteFn = origPortWrite }()

	writes := make(map[uint16]uint8)
	picPortWriteFn = func(port uint16, val uint8) { writes[port] = val }

	maskLegacyPIC()

	if len(writes) != 2 || writes[picPrimaryDataPort] != 0xff || writes[picSecondaryDataPort] != 0xff {
		t.Errorf("expected both controller data ports to be masked with 0xff; got %v", writes)
	}
}
