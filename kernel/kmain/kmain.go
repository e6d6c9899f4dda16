// Package kmain sequences kernel bootstrap: it receives the bootloader
// handoff, brings up physical and virtual memory management, installs the
// descriptor tables and then transfers ownership of everything it built to
// kernel-proper.
package kmain

import (
	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/bootinfo"
	"github.com/analogrelay/roxy/kernel/cpu"
	"github.com/analogrelay/roxy/kernel/driver/qemu"
	"github.com/analogrelay/roxy/kernel/driver/serial"
	"github.com/analogrelay/roxy/kernel/gdt"
	"github.com/analogrelay/roxy/kernel/heap"
	"github.com/analogrelay/roxy/kernel/irq"
	"github.com/analogrelay/roxy/kernel/kfmt"
	"github.com/analogrelay/roxy/kernel/mm"
	"github.com/analogrelay/roxy/kernel/mm/pmm"
	"github.com/analogrelay/roxy/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// Bootstrap-owned state. Ownership moves to kernel-proper through the
	// Handles value; nothing else in the kernel refers to these
	// variables.
	bootConsole    serial.Uart
	frameAllocator pmm.BitmapAllocator
	kernelSpace    vmm.AddressSpace
	kernelHeap     heap.Allocator

	// The bootstrap steps are called through function variables so tests
	// can verify the sequencing without touching hardware.
	consoleInitFn      = (*serial.Uart).Init
	ingestFn           = bootinfo.Ingest
	frameAllocInitFn   = (*pmm.BitmapAllocator).Init
	setupKernelSpaceFn = vmm.SetupKernelSpace
	activateFn         = (*vmm.AddressSpace).Activate
	gdtInitFn          = gdt.Init
	irqInitFn          = irq.Init
	enableInterruptsFn = cpu.EnableInterrupts
	maskLegacyPICFn    = maskLegacyPIC
	picPortWriteFn     = cpu.PortWriteByte
	heapInitFn         = (*heap.Allocator).Init
	kernelMainFn       = kernelMain
)

// Legacy 8259 interrupt controller data ports.
const (
	picPrimaryDataPort   = uint16(0x21)
	picSecondaryDataPort = uint16(0xa1)
)

// Handles owns everything bootstrap built. It is passed to kernel-proper by
// move: after the transfer the kmain package never touches the referenced
// state again.
type Handles struct {
	BootInfo *bootinfo.BootInfo
	Frames   *pmm.BitmapAllocator
	Space    *vmm.AddressSpace
	Heap     *heap.Allocator
}

// Kmain is the only Go symbol invoked by the rt0 entry stub (a prebuilt
// object linked into the image, see the Makefile) once a minimal stack is
// live. The handoffPtr argument is the virtual address of the bootloader
// handoff blob.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(handoffPtr uintptr) {
	// Attach the boot console first so everything buffered so far,
	// panics included, reaches the host. If the probe fails output stays
	// in the early buffer.
	if err := consoleInitFn(&bootConsole, serial.COM1); err == nil {
		kfmt.SetOutputSink(&bootConsole)
	}

	// A panicking test kernel must terminate the emulator with a failure
	// verdict rather than hang in the halt loop.
	kernel.SetPanicNotifier(func() { qemu.Exit(qemu.ExitFailure) })

	kfmt.Printf("roxy: starting kernel bootstrap\n")

	bi, err := ingestFn(handoffPtr)
	if err != nil {
		kernel.Panic(err)
	}

	if err = frameAllocInitFn(&frameAllocator, bi); err != nil {
		kernel.Panic(err)
	}

	if err = setupKernelSpaceFn(&kernelSpace, bi, &frameAllocator); err != nil {
		kernel.Panic(err)
	}

	// The switch to the kernel-built hierarchy. Everything after this
	// line runs on mappings this kernel owns.
	if err = activateFn(&kernelSpace); err != nil {
		kernel.Panic(err)
	}

	if err = gdtInitFn(); err != nil {
		kernel.Panic(err)
	}
	irqInitFn()

	heapInitFn(&kernelHeap, mm.KernelHeapBase, mm.KernelHeapInitialSize)

	kernelMainFn(&Handles{
		BootInfo: bi,
		Frames:   &frameAllocator,
		Space:    &kernelSpace,
		Heap:     &kernelHeap,
	})

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}

// maskLegacyPIC masks every line on both 8259 controllers. Their power-on
// vector bases overlap the CPU exception range, so an unmasked line would
// deliver device interrupts straight into the fault gates.
func maskLegacyPIC() {
	picPortWriteFn(picPrimaryDataPort, 0xff)
	picPortWriteFn(picSecondaryDataPort, 0xff)
}

// kernelMain is the placeholder kernel-proper entry point: it reports what
// bootstrap produced and shuts the emulator down with a success verdict.
// Interrupts stay disabled for the whole bootstrap sequence; they are first
// enabled here, after the handoff, once the PIC lines are masked and the
// output lock carries its interrupt guard.
func kernelMain(h *Handles) {
	kfmt.SetInterruptGuard(cpu.SuspendInterrupts, cpu.ResumeInterrupts)
	maskLegacyPICFn()
	enableInterruptsFn()

	kfmt.Printf("[kmain] bootstrap complete\n")
	kfmt.Printf("[kmain] frames: %d total, %d free\n", h.Frames.TotalFrames(), h.Frames.FreeFrames())
	kfmt.Printf("[kmain] heap: %d bytes free\n", h.Heap.FreeBytes())
	if fb, ok := h.BootInfo.Framebuffer(); ok {
		kfmt.Printf("[kmain] framebuffer: %dx%d @ %16x\n", fb.Width, fb.Height, uintptr(fb.PhysAddr))
	}

	qemu.Exit(qemu.ExitSuccess)
}
