package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HugePageShift is equal to log2(HugePageSize). Level-2 page table
	// entries can map huge pages directly.
	HugePageShift = uintptr(21)

	// HugePageSize defines the size of a level-2 huge page in bytes.
	HugePageSize = uintptr(1 << HugePageShift)
)

// Virtual memory layout. The kernel image base must match the linker script
// (see kernel.ld) and the direct-map and stack bases must match the
// bootloader configuration or activation of the kernel address space will
// corrupt execution.
const (
	// KernelImageBase is the virtual address the kernel image is linked
	// at.
	KernelImageBase = VirtAddr(0xffff800000000000)

	// DirectMapBase is the base of the direct-map window through which
	// all physical memory is addressable by constant-offset arithmetic.
	DirectMapBase = VirtAddr(0xffff888000000000)

	// DirectMapMaxSize caps the amount of physical memory covered by the
	// direct-map window.
	DirectMapMaxSize = uintptr(64 << 30)

	// KernelStackBase is the virtual base of the bootstrap kernel stack
	// established by the bootloader.
	KernelStackBase = VirtAddr(0xffffa00000000000)

	// KernelStackSize is the size of the bootstrap kernel stack.
	KernelStackSize = uintptr(80 * 1024)

	// KernelHeapBase is the virtual base of the initial kernel heap
	// window.
	KernelHeapBase = VirtAddr(0xffffc00000000000)

	// KernelHeapInitialSize is the amount of physical memory committed to
	// the initial heap during bootstrap.
	KernelHeapInitialSize = uintptr(100 * 1024)
)
