package mm

// PhysAddr describes a physical memory address. The type is deliberately
// distinct from VirtAddr; the only sanctioned conversions between the two
// are the direct-map window arithmetic below and a page-table walk.
type PhysAddr uintptr

// VirtAddr describes a virtual memory address.
type VirtAddr uintptr

// IsPageAligned returns true if the address is aligned to a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p&PhysAddr(PageSize-1) == 0
}

// DirectMapped returns the higher-half virtual address through which this
// physical address can be accessed via the direct-map window. The window
// covers all physical memory at a constant offset so the conversion is plain
// address arithmetic.
func (p PhysAddr) DirectMapped() VirtAddr {
	return DirectMapBase + VirtAddr(p)
}

// IsPageAligned returns true if the address is aligned to a page boundary.
func (v VirtAddr) IsPageAligned() bool {
	return v&VirtAddr(PageSize-1) == 0
}

// PageOffset returns the offset of the address within its page.
func (v VirtAddr) PageOffset() uintptr {
	return uintptr(v) & (PageSize - 1)
}

// IsHigherHalf returns true if the address belongs to the canonical higher
// half of the 64-bit address space.
func (v VirtAddr) IsHigherHalf() bool {
	return v >= 0xffff800000000000
}
