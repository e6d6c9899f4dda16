// Package vmm manages virtual address spaces: page table construction, the
// 4-level walker and the guarded switch to a freshly built kernel space. All
// page table memory is reached through the direct-map window; the package
// never relies on the recursive-mapping trick so it can operate on inactive
// hierarchies and on synthetic tables in tests.
package vmm

import (
	"unsafe"

	"github.com/analogrelay/roxy/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint64

// pageTableEntry describes a single entry in a page table. Entries encode a
// physical frame address and a set of flags.
type pageTableEntry uint64

// pageTable is the in-memory layout of a page table at any level.
type pageTable [tableEntryCount]pageTableEntry

var (
	// tableFromFrameFn overlays a pageTable on the physical frame that
	// holds it, going through the direct-map window. Tests override it to
	// redirect table accesses into synthetic arenas.
	tableFromFrameFn = func(frame mm.Frame) *pageTable {
		return (*pageTable)(unsafe.Pointer(uintptr(frame.Address().DirectMapped())))
	}
)

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uint64(*pte) &^ ptePhysPageMask) | uint64(frame.Address()))
}

// zeroTable clears the page table stored in the supplied frame.
func zeroTable(frame mm.Frame) {
	table := tableFromFrameFn(frame)
	for i := range table {
		table[i] = 0
	}
}
