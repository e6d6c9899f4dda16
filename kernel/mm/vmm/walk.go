package vmm

import "github.com/analogrelay/roxy/kernel/mm"

// pageTableWalker is invoked by walk with the current page level and the
// entry that corresponds to the virtual address at that level. Returning
// false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr starting at the hierarchy
// rooted in root. The walker descends through the frame recorded in each
// entry after walkFn returns, so walkFn is responsible for populating missing
// intermediate tables (or aborting) before the walk moves down a level.
func walk(root mm.Frame, virtAddr mm.VirtAddr, walkFn pageTableWalker) {
	walkToLevel(root, virtAddr, pageLevels-1, walkFn)
}

// walkToLevel behaves like walk but stops descending once lastLevel has been
// visited. It is used to install huge-page entries at an intermediate level.
func walkToLevel(root mm.Frame, virtAddr mm.VirtAddr, lastLevel uint8, walkFn pageTableWalker) {
	table := tableFromFrameFn(root)

	for level := uint8(0); level <= lastLevel; level++ {
		entryIndex := (uintptr(virtAddr) >> pageLevelShifts[level]) & (tableEntryCount - 1)
		pte := &table[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		if level < lastLevel {
			table = tableFromFrameFn(pte.Frame())
		}
	}
}
