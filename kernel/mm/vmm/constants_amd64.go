package vmm

const (
	// pageLevels indicates the number of page table levels supported by
	// the amd64 architecture.
	pageLevels = 4

	// tableEntryCount is the number of entries in a page table at every
	// level.
	tableEntryCount = 512

	// hugePageLevel is the table level whose entries may map 2Mb pages
	// directly when FlagHugePage is set.
	hugePageLevel = 2

	// ptePhysPageMask extracts the physical address encoded in a page
	// table entry. For this architecture bits 12-51 contain the physical
	// frame address.
	ptePhysPageMask = uint64(0x000ffffffffff000)
)

var (
	// pageLevelShifts defines the shift required to extract the page
	// table index for each level from a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on a level-2 entry that maps a 2Mb page instead
	// of pointing to a level-3 table.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached
	// translation for this page when page tables are switched.
	FlagGlobal

	// FlagNoExecute if set, indicates that the page contents must not be
	// executed.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
