// Package pmm implements the kernel's physical frame allocator. Frame
// reservations are tracked by per-region bitmaps whose backing storage is
// carved out of the usable memory reported by the bootloader and accessed
// through the direct-map window.
package pmm

import (
	"reflect"
	"unsafe"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/bootinfo"
	"github.com/analogrelay/roxy/kernel/kfmt"
	"github.com/analogrelay/roxy/kernel/mm"
)

const (
	// maxPools bounds the number of usable regions the allocator can
	// manage; it matches the bound on the ingested memory map.
	maxPools = 128

	// maxExclusions bounds the physical ranges that are carved out of
	// the usable regions before any allocation happens.
	maxExclusions = 4

	bitsPerWord = 64
)

var (
	// ErrOutOfMemory is returned when no free frame remains. During
	// bootstrap this is fatal: there is no swap and no reclaim path.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrFrameNotAllocated is returned by FreeFrame when the supplied
	// frame is outside every pool or is already free. Double-frees are a
	// caller contract violation; the bitmap makes the guard cheap enough
	// to keep enabled in all builds.
	ErrFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame is not allocated by this allocator"}

	// physSliceFn overlays a word slice on top of a physical address
	// range via the direct-map window. Tests override it to redirect
	// bitmap storage into process memory.
	physSliceFn = func(start mm.PhysAddr, words int) []uint64 {
		return *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
			Data: uintptr(start.DirectMapped()),
			Len:  words,
			Cap:  words,
		}))
	}
)

// MemoryLayout describes the subset of the ingested boot information the
// allocator needs to seed itself. It is satisfied by *bootinfo.BootInfo.
type MemoryLayout interface {
	VisitMemRegions(bootinfo.MemRegionVisitor)
	Regions() []bootinfo.MemoryRegion
	KernelImage() (mm.PhysAddr, mm.VirtAddr, uintptr)
	BlobExtent() (mm.PhysAddr, mm.PhysAddr)
}

// exclusion describes a physical range that must never be handed out.
type exclusion struct {
	start, end mm.PhysAddr
}

// framePool tracks frame reservations for one usable memory region. Each set
// bit in the bitmap marks frame (startFrame + bitIndex) as used.
type framePool struct {
	// startFrame is the first frame in the pool; endFrame is exclusive.
	startFrame, endFrame mm.Frame

	// freeCount lets the allocator skip fully reserved pools without
	// scanning their bitmaps.
	freeCount uint64

	bitmap []uint64
}

func (p *framePool) frameCount() uint64 {
	return uint64(p.endFrame - p.startFrame)
}

// BitmapAllocator tracks which physical frames are free or used across all
// usable memory pools. It is created once during bootstrap and then handed
// off (moved, not shared) to kernel-proper together with the active address
// space.
type BitmapAllocator struct {
	pools     [maxPools]framePool
	poolCount int

	exclusions     [maxExclusions]exclusion
	exclusionCount int

	totalFrames    uint64
	reservedFrames uint64

	// memoryMap is the normalized region list used for classification
	// lookups; owned by the boot info adapter which outlives bootstrap.
	memoryMap []bootinfo.MemoryRegion
}

// Init seeds the allocator from the ingested memory map. The frames occupied
// by the loaded kernel image and by the boot info blob are reserved up front
// so early allocations cannot clobber them, and the bitmap backing storage is
// similarly self-reserved.
func (alloc *BitmapAllocator) Init(bi MemoryLayout) *kernel.Error {
	alloc.memoryMap = bi.Regions()

	physBase, _, imageSize := bi.KernelImage()
	alloc.addExclusion(physBase, physBase+mm.PhysAddr(imageSize))
	blobStart, blobEnd := bi.BlobExtent()
	alloc.addExclusion(blobStart, blobEnd)

	totalWords := alloc.setupPools(bi)
	if totalWords == 0 {
		return ErrOutOfMemory
	}

	storageStart, storageFrames, err := alloc.reserveBitmapStorage(totalWords)
	if err != nil {
		return err
	}

	words := physSliceFn(storageStart, totalWords)
	for i := range words {
		words[i] = 0
	}

	// Hand each pool its slice of the storage area.
	nextWord := 0
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		poolWords := int((pool.frameCount() + bitsPerWord - 1) / bitsPerWord)
		pool.bitmap = words[nextWord : nextWord+poolWords]
		nextWord += poolWords

		// Bits past the end of the pool must never be handed out.
		for bit := pool.frameCount(); bit < uint64(poolWords)*bitsPerWord; bit++ {
			pool.bitmap[bit/bitsPerWord] |= 1 << (bit % bitsPerWord)
		}
	}

	// Reserve the excluded ranges and the bitmap storage itself.
	for i := 0; i < alloc.exclusionCount; i++ {
		excl := &alloc.exclusions[i]
		alloc.markRangeUsed(mm.FrameFromAddress(excl.start), mm.FrameFromAddress(excl.end+mm.PhysAddr(mm.PageSize-1)))
	}
	alloc.markRangeUsed(mm.FrameFromAddress(storageStart), mm.FrameFromAddress(storageStart)+mm.Frame(storageFrames))

	alloc.printMemoryMap(bi)
	return nil
}

func (alloc *BitmapAllocator) addExclusion(start, end mm.PhysAddr) {
	if alloc.exclusionCount == maxExclusions || end <= start {
		return
	}
	alloc.exclusions[alloc.exclusionCount] = exclusion{start: start, end: end}
	alloc.exclusionCount++
}

// setupPools creates one pool per usable region and returns the total number
// of bitmap words required to track them.
func (alloc *BitmapAllocator) setupPools(bi MemoryLayout) int {
	var totalWords int

	bi.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		if region.Kind != bootinfo.RegionUsable || alloc.poolCount == maxPools {
			return true
		}

		// Reported addresses may not be page-aligned; round inwards so
		// partial frames at the edges are never handed out.
		startFrame := mm.FrameFromAddress(region.Start + mm.PhysAddr(mm.PageSize-1))
		endFrame := mm.FrameFromAddress(region.End())
		if endFrame <= startFrame {
			return true
		}

		pool := &alloc.pools[alloc.poolCount]
		pool.startFrame = startFrame
		pool.endFrame = endFrame
		pool.freeCount = pool.frameCount()
		alloc.poolCount++

		alloc.totalFrames += pool.frameCount()
		totalWords += int((pool.frameCount() + bitsPerWord - 1) / bitsPerWord)
		return true
	})

	return totalWords
}

// reserveBitmapStorage locates a contiguous run of frames large enough to
// hold totalWords bitmap words, avoiding the excluded ranges. The scan is
// lowest-address-first so storage placement is deterministic for a fixed
// memory map.
func (alloc *BitmapAllocator) reserveBitmapStorage(totalWords int) (mm.PhysAddr, int, *kernel.Error) {
	storageBytes := uintptr(totalWords) * 8
	storageFrames := int((storageBytes + mm.PageSize - 1) >> mm.PageShift)

	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]

		run := 0
		for frame := pool.startFrame; frame < pool.endFrame; frame++ {
			if alloc.excluded(frame) {
				run = 0
				continue
			}
			run++
			if run == storageFrames {
				return (frame - mm.Frame(storageFrames-1)).Address(), storageFrames, nil
			}
		}
	}

	return 0, 0, ErrOutOfMemory
}

func (alloc *BitmapAllocator) excluded(frame mm.Frame) bool {
	addr := frame.Address()
	for i := 0; i < alloc.exclusionCount; i++ {
		excl := &alloc.exclusions[i]
		if addr+mm.PhysAddr(mm.PageSize) > excl.start && addr < excl.end {
			return true
		}
	}
	return false
}

// markRangeUsed reserves [startFrame, endFrame) in whichever pools overlap
// it. Frames outside every pool are outside allocator jurisdiction and need
// no bookkeeping.
func (alloc *BitmapAllocator) markRangeUsed(startFrame, endFrame mm.Frame) {
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		for frame := maxFrame(startFrame, pool.startFrame); frame < minFrame(endFrame, pool.endFrame); frame++ {
			bit := uint64(frame - pool.startFrame)
			word, mask := bit/bitsPerWord, uint64(1)<<(bit%bitsPerWord)
			if pool.bitmap[word]&mask == 0 {
				pool.bitmap[word] |= mask
				pool.freeCount--
				alloc.reservedFrames++
			}
		}
	}
}

// AllocFrame reserves and returns the lowest-addressed free frame. The
// lowest-first policy is not part of the allocator contract but keeps
// allocation order deterministic for a fixed input map.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if pool.freeCount == 0 {
			continue
		}

		for wordIndex, word := range pool.bitmap {
			if word == ^uint64(0) {
				continue
			}

			for bit := 0; bit < bitsPerWord; bit++ {
				mask := uint64(1) << bit
				if word&mask == 0 {
					pool.bitmap[wordIndex] |= mask
					pool.freeCount--
					alloc.reservedFrames++
					return pool.startFrame + mm.Frame(wordIndex*bitsPerWord+bit), nil
				}
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a frame to the free set. Frames that are outside every
// pool or not currently allocated yield ErrFrameNotAllocated.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	for i := 0; i < alloc.poolCount; i++ {
		pool := &alloc.pools[i]
		if frame < pool.startFrame || frame >= pool.endFrame {
			continue
		}

		bit := uint64(frame - pool.startFrame)
		word, mask := bit/bitsPerWord, uint64(1)<<(bit%bitsPerWord)
		if pool.bitmap[word]&mask == 0 {
			return ErrFrameNotAllocated
		}

		pool.bitmap[word] &^= mask
		pool.freeCount++
		alloc.reservedFrames--
		return nil
	}

	return ErrFrameNotAllocated
}

// RegionKind classifies the supplied physical address against the boot-time
// memory map. Addresses not covered by any region are reported as reserved.
func (alloc *BitmapAllocator) RegionKind(addr mm.PhysAddr) bootinfo.RegionKind {
	for i := range alloc.memoryMap {
		region := &alloc.memoryMap[i]
		if addr >= region.Start && addr < region.End() {
			return region.Kind
		}
	}
	return bootinfo.RegionReserved
}

// TotalFrames returns the number of frames under allocator management.
func (alloc *BitmapAllocator) TotalFrames() uint64 { return alloc.totalFrames }

// ReservedFrames returns the number of frames currently marked used.
func (alloc *BitmapAllocator) ReservedFrames() uint64 { return alloc.reservedFrames }

// FreeFrames returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeFrames() uint64 { return alloc.totalFrames - alloc.reservedFrames }

// printMemoryMap emits the system memory map and the allocator totals to the
// boot console.
func (alloc *BitmapAllocator) printMemoryMap(bi MemoryLayout) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree uint64
	bi.VisitMemRegions(func(region *bootinfo.MemoryRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			uint64(region.Start), uint64(region.End()), region.Length, region.Kind.String())
		if region.Kind == bootinfo.RegionUsable {
			totalFree += region.Length
		}
		return true
	})

	kfmt.Printf("[pmm] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[pmm] managed frames: %d, reserved at boot: %d\n", alloc.totalFrames, alloc.reservedFrames)
}

func minFrame(a, b mm.Frame) mm.Frame {
	if a < b {
		return a
	}
	return b
}

func maxFrame(a, b mm.Frame) mm.Frame {
	if a > b {
		return a
	}
	return b
}
