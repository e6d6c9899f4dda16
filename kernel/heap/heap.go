// Package heap implements the initial kernel heap: a first-fit free-list
// allocator over the fixed heap window committed during bootstrap. Free
// blocks store their bookkeeping inside the managed memory itself so the
// allocator needs no storage of its own.
package heap

import (
	"unsafe"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/mm"
)

// minBlockSize is the size of the in-place free block header. Every block
// the allocator hands out or tracks is a multiple of this size, which also
// serves as the minimum alignment.
const minBlockSize = unsafe.Sizeof(freeBlock{})

var (
	// ErrOutOfMemory is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of heap memory"}
)

// freeBlock heads each entry of the free list. It lives inside the free
// memory it describes; the list is kept sorted by address so freed
// neighbours can be merged.
type freeBlock struct {
	size uintptr
	next *freeBlock
}

// Allocator manages one contiguous heap window.
type Allocator struct {
	start mm.VirtAddr
	size  uintptr
	head  *freeBlock
}

// Init seeds the allocator with the window [start, start+size). The window
// edges are aligned inwards to the block size.
func (h *Allocator) Init(start mm.VirtAddr, size uintptr) {
	alignedStart := (uintptr(start) + minBlockSize - 1) &^ (minBlockSize - 1)
	size -= alignedStart - uintptr(start)
	size &^= minBlockSize - 1

	h.start = mm.VirtAddr(alignedStart)
	h.size = size

	h.head = (*freeBlock)(unsafe.Pointer(alignedStart))
	h.head.size = size
	h.head.next = nil
}

// Alloc reserves size bytes aligned to align and returns the block address.
// The same size must be passed to the matching Free call.
func (h *Allocator) Alloc(size, align uintptr) (mm.VirtAddr, *kernel.Error) {
	size = blockRound(size)
	if align < minBlockSize {
		align = minBlockSize
	}

	for prev, cur := (*freeBlock)(nil), h.head; cur != nil; prev, cur = cur, cur.next {
		base := uintptr(unsafe.Pointer(cur))
		aligned := (base + align - 1) &^ (align - 1)
		pad := aligned - base

		if cur.size < pad+size {
			continue
		}

		// Block sizes and alignments are multiples of the header size
		// so the cut-offs below are always either zero or large enough
		// to hold a header.
		tail := cur.size - pad - size
		next := cur.next

		if tail > 0 {
			tailBlock := (*freeBlock)(unsafe.Pointer(aligned + size))
			tailBlock.size = tail
			tailBlock.next = next
			next = tailBlock
		}

		if pad > 0 {
			cur.size = pad
			cur.next = next
		} else if prev != nil {
			prev.next = next
		} else {
			h.head = next
		}

		return mm.VirtAddr(aligned), nil
	}

	return 0, ErrOutOfMemory
}

// Free returns the block at addr to the free list and merges it with
// adjacent free blocks. The size must match the corresponding Alloc call.
func (h *Allocator) Free(addr mm.VirtAddr, size uintptr) {
	size = blockRound(size)

	block := (*freeBlock)(unsafe.Pointer(uintptr(addr)))
	block.size = size

	// Insert in address order.
	var prev *freeBlock
	cur := h.head
	for cur != nil && uintptr(unsafe.Pointer(cur)) < uintptr(addr) {
		prev, cur = cur, cur.next
	}
	block.next = cur
	if prev != nil {
		prev.next = block
	} else {
		h.head = block
	}

	// Merge with the right then with the left neighbour.
	if cur != nil && uintptr(addr)+block.size == uintptr(unsafe.Pointer(cur)) {
		block.size += cur.size
		block.next = cur.next
	}
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size == uintptr(addr) {
		prev.size += block.size
		prev.next = block.next
	}
}

// FreeBytes returns the total amount of free heap memory. Fragmentation may
// prevent a single allocation of this size.
func (h *Allocator) FreeBytes() uintptr {
	var total uintptr
	for cur := h.head; cur != nil; cur = cur.next {
		total += cur.size
	}
	return total
}

func blockRound(size uintptr) uintptr {
	if size < minBlockSize {
		return minBlockSize
	}
	return (size + minBlockSize - 1) &^ (minBlockSize - 1)
}
