// Package gdt sets up the global descriptor table and the task state segment
// for long mode. Segmentation is mostly vestigial on amd64 but a minimal GDT
// and a TSS are still required: the TSS carries the interrupt stack table
// through which the double fault handler gets a known-good stack.
package gdt

import (
	"encoding/binary"
	"unsafe"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/cpu"
	"github.com/analogrelay/roxy/kernel/mm"
)

// Descriptor table slots. The selector values below are derived from these
// and are hardcoded in the interrupt gate setup.
const (
	segNull = iota
	segKernelCode
	segKernelData
	segTSSLow
	// The 64-bit TSS descriptor spans two slots; the second holds the
	// high half of the base address.
	segTSSHigh
	segCount
)

// Segment selectors loaded by Init.
const (
	SelectorKernelCode = uint16(segKernelCode << 3)
	SelectorKernelData = uint16(segKernelData << 3)
	SelectorTSS        = uint16(segTSSLow << 3)
)

// DoubleFaultISTIndex is the 1-based interrupt stack table slot that the
// double fault gate switches to. A double fault caused by a stack overflow
// cannot be handled on the faulting stack.
const DoubleFaultISTIndex = 1

// doubleFaultStackSize is the size of the dedicated double fault stack.
const doubleFaultStackSize = 5 * 4096

var (
	// ErrBadDescriptor is returned when a descriptor cannot encode the
	// requested base and limit.
	ErrBadDescriptor = &kernel.Error{Module: "gdt", Message: "segment limit cannot be encoded"}

	// loadGDTFn and loadTaskRegFn are used by tests to override the
	// privileged loads which would fault in user-mode.
	loadGDTFn     = cpu.LoadGDT
	loadTaskRegFn = cpu.LoadTaskRegister

	gdtTable  [segCount]segmentDescriptor
	kernelTSS taskState

	// doubleFaultStack is declared as uint64 words to guarantee 8-byte
	// alignment of the stack area.
	doubleFaultStack [doubleFaultStackSize / 8]uint64
)

// segmentDescriptor is a 64-bit GDT entry. The uint64 type forces 8-byte
// alignment.
type segmentDescriptor uint64

// taskState is the amd64 TSS layout: 25 32-bit words holding the privilege
// stack pointers, the interrupt stack table and the I/O permission bitmap
// base.
type taskState [25]uint32

// setIST records the stack top for the 1-based interrupt stack table slot.
func (t *taskState) setIST(index int, stackTop uint64) {
	t[7+index*2] = uint32(stackTop)
	t[7+index*2+1] = uint32(stackTop >> 32)
}

// setIOPermBase points the I/O permission bitmap past the TSS limit which
// blocks all user-mode port access.
func (t *taskState) setIOPermBase(base uint16) {
	t[24] = uint32(base) << 16
}

type segmentFlags uint32

const (
	segFlagAccessed segmentFlags = 1 << 8
	segFlagWrite    segmentFlags = 1 << 9
	segFlagCode     segmentFlags = 1 << 11
	segFlagSystem   segmentFlags = 1 << 12
	segFlagPresent  segmentFlags = 1 << 15
	segFlagLong     segmentFlags = 1 << 21
)

// newSegmentDescriptor encodes a descriptor with the split base and limit
// fields mandated by the legacy format.
func newSegmentDescriptor(base, limit uint32, flags segmentFlags) (segmentDescriptor, *kernel.Error) {
	if limit > 0xfffff {
		return 0, ErrBadDescriptor
	}

	flags |= segFlagPresent
	w0 := base<<16 | limit&0xffff
	w1 := base&0xff000000 | limit&0xf0000 | uint32(flags) | (base>>16)&0xff
	return segmentDescriptor(uint64(w1)<<32 | uint64(w0)), nil
}

// newTSSDescriptor encodes the low half of a 64-bit TSS descriptor. The
// access byte uses the available-TSS system type, which is the accessed and
// code flag bits with the system bit clear.
func newTSSDescriptor(base uintptr, limit uint32) (segmentDescriptor, *kernel.Error) {
	return newSegmentDescriptor(uint32(base), limit, segFlagAccessed|segFlagCode)
}

// Init populates the descriptor table and the TSS, loads them into the CPU
// and reloads the segment registers. It must run after the kernel address
// space is active so the descriptor and stack addresses it latches stay
// valid for the lifetime of the kernel.
func Init() *kernel.Error {
	stackTop := uintptr(unsafe.Pointer(&doubleFaultStack)) + unsafe.Sizeof(doubleFaultStack)
	// The SysV ABI expects 16-byte stack alignment on entry.
	stackTop &^= 15

	kernelTSS.setIST(DoubleFaultISTIndex, uint64(stackTop))
	tssLimit := uint32(unsafe.Sizeof(kernelTSS) - 1)
	kernelTSS.setIOPermBase(uint16(tssLimit + 1))

	var err *kernel.Error
	if gdtTable[segKernelCode], err = newSegmentDescriptor(0, 0, segFlagSystem|segFlagCode|segFlagLong); err != nil {
		return err
	}
	if gdtTable[segKernelData], err = newSegmentDescriptor(0, 0, segFlagSystem|segFlagWrite); err != nil {
		return err
	}

	tssBase := uintptr(unsafe.Pointer(&kernelTSS))
	if gdtTable[segTSSLow], err = newTSSDescriptor(tssBase, tssLimit); err != nil {
		return err
	}
	gdtTable[segTSSHigh] = segmentDescriptor(tssBase >> 32)

	// The GDTR operand is a packed 16-bit limit followed by the 64-bit
	// table address; the CPU copies it during lgdt so it can live on the
	// stack.
	var gdtr [10]byte
	binary.LittleEndian.PutUint16(gdtr[:2], uint16(unsafe.Sizeof(gdtTable)-1))
	binary.LittleEndian.PutUint64(gdtr[2:], uint64(uintptr(unsafe.Pointer(&gdtTable))))

	loadGDTFn(uintptr(unsafe.Pointer(&gdtr)), SelectorKernelCode, SelectorKernelData)
	loadTaskRegFn(SelectorTSS)
	return nil
}

// DoubleFaultStackExtent reports the virtual range of the dedicated double
// fault stack for diagnostic output.
func DoubleFaultStackExtent() (mm.VirtAddr, uintptr) {
	return mm.VirtAddr(uintptr(unsafe.Pointer(&doubleFaultStack))), uintptr(unsafe.Sizeof(doubleFaultStack))
}
