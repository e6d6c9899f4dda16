package irq

import (
	"encoding/binary"
	"unsafe"

	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/cpu"
	"github.com/analogrelay/roxy/kernel/gdt"
	"github.com/analogrelay/roxy/kernel/kfmt"
)

// InterruptNumber describes an x86 interrupt/exception/trap vector.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Breakpoint occurs when the CPU executes an INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page table or one of its entries
	// is not present or when a privilege and/or RW protection check
	// fails.
	PageFaultException = InterruptNumber(14)
)

const (
	numVectors = 256

	// gateTypeInterrupt marks a gate whose entry clears IF, blocking
	// nested maskable interrupts until IRETQ.
	gateTypeInterrupt = 0xe
)

// gateDescriptor is one 16-byte IDT entry.
type gateDescriptor [2]uint64

var (
	errUnhandledInterrupt = &kernel.Error{Module: "irq", Message: "unhandled interrupt"}
	errPageFault          = &kernel.Error{Module: "irq", Message: "page fault"}
	errDoubleFault        = &kernel.Error{Module: "irq", Message: "double fault"}

	// loadIDTFn and readCR2Fn are used by tests to override privileged
	// instructions which would fault in user-mode.
	loadIDTFn = cpu.LoadIDT
	readCR2Fn = cpu.ReadCR2

	idtTable [numVectors]gateDescriptor
	handlers [numVectors]func(*Registers)
)

// newGateDescriptor encodes an interrupt gate for a kernel-mode handler. The
// handler address is split across three descriptor fields; ist selects the
// 1-based interrupt stack table slot or 0 to stay on the interrupted stack.
func newGateDescriptor(handlerAddr uintptr, codeSel uint16, ist uint8) gateDescriptor {
	present := uint32(1) << 15

	w0 := uint32(codeSel)<<16 | uint32(handlerAddr&0xffff)
	w1 := uint32(handlerAddr&0xffff0000) | present | gateTypeInterrupt<<8 | uint32(ist)
	w2 := uint32(handlerAddr >> 32)

	return gateDescriptor{uint64(w1)<<32 | uint64(w0), uint64(w2)}
}

// funcPC returns the entry address of fn. The double indirection reads the
// code pointer out of the func value header.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// Init populates a gate for every vector, pointing each one at its generated
// entry stub, and loads the table into the CPU. The double fault gate is the
// only one that switches stacks via the IST. Init must run after gdt.Init
// since the gates reference the kernel code selector and the IST slot.
func Init() {
	for vector := 0; vector < numVectors; vector++ {
		idtTable[vector] = newGateDescriptor(funcPC(vectorEntries[vector]), gdt.SelectorKernelCode, 0)
		handlers[vector] = unexpectedInterrupt
	}

	HandleInterrupt(Breakpoint, 0, breakpointHandler)
	HandleInterrupt(PageFaultException, 0, pageFaultHandler)
	HandleInterrupt(DoubleFault, gdt.DoubleFaultISTIndex, doubleFaultHandler)

	var idtr [10]byte
	binary.LittleEndian.PutUint16(idtr[:2], uint16(unsafe.Sizeof(idtTable)-1))
	binary.LittleEndian.PutUint64(idtr[2:], uint64(uintptr(unsafe.Pointer(&idtTable))))
	loadIDTFn(uintptr(unsafe.Pointer(&idtr)))
}

// HandleInterrupt routes the supplied vector to handler, replacing whatever
// handler was previously installed, and selects the interrupt stack the
// vector runs on (ist 0 stays on the interrupted stack).
func HandleInterrupt(vector InterruptNumber, ist uint8, handler func(*Registers)) {
	idtTable[vector][0] = idtTable[vector][0]&^(7<<32) | uint64(ist&7)<<32
	handlers[vector] = handler
}

// interruptCommon is the shared save/dispatch/restore path that every entry
// stub jumps to (entry_amd64.s).
func interruptCommon()

// dispatchInterrupt is invoked by the common entry stub with the register
// snapshot built on the interrupted stack.
func dispatchInterrupt(regs *Registers) {
	handlers[regs.Vector](regs)
}

// unexpectedInterrupt reports a vector that has no registered handler. There
// is nothing to resume; whatever raised it was never supposed to happen.
func unexpectedInterrupt(regs *Registers) {
	// The interrupted context may hold the output lock and will never
	// resume to release it.
	kfmt.ForceUnlock()

	kfmt.Printf("unexpected interrupt: vector=%d code=%x\n\n", regs.Vector, regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	kernel.Panic(errUnhandledInterrupt)
}

// breakpointHandler reports the INT3 site and resumes execution.
func breakpointHandler(regs *Registers) {
	kfmt.Printf("breakpoint at %16x\n", regs.RIP)
}

// pageFaultHandler decodes the fault address and error code. Demand paging
// is not implemented; every page fault is fatal.
func pageFaultHandler(regs *Registers) {
	faultAddr := readCR2Fn()

	kfmt.ForceUnlock()
	kfmt.Printf("page fault accessing %16x\n", faultAddr)
	kfmt.Printf("    cause: %s %s page (%s mode%s)\n\n",
		faultCause(regs.Info),
		faultPresence(regs.Info),
		faultOrigin(regs.Info),
		faultReserved(regs.Info),
	)

	regs.DumpTo(kfmt.GetOutputSink())
	kernel.Panic(errPageFault)
}

func faultCause(code uint64) string {
	if code&(1<<4) != 0 {
		return "instruction fetch from"
	}
	if code&(1<<1) != 0 {
		return "write to"
	}
	return "read from"
}

func faultPresence(code uint64) string {
	if code&(1<<0) != 0 {
		return "protected"
	}
	return "non-present"
}

func faultOrigin(code uint64) string {
	if code&(1<<2) != 0 {
		return "user"
	}
	return "kernel"
}

func faultReserved(code uint64) string {
	if code&(1<<3) != 0 {
		return ", reserved bit set"
	}
	return ""
}

// doubleFaultHandler runs on the dedicated IST stack; the stack that caused
// the fault may be unusable.
func doubleFaultHandler(regs *Registers) {
	kfmt.ForceUnlock()
	kfmt.Printf("double fault\n\n")
	regs.DumpTo(kfmt.GetOutputSink())
	kernel.Panic(errDoubleFault)
}
