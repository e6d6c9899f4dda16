// Package cpu isolates every instruction-level side effect behind a narrow,
// single-call-site API so that the rest of the kernel remains pure logic over
// the memory data model. All functions in this package are implemented in
// assembly (cpu_amd64.s).
package cpu

// rflagsIF is the interrupt-enable bit in the RFLAGS register.
const rflagsIF = uint64(1) << 9

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SuspendInterrupts disables maskable interrupts and returns the RFLAGS
// value that was live before the CLI executed.
func SuspendInterrupts() uint64

// ResumeInterrupts re-enables maskable interrupts if the RFLAGS value
// captured by SuspendInterrupts had them enabled.
func ResumeInterrupts(flags uint64) {
	if flags&rflagsIF != 0 {
		EnableInterrupts()
	}
}

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPageTable sets the root page table register (CR3) to point to the
// supplied physical address and implicitly flushes the non-global TLB
// entries. The AddressSpace Activate method is the only caller.
func SwitchPageTable(rootPhysAddr uintptr)

// ActivePageTable returns the physical address of the currently active
// 4-level page table root (CR3).
func ActivePageTable() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadRSP returns the current value of the stack pointer register.
func ReadRSP() uintptr

// LoadGDT loads the global descriptor table register from the 10-byte
// descriptor at the supplied address and reloads the CS, SS and DS segment
// registers with the supplied selectors.
func LoadGDT(gdtrAddr uintptr, codeSel, dataSel uint16)

// LoadIDT loads the interrupt descriptor table register from the 10-byte
// descriptor at the supplied address.
func LoadIDT(idtrAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(tssSel uint16)

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

var (
	cpuidFn = ID
)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
