// Package qemu drives the isa-debug-exit device so test kernels can
// terminate the emulator with a machine-readable verdict. The device is
// wired up by the host-side runner (tools/qemu); writes to its port are
// ignored on machines that lack it.
package qemu

import "github.com/analogrelay/roxy/kernel/cpu"

// debugExitPort is the I/O port the runner configures for isa-debug-exit.
const debugExitPort = uint16(0xf4)

// ExitCode is the value reported to the emulator. QEMU exits with status
// (code << 1) | 1, so neither value can collide with a regular exit status.
type ExitCode uint32

const (
	// ExitSuccess reports an orderly shutdown.
	ExitSuccess = ExitCode(0x10)

	// ExitFailure reports a kernel panic.
	ExitFailure = ExitCode(0x11)
)

var portWriteDwordFn = cpu.PortWriteDword

// Exit terminates the emulator with the supplied code. On hardware without
// the device the write is a no-op and the caller keeps running.
func Exit(code ExitCode) {
	portWriteDwordFn(debugExitPort, uint32(code))
}
