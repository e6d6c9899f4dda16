// Package serial drives a 16550-compatible UART. The boot console attaches
// the kfmt output sink to a Uart so kernel output reaches the host through
// the emulator or a physical serial port.
package serial

import (
	"github.com/analogrelay/roxy/kernel"
	"github.com/analogrelay/roxy/kernel/cpu"
)

// COM1 is the conventional base port of the first serial device.
const COM1 = uint16(0x3f8)

// Register offsets from the base port.
const (
	regData       = 0
	regIntEnable  = 1
	regFIFOCtrl   = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5
)

const (
	lineStatusTxEmpty = 1 << 5

	// lineCtrlDLAB exposes the baud divisor through the data registers.
	lineCtrlDLAB = 0x80
	lineCtrl8N1  = 0x03

	// baudDivisor 3 selects 38400 baud from the 115200 base clock.
	baudDivisor = 3
)

var (
	// ErrDeviceNotPresent is returned when the loopback probe fails;
	// nothing that behaves like a 16550 is wired to the port.
	ErrDeviceNotPresent = &kernel.Error{Module: "serial", Message: "no UART present at probed port"}

	// portWriteByteFn and portReadByteFn are used by tests to override
	// port I/O which would fault in user-mode.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Uart is an initialized 16550 device. It implements io.Writer so it can be
// used directly as the kfmt output sink.
type Uart struct {
	base uint16
}

// Init probes and configures the device at the supplied base port: 38400
// baud, 8N1 framing, FIFOs enabled and interrupts masked since the console
// is polled.
func (u *Uart) Init(base uint16) *kernel.Error {
	u.base = base

	portWriteByteFn(base+regIntEnable, 0x00)
	portWriteByteFn(base+regLineCtrl, lineCtrlDLAB)
	portWriteByteFn(base+regData, baudDivisor)
	portWriteByteFn(base+regIntEnable, 0x00)
	portWriteByteFn(base+regLineCtrl, lineCtrl8N1)
	portWriteByteFn(base+regFIFOCtrl, 0xc7)
	portWriteByteFn(base+regModemCtrl, 0x0b)

	// Loopback probe: what goes out must come back.
	portWriteByteFn(base+regModemCtrl, 0x1e)
	portWriteByteFn(base+regData, 0xae)
	if portReadByteFn(base+regData) != 0xae {
		return ErrDeviceNotPresent
	}
	portWriteByteFn(base+regModemCtrl, 0x0f)

	return nil
}

// Write sends p over the wire, expanding bare line feeds to CRLF so output
// renders correctly on serial terminals.
func (u *Uart) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			u.writeByte('\r')
		}
		u.writeByte(b)
	}
	return len(p), nil
}

func (u *Uart) writeByte(b byte) {
	for portReadByteFn(u.base+regLineStatus)&lineStatusTxEmpty == 0 {
	}
	portWriteByteFn(u.base+regData, b)
}
