package serial

import (
	"bytes"
	"testing"
)

// fakeUart models just enough 16550 behavior for the driver: register
// writes are recorded, the transmitter is always ready and data reads
// reflect the last written byte while loopback is enabled.
type fakeUart struct {
	regs     [8]uint8
	loopback uint8
	tx       bytes.Buffer
	broken   bool
}

func (f *fakeUart) install(t *testing.T) {
	t.Helper()

	origWrite, origRead := portWriteByteFn, portReadByteFn
	portWriteByteFn = func(port uint16, val uint8) {
		reg := port - COM1
		f.regs[reg] = val
		if reg == regData {
			if f.regs[regModemCtrl] == 0x1e {
				f.loopback = val
			} else {
				f.tx.WriteByte(val)
			}
		}
	}
	portReadByteFn = func(port uint16) uint8 {
		switch port - COM1 {
		case regLineStatus:
			return lineStatusTxEmpty
		case regData:
			if f.broken {
				return 0xff
			}
			return f.loopback
		}
		return f.regs[port-COM1]
	}

	t.Cleanup(func() {
		portWriteByteFn, portReadByteFn = origWrite, origRead
	})
}

func TestUartInit(t *testing.T) {
	fake := &fakeUart{}
	fake.install(t)

	var u Uart
	if err := u.Init(COM1); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if got := fake.regs[regLineCtrl]; got != lineCtrl8N1 {
		t.Errorf("expected 8N1 line control; got %#x", got)
	}
	if got := fake.regs[regFIFOCtrl]; got != 0xc7 {
		t.Errorf("expected FIFO control 0xc7; got %#x", got)
	}
	if got := fake.regs[regModemCtrl]; got != 0x0f {
		t.Errorf("expected loopback disabled after probe; got %#x", got)
	}
}

func TestUartInitProbeFailure(t *testing.T) {
	fake := &fakeUart{broken: true}
	fake.install(t)

	var u Uart
	if err := u.Init(COM1); err != ErrDeviceNotPresent {
		t.Errorf("expected ErrDeviceNotPresent; got %v", err)
	}
}

func TestUartWrite(t *testing.T) {
	fake := &fakeUart{}
	fake.install(t)

	var u Uart
	if err := u.Init(COM1); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	fake.tx.Reset()

	n, err := u.Write([]byte("frame 9f000\nok\n"))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if n != 15 {
		t.Errorf("expected Write to report 15 bytes; got %d", n)
	}

	if got, want := fake.tx.String(), "frame 9f000\r\nok\r\n"; got != want {
		t.Errorf("expected wire bytes %q; got %q", want, got)
	}
}
