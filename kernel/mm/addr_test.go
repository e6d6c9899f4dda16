package mm

import "testing"

func TestAddrAlignmentChecks(t *testing.T) {
	specs := []struct {
		addr       uintptr
		expAligned bool
	}{
		{0, true},
		{4096, true},
		{1 << 21, true},
		{1, false},
		{4095, false},
		{4097, false},
	}

	for specIndex, spec := range specs {
		if got := PhysAddr(spec.addr).IsPageAligned(); got != spec.expAligned {
			t.Errorf("[spec %d] expected PhysAddr(%x).IsPageAligned() to return %t; got %t", specIndex, spec.addr, spec.expAligned, got)
		}
		if got := VirtAddr(spec.addr).IsPageAligned(); got != spec.expAligned {
			t.Errorf("[spec %d] expected VirtAddr(%x).IsPageAligned() to return %t; got %t", specIndex, spec.addr, spec.expAligned, got)
		}
	}
}

func TestDirectMapped(t *testing.T) {
	specs := []struct {
		phys PhysAddr
		exp  VirtAddr
	}{
		{0, DirectMapBase},
		{0x1000, DirectMapBase + 0x1000},
		{0x9f000, DirectMapBase + 0x9f000},
	}

	for specIndex, spec := range specs {
		got := spec.phys.DirectMapped()
		if got != spec.exp {
			t.Errorf("[spec %d] expected DirectMapped() to return %x; got %x", specIndex, spec.exp, got)
		}
		if !got.IsHigherHalf() {
			t.Errorf("[spec %d] expected direct-mapped address %x to be in the higher half", specIndex, got)
		}
	}
}

func TestPageOffset(t *testing.T) {
	if exp, got := uintptr(0x123), VirtAddr(0xffff800000000123).PageOffset(); got != exp {
		t.Fatalf("expected PageOffset to return %x; got %x", exp, got)
	}
}
