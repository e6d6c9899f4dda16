package gdt

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestSegmentDescriptorEncoding(t *testing.T) {
	specs := []struct {
		base, limit uint32
		flags       segmentFlags
		want        segmentDescriptor
		wantErr     bool
	}{
		// Long-mode ring 0 code: access byte 0x98, L bit set.
		{0, 0, segFlagSystem | segFlagCode | segFlagLong, 0x0020980000000000, false},
		// Ring 0 data: access byte 0x92.
		{0, 0, segFlagSystem | segFlagWrite, 0x0000920000000000, false},
		// Split base and limit fields.
		{0x12345678, 0xabcde, segFlagSystem | segFlagWrite, 0x120a92345678bcde, false},
		// Limit beyond the 20-bit field.
		{0, 0x100000, segFlagSystem | segFlagWrite, 0, true},
	}

	for specIndex, spec := range specs {
		got, err := newSegmentDescriptor(spec.base, spec.limit, spec.flags)
		if spec.wantErr {
			if err != ErrBadDescriptor {
				t.Errorf("[spec %d] expected ErrBadDescriptor; got %v", specIndex, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}
		if got != spec.want {
			t.Errorf("[spec %d] expected descriptor 0x%16x; got 0x%16x", specIndex, uint64(spec.want), uint64(got))
		}
	}
}

func TestTSSDescriptorEncoding(t *testing.T) {
	got, err := newTSSDescriptor(0x12345678, 0x63)
	if err != nil {
		t.Fatalf("newTSSDescriptor returned error: %v", err)
	}

	// Access byte 0x89 (available 64-bit TSS), base and limit split
	// across the legacy fields.
	if want := segmentDescriptor(0x1200893456780063); got != want {
		t.Errorf("expected descriptor 0x%16x; got 0x%16x", uint64(want), uint64(got))
	}
}

func TestTaskStateFields(t *testing.T) {
	var ts taskState

	ts.setIST(DoubleFaultISTIndex, 0x1122334455667788)
	if ts[9] != 0x55667788 || ts[10] != 0x11223344 {
		t.Errorf("expected IST1 words 0x55667788/0x11223344; got 0x%x/0x%x", ts[9], ts[10])
	}

	ts.setIOPermBase(0x68)
	if ts[24] != 0x68<<16 {
		t.Errorf("expected I/O map base word 0x%x; got 0x%x", uint32(0x68)<<16, ts[24])
	}
}

func TestInit(t *testing.T) {
	var (
		loadedGDTR    []byte
		loadedCode    uint16
		loadedData    uint16
		loadedTaskReg uint16
	)

	origLoadGDT, origLoadTaskReg := loadGDTFn, loadTaskRegFn
	loadGDTFn = func(gdtrAddr uintptr, codeSel, dataSel uint16) {
		loadedGDTR = append([]byte(nil), (*(*[10]byte)(unsafe.Pointer(gdtrAddr)))[:]...)
		loadedCode, loadedData = codeSel, dataSel
	}
	loadTaskRegFn = func(sel uint16) { loadedTaskReg = sel }
	defer func() {
		loadGDTFn, loadTaskRegFn = origLoadGDT, origLoadTaskReg
	}()

	if err := Init(); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if loadedCode != SelectorKernelCode || loadedData != SelectorKernelData || loadedTaskReg != SelectorTSS {
		t.Errorf("expected selectors %#x/%#x/%#x; got %#x/%#x/%#x",
			SelectorKernelCode, SelectorKernelData, SelectorTSS,
			loadedCode, loadedData, loadedTaskReg)
	}

	if got, want := binary.LittleEndian.Uint16(loadedGDTR[:2]), uint16(unsafe.Sizeof(gdtTable)-1); got != want {
		t.Errorf("expected GDTR limit %d; got %d", want, got)
	}
	if got, want := binary.LittleEndian.Uint64(loadedGDTR[2:]), uint64(uintptr(unsafe.Pointer(&gdtTable))); got != want {
		t.Errorf("expected GDTR base 0x%x; got 0x%x", want, got)
	}

	// The TSS descriptor must point at the package TSS and the double
	// fault IST slot must hold an aligned top-of-stack inside the
	// dedicated stack area.
	tssBase := uintptr(unsafe.Pointer(&kernelTSS))
	if got := segmentDescriptor(tssBase >> 32); gdtTable[segTSSHigh] != got {
		t.Errorf("expected TSS high descriptor 0x%x; got 0x%x", uint64(got), uint64(gdtTable[segTSSHigh]))
	}

	istTop := uint64(kernelTSS[9]) | uint64(kernelTSS[10])<<32
	stackBase, stackSize := DoubleFaultStackExtent()
	if istTop%16 != 0 {
		t.Errorf("expected 16-byte aligned IST top; got 0x%x", istTop)
	}
	if istTop <= uint64(stackBase) || istTop > uint64(uintptr(stackBase)+stackSize) {
		t.Errorf("expected IST top inside [0x%x, 0x%x]; got 0x%x", uintptr(stackBase), uintptr(stackBase)+stackSize, istTop)
	}
}
