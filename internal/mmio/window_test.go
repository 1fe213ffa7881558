package mmio

import (
	"testing"
	"unsafe"
)

func newTestWindow(t *testing.T, length int) (Window, []byte) {
	t.Helper()
	mem := make([]byte, length)
	return New(uintptr(unsafe.Pointer(&mem[0])), length), mem
}

func TestSet32Get32RoundTrip(t *testing.T) {
	win, _ := newTestWindow(t, 4096)

	if err := win.Set32(0x14, 0xCAFEBABE); err != nil {
		t.Fatalf("Set32: %v", err)
	}
	v, err := win.Get32(0x14)
	if err != nil {
		t.Fatalf("Get32: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Errorf("Get32 = %#x, want 0xCAFEBABE", v)
	}
}

func TestSet64Get64RoundTrip(t *testing.T) {
	win, _ := newTestWindow(t, 4096)

	if err := win.Set64(0x28, 0x0102030405060708); err != nil {
		t.Fatalf("Set64: %v", err)
	}
	v, err := win.Get64(0x28)
	if err != nil {
		t.Fatalf("Get64: %v", err)
	}
	if v != 0x0102030405060708 {
		t.Errorf("Get64 = %#x, want 0x0102030405060708", v)
	}
}

func TestOutOfBoundsAccessesAreRejected(t *testing.T) {
	win, _ := newTestWindow(t, 16)

	if _, err := win.Get32(16); err == nil {
		t.Error("expected an error reading at the window's exact length")
	}
	if _, err := win.Get64(12); err == nil {
		t.Error("expected an error reading 8 bytes starting 4 bytes from the end")
	}
	if err := win.Set32(-1, 0); err == nil {
		t.Error("expected an error writing at a negative offset")
	}
}

func TestBaseReturnsConstructorValue(t *testing.T) {
	mem := make([]byte, 16)
	base := uintptr(unsafe.Pointer(&mem[0]))
	win := New(base, len(mem))
	if win.Base() != base {
		t.Errorf("Base() = %#x, want %#x", win.Base(), base)
	}
}
