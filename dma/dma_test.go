package dma

import (
	"errors"
	"fmt"
	"testing"
	"unsafe"
)

type stubAllocator struct {
	mem          []byte
	allocateErr  error
	translateErr error
	deallocated  []uintptr
}

func newStubAllocator(size int) *stubAllocator {
	return &stubAllocator{mem: make([]byte, size)}
}

func (s *stubAllocator) Allocate(layout Layout) (uintptr, error) {
	if s.allocateErr != nil {
		return 0, s.allocateErr
	}
	if layout.Size > len(s.mem) {
		return 0, fmt.Errorf("stubAllocator: out of memory")
	}
	return uintptr(unsafe.Pointer(&s.mem[0])), nil
}

func (s *stubAllocator) Deallocate(virt uintptr) error {
	s.deallocated = append(s.deallocated, virt)
	return nil
}

func (s *stubAllocator) Translate(virt uintptr) (uintptr, error) {
	if s.translateErr != nil {
		return 0, s.translateErr
	}
	return virt, nil
}

func TestAllocateSizesAndAddresses(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[uint32](16, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if buf.Len() != 16 {
		t.Errorf("Len() = %d, want 16", buf.Len())
	}
	if buf.Size() != 64 {
		t.Errorf("Size() = %d, want 64", buf.Size())
	}
	if buf.VirtAddr() == 0 || buf.PhysAddr() == 0 {
		t.Error("VirtAddr/PhysAddr must be non-zero")
	}
}

func TestAllocateWrapsAllocatorFailure(t *testing.T) {
	alloc := newStubAllocator(4096)
	alloc.allocateErr = errors.New("boom")

	_, err := Allocate[byte](16, 4096, alloc)
	var allocErr *AllocateError
	if !errors.As(err, &allocErr) {
		t.Fatalf("got %T, want *AllocateError", err)
	}
}

func TestAllocateWrapsTranslateFailure(t *testing.T) {
	alloc := newStubAllocator(4096)
	alloc.translateErr = errors.New("boom")

	_, err := Allocate[byte](16, 4096, alloc)
	var translateErr *TranslateError
	if !errors.As(err, &translateErr) {
		t.Fatalf("got %T, want *TranslateError", err)
	}
}

func TestBufferSliceAndAtShareBackingMemory(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[uint32](4, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	*buf.At(2) = 0xDEADBEEF
	slice := buf.Slice()
	if slice[2] != 0xDEADBEEF {
		t.Errorf("Slice()[2] = %#x, want 0xDEADBEEF", slice[2])
	}
}

func TestBufferAtPanicsOutOfRange(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[uint32](4, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected At(4) to panic on a 4-element buffer")
		}
	}()
	buf.At(4)
}

func TestBufferBytesReinterpretsRegardlessOfT(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[uint64](2, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf.Bytes()) != 16 {
		t.Errorf("Bytes() length = %d, want 16", len(buf.Bytes()))
	}
}

func TestDeallocateInvokesAllocatorOnce(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[byte](16, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := buf.Deallocate(alloc); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if len(alloc.deallocated) != 1 || alloc.deallocated[0] != buf.VirtAddr() {
		t.Errorf("deallocated = %v, want [%#x]", alloc.deallocated, buf.VirtAddr())
	}
}

func TestZeroCountBufferHasNilSliceAndBytes(t *testing.T) {
	alloc := newStubAllocator(4096)
	buf, err := Allocate[byte](0, 4096, alloc)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if buf.Slice() != nil {
		t.Error("Slice() on a zero-count buffer must be nil")
	}
	if buf.Bytes() != nil {
		t.Error("Bytes() on a zero-count buffer must be nil")
	}
}
