// Package hugetlb provides a reference dma.Allocator over a single
// pre-reserved backing region (huge-page-backed and locked when the
// platform allows it), using a first-fit free-list
// allocator identical in structure to the one a hugetlbfs-backed allocator
// would use. It exists so the driver and its tests have a concrete
// Allocator to run against; production deployments may swap in any
// implementation that satisfies dma.Allocator.
package hugetlb

import (
	"container/list"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blkdrv/nvme/dma"
)

type block struct {
	addr uintptr
	size int
}

// Region is a fixed-size, physically-backed memory region carved into
// DMA allocations with a first-fit strategy. Region satisfies
// dma.Allocator.
type Region struct {
	mu sync.Mutex

	mem        []byte
	base       uintptr
	freeBlocks *list.List
	used       map[uintptr]*block
}

// New reserves size bytes via an anonymous, locked, huge-page-backed mmap
// when the platform allows it, falling back to a plain anonymous mapping
// otherwise, and initializes the free-list allocator over it. The mapping
// is advised MADV_DONTDUMP, mirroring the guest-memory regions mapped by a
// vhost-user backend.
func New(size int) (*Region, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB|unix.MAP_LOCKED)
	if err != nil {
		mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	if err != nil {
		return nil, fmt.Errorf("hugetlb: mmap %d bytes: %w", size, err)
	}

	_ = unix.Madvise(mem, unix.MADV_DONTDUMP)

	base := uintptr(unsafe.Pointer(&mem[0]))

	r := &Region{
		mem:        mem,
		base:       base,
		freeBlocks: list.New(),
		used:       make(map[uintptr]*block),
	}
	r.freeBlocks.PushFront(&block{addr: base, size: size})

	return r, nil
}

// Close unmaps the backing region. All allocations made from it become
// invalid.
func (r *Region) Close() error {
	return unix.Munmap(r.mem)
}

// Allocate satisfies dma.Allocator.
func (r *Region) Allocate(layout dma.Layout) (uintptr, error) {
	if layout.Size <= 0 {
		return 0, fmt.Errorf("hugetlb: zero-size allocation")
	}
	if layout.Align <= 0 || layout.Align&(layout.Align-1) != 0 {
		return 0, fmt.Errorf("hugetlb: alignment %d is not a power of two", layout.Align)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.alloc(layout.Size, layout.Align)
	if err != nil {
		return 0, err
	}
	r.used[b.addr] = b

	return b.addr, nil
}

// Deallocate satisfies dma.Allocator.
func (r *Region) Deallocate(virt uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.used[virt]
	if !ok {
		return fmt.Errorf("hugetlb: free of unallocated address 0x%x", virt)
	}
	delete(r.used, virt)
	r.free(b)
	return nil
}

// Translate satisfies dma.Allocator. The region is a single identity-mapped
// mmap, so the physical address returned is the virtual address itself;
// real hardware-facing allocators resolve this through an IOMMU or
// /proc/self/pagemap lookup instead.
func (r *Region) Translate(virt uintptr) (uintptr, error) {
	if virt < r.base || virt >= r.base+uintptr(len(r.mem)) {
		return 0, fmt.Errorf("hugetlb: address 0x%x not in region", virt)
	}
	return virt, nil
}

func (r *Region) alloc(size, align int) (*block, error) {
	var e *list.Element
	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		pad := 0
		if rem := int(b.addr) & (align - 1); align > 0 && rem != 0 {
			pad = align - rem
		}
		if b.size >= size+pad {
			break
		}
	}
	if e == nil {
		return nil, fmt.Errorf("hugetlb: out of memory for %d bytes (align %d)", size, align)
	}

	free := e.Value.(*block)
	r.freeBlocks.Remove(e)

	if align > 0 {
		if rem := int(free.addr) & (align - 1); rem != 0 {
			offset := align - rem
			r.freeBlocks.PushBack(&block{addr: free.addr, size: offset})
			free.addr += uintptr(offset)
			free.size -= offset
		}
		if free.size > size {
			r.freeBlocks.PushBack(&block{addr: free.addr + uintptr(size), size: free.size - size})
			free.size = size
		}
	}

	return free, nil
}

func (r *Region) free(used *block) {
	r.freeBlocks.PushBack(used)
	r.defrag()
}

func (r *Region) defrag() {
	for {
		merged := false
		for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
			b := e.Value.(*block)
			for o := r.freeBlocks.Front(); o != nil; o = o.Next() {
				if o == e {
					continue
				}
				ob := o.Value.(*block)
				if b.addr+uintptr(b.size) == ob.addr {
					b.size += ob.size
					r.freeBlocks.Remove(o)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
		if !merged {
			return
		}
	}
}
