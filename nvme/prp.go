package nvme

import (
	"github.com/blkdrv/nvme/dma"
)

// prpContainer is the result of describing one DMA buffer to the device:
// one physical address (prp1), two addresses (prp1, prp2), or a chained
// list of PRP list pages rooted at prp2.
type prpContainer struct {
	prp1     uint64
	prp2     uint64 // 0 when absent
	listPages []dma.Buffer[uint64]
}

// deallocate releases any owned PRP list pages. prp1/prp2 point into the
// caller's own buffer and are never owned by the container.
func (c prpContainer) deallocate(allocator dma.Allocator) error {
	for _, page := range c.listPages {
		if err := page.Deallocate(allocator); err != nil {
			return &DeallocateError{Cause: err}
		}
	}
	return nil
}

// buildPrp describes a DMA buffer to the device per the Physical Region
// Page rules: a span of one page needs only PRP1; a span of two needs
// PRP1+PRP2; beyond that, one or more chained PRP list pages are built,
// each holding pageSize/8 sixty-four-bit entries with the last entry of
// every non-terminal page pointing at the next page.
func buildPrp[T any](buffer dma.Buffer[T], pageSize int, allocator dma.Allocator) (prpContainer, error) {
	virt := buffer.VirtAddr()
	phys := buffer.PhysAddr()
	size := buffer.Size()

	if virt&0b11 != 0 {
		return prpContainer{}, &VirtualAddressIsNotDwordAlignedError{Address: virt}
	}

	span := ceilDiv(int(virt)%pageSize+size, pageSize)
	if span == 1 {
		return prpContainer{prp1: uint64(phys)}, nil
	}

	if int(virt)%pageSize != 0 {
		return prpContainer{}, &VirtualAddressIsNotPageAlignedError{Address: virt}
	}

	pageOf := func(k int) (uint64, error) {
		v := virt + uintptr(k*pageSize)
		p, err := allocator.Translate(v)
		if err != nil {
			return 0, &TranslateError{Cause: err}
		}
		return uint64(p), nil
	}

	if span == 2 {
		prp2, err := pageOf(1)
		if err != nil {
			return prpContainer{}, err
		}
		return prpContainer{prp1: uint64(phys), prp2: prp2}, nil
	}

	entriesPerPage := pageSize / 8
	neededLists := ceilDiv(span-1, entriesPerPage-1)

	lists := make([]dma.Buffer[uint64], neededLists)
	for i := range lists {
		buf, err := dma.Allocate[uint64](entriesPerPage, pageSize, allocator)
		if err != nil {
			for j := 0; j < i; j++ {
				_ = lists[j].Deallocate(allocator)
			}
			return prpContainer{}, err
		}
		lists[i] = buf
	}

	for i := 0; i < neededLists; i++ {
		for j := 0; j < entriesPerPage-1; j++ {
			k := i*(entriesPerPage-1) + j
			if k >= span-1 {
				break
			}
			addr, err := pageOf(k + 1)
			if err != nil {
				return prpContainer{}, err
			}
			*lists[i].At(j) = addr
		}
		if i < neededLists-1 {
			*lists[i].At(entriesPerPage - 1) = uint64(lists[i+1].PhysAddr())
		}
	}

	return prpContainer{prp1: uint64(phys), prp2: uint64(lists[0].PhysAddr()), listPages: lists}, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
