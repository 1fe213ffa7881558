// This repository implements a user-space NVMe block device driver:
// controller lifecycle over PCIe MMIO registers, the admin and I/O queue
// pair protocols, and PRP-based DMA buffer description.
//
// The nvme package is the entry point; dma and dma/hugetlb provide the
// DMA buffer and allocator capability it depends on, and pciutil brings a
// PCIe device's BAR0 under a usable mapping for cmd/nvmectl.
package lib
