package nvme

import (
	"github.com/blkdrv/nvme/internal/mmio"
)

// MMIO byte offsets of the controller registers this driver touches
// (NVMe Base Specification, Controller Registers).
const (
	regCAP  = 0x00
	regVS   = 0x08
	regCC   = 0x14
	regCSTS = 0x1C
	regAQA  = 0x24
	regASQ  = 0x28
	regACQ  = 0x30

	doorbellBase = 0x1000
)

// capabilities decodes the 64-bit CAP register.
type capabilities struct {
	MQES    uint32 // Maximum Queue Entries Supported, 0-based
	DSTRD   uint32 // Doorbell Stride
	NCSS    bool   // NVM Command Set Supported
	MPSMIN  uint32 // Memory Page Size Minimum (exponent)
	MPSMAX  uint32 // Memory Page Size Maximum (exponent)
	Timeout uint32 // CAP.TO, units of 500ms
}

func decodeCapabilities(raw uint64) capabilities {
	return capabilities{
		MQES:    uint32(raw & 0xFFFF),
		DSTRD:   uint32((raw >> 32) & 0xF),
		NCSS:    (raw>>37)&1 == 1,
		MPSMIN:  uint32((raw >> 48) & 0xF),
		MPSMAX:  uint32((raw >> 52) & 0xF),
		Timeout: uint32((raw >> 24) & 0xFF),
	}
}

// minPageSize and maxPageSize return the page size in bytes a CAP.MPSMIN /
// CAP.MPSMAX exponent encodes: page_size = 1 << (n+12).
func (c capabilities) minPageSize() int { return 1 << (c.MPSMIN + 12) }
func (c capabilities) maxPageSize() int { return 1 << (c.MPSMAX + 12) }

// ccFields builds the CC register value written during initialization.
// SHN is always left at 0 (no shutdown requested); AMS is round-robin (0).
func ccFields(mpsExponent uint32, iosqes, iocqes uint32) uint32 {
	const en = 1
	var v uint32
	v |= en
	v |= mpsExponent << 7
	v |= iosqes << 16
	v |= iocqes << 20
	return v
}

const (
	ccEnableBit = 1 << 0
	cstsReadyBit = 1 << 0

	ccShutdownNormal = 0b01 << 14
	cstsShutdownMask = 0b11 << 2
	cstsShutdownDone = 0b10 << 2
)

func aqaValue(submissionSize, completionSize int) uint32 {
	return uint32(submissionSize-1) | uint32(completionSize-1)<<16
}

// registerWindow bundles the mapped MMIO window with helpers that turn a
// plain mmio.OutOfBoundsError into the driver's own taxonomy.
type registerWindow struct {
	win mmio.Window
}

func (r registerWindow) get32(offset int) (uint32, error) {
	v, err := r.win.Get32(offset)
	if err != nil {
		return 0, &MemoryAccessOutOfBoundsError{Cause: err}
	}
	return v, nil
}

func (r registerWindow) set32(offset int, v uint32) error {
	if err := r.win.Set32(offset, v); err != nil {
		return &MemoryAccessOutOfBoundsError{Cause: err}
	}
	return nil
}

func (r registerWindow) get64(offset int) (uint64, error) {
	v, err := r.win.Get64(offset)
	if err != nil {
		return 0, &MemoryAccessOutOfBoundsError{Cause: err}
	}
	return v, nil
}

func (r registerWindow) set64(offset int, v uint64) error {
	if err := r.win.Set64(offset, v); err != nil {
		return &MemoryAccessOutOfBoundsError{Cause: err}
	}
	return nil
}
