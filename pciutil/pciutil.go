// Package pciutil brings up a PCIe NVMe device for use by the nvme
// package: it unbinds the kernel driver, enables bus mastering, masks
// INTx, and mmaps BAR0. None of this is imported by nvme itself, which
// only ever consumes a mapped (base, length) window; it exists so
// cmd/nvmectl has a way to obtain one on Linux.
package pciutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	commandRegisterOffset = 4
	busMasterEnableBit    = 1 << 2
	interruptDisableBit   = 1 << 10

	massStorageNvmeClassID = 0x0108
)

// Handle is a mapped PCIe BAR0 window plus the means to release it.
type Handle struct {
	Base   uintptr
	Length int

	VendorID uint64
	DeviceID uint64

	mem []byte
}

// Close unmaps the BAR0 window.
func (h *Handle) Close() error {
	return unix.Munmap(h.mem)
}

// Open brings up the device at pciAddress (e.g. "0000:01:00.0"): verifies
// its class ID is mass-storage/NVMe, unbinds the kernel driver, sets
// bus-master-enable and INTx-disable in the PCI command register, and
// mmaps resource0 read/write.
func Open(pciAddress string) (*Handle, error) {
	classID, err := readClassID(pciAddress)
	if err != nil {
		return nil, err
	}
	if classID != massStorageNvmeClassID {
		return nil, fmt.Errorf("pciutil: device %s is not a block device (class %#x)", pciAddress, classID)
	}

	vendorID, err := readHexAttr(pciAddress, "vendor")
	if err != nil {
		return nil, err
	}
	deviceID, err := readHexAttr(pciAddress, "device")
	if err != nil {
		return nil, err
	}

	if err := unbindDriver(pciAddress); err != nil {
		return nil, err
	}
	if err := setCommandBits(pciAddress, busMasterEnableBit|interruptDisableBit); err != nil {
		return nil, err
	}

	handle, err := mmapResource0(pciAddress)
	if err != nil {
		return nil, err
	}
	handle.VendorID, handle.DeviceID = vendorID, deviceID
	return handle, nil
}

// readHexAttr reads a sysfs attribute file (vendor, device) holding a
// "0x..."-prefixed hex string.
func readHexAttr(pciAddress, attr string) (uint64, error) {
	b, err := os.ReadFile(sysfsPath(pciAddress, attr))
	if err != nil {
		return 0, fmt.Errorf("pciutil: read %s: %w", attr, err)
	}
	v, err := ParseHex(string(b))
	if err != nil {
		return 0, fmt.Errorf("pciutil: parse %s: %w", attr, err)
	}
	return v, nil
}

func sysfsPath(pciAddress, resource string) string {
	return "/sys/bus/pci/devices/" + pciAddress + "/" + resource
}

func readClassID(pciAddress string) (uint32, error) {
	f, err := os.OpenFile(sysfsPath(pciAddress, "config"), os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("pciutil: open config: %w", err)
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], 8); err != nil {
		return 0, fmt.Errorf("pciutil: read class id: %w", err)
	}
	raw := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return raw >> 16, nil
}

func unbindDriver(pciAddress string) error {
	path := sysfsPath(pciAddress, "driver/unbind")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pciutil: unbind: %w", err)
	}
	defer f.Close()

	_, err = f.WriteString(pciAddress)
	return err
}

func setCommandBits(pciAddress string, bits uint16) error {
	f, err := os.OpenFile(sysfsPath(pciAddress, "config"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("pciutil: open config: %w", err)
	}
	defer f.Close()

	var buf [2]byte
	if _, err := f.ReadAt(buf[:], commandRegisterOffset); err != nil {
		return fmt.Errorf("pciutil: read command register: %w", err)
	}
	value := uint16(buf[0]) | uint16(buf[1])<<8
	value |= bits
	buf[0], buf[1] = byte(value), byte(value>>8)

	if _, err := f.WriteAt(buf[:], commandRegisterOffset); err != nil {
		return fmt.Errorf("pciutil: write command register: %w", err)
	}
	return nil
}

func mmapResource0(pciAddress string) (*Handle, error) {
	path := sysfsPath(pciAddress, "resource0")

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pciutil: open resource0: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pciutil: stat resource0: %w", err)
	}
	length := int(info.Size())
	if length == 0 {
		return nil, fmt.Errorf("pciutil: resource0 at %s has zero length", pciAddress)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pciutil: mmap resource0: %w", err)
	}

	return &Handle{Base: uintptr(unsafe.Pointer(&mem[0])), Length: length, mem: mem}, nil
}

// ParseHex reads a "0x..."-prefixed or bare hex string as reported by
// sysfs vendor/device files.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}
