// Command nvmectl opens an NVMe controller over a PCIe BAR0 mapping,
// prints its identify information and namespace catalog, and optionally
// exercises a read or write against one namespace.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/moby/sys/mountinfo"

	"github.com/blkdrv/nvme/dma/hugetlb"
	"github.com/blkdrv/nvme/nvme"
	"github.com/blkdrv/nvme/pciutil"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	debug := flag.Bool("debug", false, "print debugging messages.")
	pageSize := flag.Int("page-size", 4096, "memory page size to bring the controller up with.")
	dmaRegion := flag.Int("dma-region", 16<<20, "size in bytes of the backing DMA region.")
	namespaceID := flag.Uint("namespace", 1, "namespace ID to read/write against.")
	write := flag.String("write", "", "if set, write this string (padded with zeroes) to the namespace at --lba.")
	read := flag.Bool("read", false, "if set, read one block from the namespace at --lba and print it.")
	lba := flag.Uint64("lba", 0, "logical block address used by --write/--read.")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Printf("usage: %s PCI_ADDRESS\n\noptions:\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}
	pciAddress := flag.Arg(0)

	if err := run(runConfig{
		pciAddress:  pciAddress,
		debug:       *debug,
		pageSize:    *pageSize,
		dmaRegion:   *dmaRegion,
		namespaceID: uint32(*namespaceID),
		write:       *write,
		read:        *read,
		lba:         *lba,
	}); err != nil {
		log.Fatal(err)
	}
}

type runConfig struct {
	pciAddress  string
	debug       bool
	pageSize    int
	dmaRegion   int
	namespaceID uint32
	write       string
	read        bool
	lba         uint64
}

func run(cfg runConfig) error {
	if err := checkNotMounted(cfg.pciAddress); err != nil {
		return err
	}

	handle, err := pciutil.Open(cfg.pciAddress)
	if err != nil {
		return fmt.Errorf("nvmectl: %w", err)
	}
	defer handle.Close()
	fmt.Printf("pci: vendor=%#04x device=%#04x\n", handle.VendorID, handle.DeviceID)

	region, err := hugetlb.New(cfg.dmaRegion)
	if err != nil {
		return fmt.Errorf("nvmectl: %w", err)
	}
	defer region.Close()

	ctx := context.Background()
	dev, err := nvme.Open(ctx, handle.Base, handle.Length, cfg.pageSize, region)
	if err != nil {
		return fmt.Errorf("nvmectl: open controller: %w", err)
	}
	dev.Debug = cfg.debug
	defer func() {
		if err := dev.Shutdown(ctx); err != nil {
			log.Printf("nvmectl: shutdown: %v", err)
		}
	}()

	info := dev.ControllerInfo()
	fmt.Printf("model: %s  serial: %s  firmware: %s\n", info.ModelNumber, info.SerialNumber, info.FirmwareRevision)
	fmt.Printf("max transfer size: %d bytes  max I/O queue pairs: %d\n", info.MaximumTransferSize, info.MaximumNumberOfIoQueuePairs)
	fmt.Printf("namespaces: %v\n", dev.NamespaceIDs())

	if cfg.write == "" && !cfg.read {
		return nil
	}

	qp, err := dev.CreateIoQueuePair(ctx, cfg.namespaceID, 8)
	if err != nil {
		return fmt.Errorf("nvmectl: create I/O queue pair: %w", err)
	}
	defer dev.DeleteIoQueuePair(ctx, qp)

	ns := qp.Namespace()
	buf, err := qp.AllocateBuffer(int(ns.BlockSize))
	if err != nil {
		return fmt.Errorf("nvmectl: allocate buffer: %w", err)
	}
	defer qp.DeallocateBuffer(buf)

	if cfg.write != "" {
		copy(buf.Bytes(), cfg.write)
		if err := qp.Write(ctx, buf, cfg.lba); err != nil {
			return fmt.Errorf("nvmectl: write: %w", err)
		}
		fmt.Printf("wrote %d bytes to LBA %d\n", len(cfg.write), cfg.lba)
	}

	if cfg.read {
		if err := qp.Read(ctx, buf, cfg.lba); err != nil {
			return fmt.Errorf("nvmectl: read: %w", err)
		}
		fmt.Printf("read from LBA %d: %q\n", cfg.lba, buf.Bytes())
	}

	return nil
}

// checkNotMounted refuses to claim a device that is mounted somewhere on
// the host; this is a CLI-level safety net, not a driver invariant.
func checkNotMounted(pciAddress string) error {
	mounts, err := mountinfo.GetMounts(func(i *mountinfo.Info) (skip, stop bool) {
		return false, false
	})
	if err != nil {
		return fmt.Errorf("nvmectl: list mounts: %w", err)
	}
	for _, m := range mounts {
		if m.Source == pciAddress {
			return fmt.Errorf("nvmectl: refusing to open %s: it is mounted at %s", pciAddress, m.Mountpoint)
		}
	}
	return nil
}
