// Package nvme implements a user-space NVMe controller driver: bringing a
// controller from reset to operational state through its MMIO registers,
// running the admin queue to identify the controller and its namespaces,
// and creating I/O queue pairs to read and write blocks. PCIe enumeration,
// BAR mapping, and memory allocation are supplied by the caller; see
// pciutil and dma/hugetlb for reference collaborators.
package nvme

import (
	"context"
	"log"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/blkdrv/nvme/dma"
	"github.com/blkdrv/nvme/internal/mmio"
)

const (
	nvmeMinimumPageSize = 1 << 12
	nvmeMaximumPageSize = 1 << 28
)

// Namespace is a logically contiguous array of fixed-size blocks presented
// by the controller. BlockSize is 0 when the active LBA format reports an
// LBA data size outside the supported [9, 32) exponent range, marking the
// namespace unusable for I/O.
type Namespace struct {
	ID        uint32
	Blocks    uint64
	BlockSize uint32
}

// ControllerInformation is derived once during Open and never changes
// afterward.
type ControllerInformation struct {
	PciVendorID             uint16
	PciSubsystemVendorID    uint16
	SerialNumber            string
	ModelNumber             string
	FirmwareRevision        string
	MinimumMemoryPageSize   int
	MaximumMemoryPageSize   int
	MemoryPageSize          int
	MaximumNumberOfIoQueuePairs int
	AllocatedIoSubmissionQueues int
	AllocatedIoCompletionQueues int
	MaximumQueueEntriesSupported int
	MaximumTransferSize     int
	ControllerID            uint16
	Version                 uint32

	// DefaultTimeout is CAP.TO * 500ms, used as the default deadline for
	// Open's internal polling loops when the caller's context carries no
	// deadline of its own.
	DefaultTimeout time.Duration
}

// Device owns the MMIO window, the admin queue pair, the derived
// controller information, the namespace catalog, and the set of live I/O
// queue pair ids. All mutation of these goes through a Device method; the
// catalog and live-id set are not safe for concurrent use from multiple
// goroutines (serialize queue pair creation/deletion on the device, as
// the hardware serializes admin commands).
type Device struct {
	allocator dma.Allocator
	win       registerWindow
	length    int
	dstrd     uint32

	admin *adminQueuePair

	information ControllerInformation
	namespaces  map[uint32]Namespace
	liveQueues  map[uint16]bool

	scratch dma.Buffer[byte]

	Debug  bool
	Logger *log.Logger
}

// Open brings a controller at the given MMIO window to the operational
// state, identifies it and its namespaces, and returns a ready Device.
// pageSize must be a power of two within both the NVMe specification's
// absolute bounds and this controller's CAP.MPSMIN/MPSMAX.
func Open(ctx context.Context, base uintptr, length int, pageSize int, allocator dma.Allocator) (*Device, error) {
	d := &Device{
		allocator:  allocator,
		win:        registerWindow{win: mmio.New(base, length)},
		length:     length,
		namespaces: make(map[uint32]Namespace),
		liveQueues: make(map[uint16]bool),
	}

	capRaw, err := d.win.get64(regCAP)
	if err != nil {
		return nil, err
	}
	cap := decodeCapabilities(capRaw)
	d.dstrd = cap.DSTRD

	mqes := cap.MQES + 1
	if mqes < 2 {
		return nil, &MaximumQueueEntriesSupportedInvalidlyZeroError{}
	}
	if !cap.NCSS {
		return nil, &NvmCommandSetNotSupportedError{}
	}
	minPS, maxPS := cap.minPageSize(), cap.maxPageSize()
	if cap.MPSMIN > cap.MPSMAX {
		return nil, &MemoryPageSizeMinimumBiggerThanMaximumError{Minimum: uint64(minPS), Maximum: uint64(maxPS)}
	}
	if err := validatePageSize(pageSize, minPS, maxPS); err != nil {
		return nil, err
	}

	defaultTimeout := time.Duration(cap.Timeout) * 500 * time.Millisecond
	ctx = withDefaultDeadline(ctx, defaultTimeout)

	if err := d.disableController(ctx); err != nil {
		return nil, err
	}

	admin, err := newAdminQueuePair(int(mqes), pageSize, allocator, d.dstrd)
	if err != nil {
		return nil, err
	}
	admin.debug, admin.logger = d.Debug, d.Logger
	d.admin = admin

	if err := d.win.set64(regASQ, uint64(admin.sq.PhysAddr())); err != nil {
		return nil, err
	}
	if err := d.win.set64(regACQ, uint64(admin.cq.PhysAddr())); err != nil {
		return nil, err
	}
	if err := d.win.set32(regAQA, aqaValue(int(mqes), int(mqes))); err != nil {
		return nil, err
	}

	mpsExponent := uint32(log2(pageSize)) - 12
	if err := d.win.set32(regCC, ccFields(mpsExponent, 6, 4)); err != nil {
		return nil, err
	}

	if err := d.enableController(ctx); err != nil {
		return nil, err
	}

	scratch, err := dma.Allocate[byte](pageSize, pageSize, allocator)
	if err != nil {
		return nil, err
	}
	d.scratch = scratch

	if err := d.identifyController(ctx, cap, pageSize); err != nil {
		return nil, err
	}
	if err := d.getNumberOfQueues(ctx); err != nil {
		return nil, err
	}
	if err := d.identifyNamespaces(ctx); err != nil {
		return nil, err
	}

	return d, nil
}

func validatePageSize(pageSize, minPS, maxPS int) error {
	if pageSize < nvmeMinimumPageSize {
		return &PageSizeLessThanNvmeMinimumError{PageSize: pageSize}
	}
	if pageSize > nvmeMaximumPageSize {
		return &PageSizeMoreThanNvmeMaximumError{PageSize: pageSize}
	}
	if pageSize < minPS {
		return &PageSizeLessThanControllerMinimumError{PageSize: pageSize, Minimum: uint64(minPS)}
	}
	if pageSize > maxPS {
		return &PageSizeMoreThanControllerMaximumError{PageSize: pageSize, Maximum: uint64(maxPS)}
	}
	if pageSize&(pageSize-1) != 0 {
		return &PageSizeNotAPowerOfTwoError{PageSize: pageSize}
	}
	return nil
}

func log2(n int) int {
	bits := 0
	for n > 1 {
		n >>= 1
		bits++
	}
	return bits
}

// withDefaultDeadline applies the controller's CAP.TO-derived timeout to
// ctx when the caller has not already set a deadline of their own.
func withDefaultDeadline(ctx context.Context, d time.Duration) context.Context {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d > 0 {
		ctx, _ = context.WithTimeout(ctx, d)
	}
	return ctx
}

func (d *Device) disableController(ctx context.Context) error {
	cc, err := d.win.get32(regCC)
	if err != nil {
		return err
	}
	if err := d.win.set32(regCC, cc&^ccEnableBit); err != nil {
		return err
	}
	return d.pollCSTS(ctx, func(csts uint32) bool { return csts&cstsReadyBit == 0 })
}

func (d *Device) enableController(ctx context.Context) error {
	return d.pollCSTS(ctx, func(csts uint32) bool { return csts&cstsReadyBit != 0 })
}

func (d *Device) pollCSTS(ctx context.Context, done func(uint32) bool) error {
	for {
		csts, err := d.win.get32(regCSTS)
		if err != nil {
			return err
		}
		if done(csts) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

func (d *Device) identifyController(ctx context.Context, cap capabilities, pageSize int) error {
	_, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return identifyControllerCommand(id, d.scratch.PhysAddr())
	})
	if err != nil {
		return err
	}

	b := d.scratch.Bytes()
	info := ControllerInformation{
		PciVendorID:           uint16(b[0]) | uint16(b[1])<<8,
		PciSubsystemVendorID:  uint16(b[2]) | uint16(b[3])<<8,
		SerialNumber:          trimCString(b[4:24]),
		ModelNumber:           trimCString(b[24:64]),
		FirmwareRevision:      trimCString(b[64:72]),
		MinimumMemoryPageSize: cap.minPageSize(),
		MaximumMemoryPageSize: cap.maxPageSize(),
		MemoryPageSize:        pageSize,
		MaximumQueueEntriesSupported: int(cap.MQES) + 1,
		ControllerID:          uint16(b[78]) | uint16(b[79])<<8,
		Version:               uint32(b[80]) | uint32(b[81])<<8 | uint32(b[82])<<16 | uint32(b[83])<<24,
		DefaultTimeout:        time.Duration(cap.Timeout) * 500 * time.Millisecond,
	}

	controllerType := b[111]
	if controllerType != 1 {
		return &ControllerTypeInvalidError{ControllerType: controllerType}
	}

	mdts := b[77]
	info.MaximumTransferSize = cap.minPageSize() * (1 << mdts)

	d.information = info
	return nil
}

func (d *Device) getNumberOfQueues(ctx context.Context) error {
	entry, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return getFeaturesCommand(id, d.scratch.PhysAddr(), featureNumberOfQueues, selectCurrent)
	})
	if err != nil {
		return err
	}

	nsqa := int(entry.CommandSpecific & 0xFFFF)
	ncqa := int(entry.CommandSpecific >> 16)

	d.information.AllocatedIoSubmissionQueues = nsqa
	d.information.AllocatedIoCompletionQueues = ncqa
	d.information.MaximumNumberOfIoQueuePairs = min(nsqa, ncqa)
	return nil
}

func (d *Device) identifyNamespaces(ctx context.Context) error {
	_, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return identifyActiveNamespaceListCommand(id, d.scratch.PhysAddr(), 0)
	})
	if err != nil {
		return err
	}

	ids := make([]uint32, 0)
	words := bytesAsUint32(d.scratch.Bytes())
	for _, id := range words {
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		if _, err := d.admin.submitAndComplete(ctx, d.win, func(cid uint16) Command {
			return identifyNamespaceCommand(cid, d.scratch.PhysAddr(), id)
		}); err != nil {
			return err
		}

		b := d.scratch.Bytes()
		namespaceCapacity := bytesAsUint64(b[8:16])
		formattedLbaSize := b[26]
		lbaFormats := bytesAsUint32(b[128 : 128+64*4])

		flbaIndex := int(formattedLbaSize & 0xF)
		lbads := (lbaFormats[flbaIndex] >> 16) & 0xFF

		var blockSize uint32
		if lbads >= 9 && lbads < 32 {
			blockSize = 1 << lbads
		}

		d.namespaces[id] = Namespace{ID: id, Blocks: namespaceCapacity, BlockSize: blockSize}
	}

	return nil
}

func trimCString(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func bytesAsUint32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
	}
	return out
}

func bytesAsUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// ControllerInfo returns the derived, immutable controller information.
func (d *Device) ControllerInfo() ControllerInformation { return d.information }

// NamespaceIDs returns the catalog's namespace IDs in ascending order.
func (d *Device) NamespaceIDs() []uint32 {
	ids := make([]uint32, 0, len(d.namespaces))
	for id := range d.namespaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NamespaceByID looks up a namespace in the catalog.
func (d *Device) NamespaceByID(id uint32) (Namespace, error) {
	ns, ok := d.namespaces[id]
	if !ok {
		return Namespace{}, &NamespaceDoesNotExistError{NamespaceID: id}
	}
	return ns, nil
}

// CreateIoQueuePair allocates and binds a new I/O queue pair at the
// lowest free queue id, issuing Create I/O CQ then Create I/O SQ.
func (d *Device) CreateIoQueuePair(ctx context.Context, namespaceID uint32, entries int) (*IoQueuePair, error) {
	if entries < 2 {
		return nil, &NumberOfQueueEntriesLessThanTwoError{Entries: uint32(entries)}
	}
	if entries > d.information.MaximumQueueEntriesSupported {
		return nil, &NumberOfQueueEntriesMoreThanMaximumError{
			Entries: uint32(entries), Maximum: uint32(d.information.MaximumQueueEntriesSupported),
		}
	}
	namespace, err := d.NamespaceByID(namespaceID)
	if err != nil {
		return nil, err
	}

	queueID := uint16(0)
	found := false
	for q := 1; q <= d.information.MaximumNumberOfIoQueuePairs; q++ {
		if !d.liveQueues[uint16(q)] {
			queueID = uint16(q)
			found = true
			break
		}
	}
	if !found {
		return nil, &MaximumNumberOfQueuesReachedError{}
	}

	if d.Debug {
		d.logf("creating I/O queue pair %d", queueID)
	}

	cqBuf, err := dma.Allocate[CompletionEntry](entries, d.information.MemoryPageSize, d.allocator)
	if err != nil {
		return nil, err
	}
	if _, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return createIoCompletionQueueCommand(id, queueID, cqBuf.PhysAddr(), uint16(entries-1))
	}); err != nil {
		_ = cqBuf.Deallocate(d.allocator)
		return nil, err
	}

	sqBuf, err := dma.Allocate[Command](entries, d.information.MemoryPageSize, d.allocator)
	if err != nil {
		_ = cqBuf.Deallocate(d.allocator)
		return nil, err
	}
	if _, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return createIoSubmissionQueueCommand(id, queueID, sqBuf.PhysAddr(), uint16(entries-1), queueID)
	}); err != nil {
		_ = cqBuf.Deallocate(d.allocator)
		_ = sqBuf.Deallocate(d.allocator)
		return nil, err
	}

	qp := newIoQueuePair(queueID, sqBuf, cqBuf, d.win, d.dstrd, d.information.MemoryPageSize,
		d.information.MaximumTransferSize, namespace, d.allocator)
	qp.debug, qp.logger = d.Debug, d.Logger

	d.liveQueues[queueID] = true
	return qp, nil
}

// DeleteIoQueuePair issues Delete SQ then Delete CQ and releases the
// queue pair's rings and any PRP containers still in flight.
func (d *Device) DeleteIoQueuePair(ctx context.Context, qp *IoQueuePair) error {
	if !d.liveQueues[qp.id] {
		return &IoQueuePairDoesNotExistError{QueueID: qp.id}
	}
	delete(d.liveQueues, qp.id)

	if d.Debug {
		d.logf("deleting I/O queue pair %d", qp.id)
	}

	if _, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return deleteIoSubmissionQueueCommand(id, qp.id)
	}); err != nil {
		return err
	}
	if _, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return deleteIoCompletionQueueCommand(id, qp.id)
	}); err != nil {
		return err
	}

	for _, container := range qp.inFlight {
		_ = container.deallocate(d.allocator)
	}
	return qp.deallocate(d.allocator)
}

// ClearNamespace issues Format NVM against namespaceID, or the broadcast
// namespace id when namespaceID is 0.
func (d *Device) ClearNamespace(ctx context.Context, namespaceID uint32) error {
	target := namespaceID
	if target == 0 {
		target = broadcastNamespaceID
	} else if _, err := d.NamespaceByID(target); err != nil {
		return err
	}

	_, err := d.admin.submitAndComplete(ctx, d.win, func(id uint16) Command {
		return formatNvmCommand(id, target)
	})
	return err
}

// Shutdown requests a normal controller shutdown (CC.SHN=01b), waits for
// CSTS.SHST to report shutdown complete, and releases the admin queues
// and scratch buffer. The caller must have already deleted every I/O
// queue pair.
func (d *Device) Shutdown(ctx context.Context) error {
	cc, err := d.win.get32(regCC)
	if err != nil {
		return err
	}
	if err := d.win.set32(regCC, cc|ccShutdownNormal); err != nil {
		return err
	}

	if err := d.pollCSTS(ctx, func(csts uint32) bool {
		return csts&cstsShutdownMask == cstsShutdownDone
	}); err != nil {
		return err
	}

	if err := d.admin.deallocate(d.allocator); err != nil {
		return err
	}
	return d.scratch.Deallocate(d.allocator)
}

func (d *Device) logf(format string, args ...any) {
	l := d.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}
