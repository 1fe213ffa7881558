package nvme

import "fmt"

// AllocateError wraps a failure the Allocator reported during a DMA
// allocation request made on the controller's behalf.
type AllocateError struct{ Cause error }

func (e *AllocateError) Error() string { return fmt.Sprintf("nvme: allocate: %v", e.Cause) }
func (e *AllocateError) Unwrap() error { return e.Cause }

// DeallocateError wraps a failure the Allocator reported during release.
type DeallocateError struct{ Cause error }

func (e *DeallocateError) Error() string { return fmt.Sprintf("nvme: deallocate: %v", e.Cause) }
func (e *DeallocateError) Unwrap() error { return e.Cause }

// TranslateError wraps a failure translating a virtual address to physical.
type TranslateError struct{ Cause error }

func (e *TranslateError) Error() string { return fmt.Sprintf("nvme: translate: %v", e.Cause) }
func (e *TranslateError) Unwrap() error { return e.Cause }

// NotABlockDeviceError is returned when a caller-supplied class/PCI
// identity does not describe a mass-storage device.
type NotABlockDeviceError struct{ Address string }

func (e *NotABlockDeviceError) Error() string {
	return fmt.Sprintf("nvme: device at %q is not a block device", e.Address)
}

// MaximumQueueEntriesSupportedInvalidlyZeroError is returned when CAP.MQES
// is zero, i.e. the controller reports a queue capacity below two entries.
type MaximumQueueEntriesSupportedInvalidlyZeroError struct{}

func (*MaximumQueueEntriesSupportedInvalidlyZeroError) Error() string {
	return "nvme: CAP.MQES is invalidly zero"
}

// NvmCommandSetNotSupportedError is returned when CAP.NCSS indicates the
// controller does not implement the NVM command set.
type NvmCommandSetNotSupportedError struct{}

func (*NvmCommandSetNotSupportedError) Error() string {
	return "nvme: controller does not support the NVM command set"
}

// MemoryPageSizeMinimumBiggerThanMaximumError is returned when CAP.MPSMIN
// decodes larger than CAP.MPSMAX.
type MemoryPageSizeMinimumBiggerThanMaximumError struct{ Minimum, Maximum uint64 }

func (e *MemoryPageSizeMinimumBiggerThanMaximumError) Error() string {
	return fmt.Sprintf("nvme: CAP.MPSMIN (%#x) is bigger than CAP.MPSMAX (%#x)", e.Minimum, e.Maximum)
}

// PageSizeLessThanNvmeMinimumError is returned when the caller's requested
// page size is smaller than the NVMe specification's absolute floor.
type PageSizeLessThanNvmeMinimumError struct{ PageSize int }

func (e *PageSizeLessThanNvmeMinimumError) Error() string {
	return fmt.Sprintf("nvme: page size %#x is less than the 4 KiB NVMe minimum", e.PageSize)
}

// PageSizeMoreThanNvmeMaximumError is returned when the caller's requested
// page size exceeds the NVMe specification's absolute ceiling.
type PageSizeMoreThanNvmeMaximumError struct{ PageSize int }

func (e *PageSizeMoreThanNvmeMaximumError) Error() string {
	return fmt.Sprintf("nvme: page size %#x is more than the 256 MiB NVMe maximum", e.PageSize)
}

// PageSizeLessThanControllerMinimumError is returned when the caller's page
// size is below this controller's CAP.MPSMIN.
type PageSizeLessThanControllerMinimumError struct {
	PageSize int
	Minimum  uint64
}

func (e *PageSizeLessThanControllerMinimumError) Error() string {
	return fmt.Sprintf("nvme: page size %#x is less than the controller minimum %#x", e.PageSize, e.Minimum)
}

// PageSizeMoreThanControllerMaximumError is returned when the caller's page
// size is above this controller's CAP.MPSMAX.
type PageSizeMoreThanControllerMaximumError struct {
	PageSize int
	Maximum  uint64
}

func (e *PageSizeMoreThanControllerMaximumError) Error() string {
	return fmt.Sprintf("nvme: page size %#x is more than the controller maximum %#x", e.PageSize, e.Maximum)
}

// PageSizeNotAPowerOfTwoError is returned when the caller's page size isn't
// a power of two.
type PageSizeNotAPowerOfTwoError struct{ PageSize int }

func (e *PageSizeNotAPowerOfTwoError) Error() string {
	return fmt.Sprintf("nvme: page size %#x is not a power of two", e.PageSize)
}

// ControllerTypeInvalidError is returned when Identify Controller's CNTRLTYPE
// field is not 1 (I/O controller).
type ControllerTypeInvalidError struct{ ControllerType uint8 }

func (e *ControllerTypeInvalidError) Error() string {
	return fmt.Sprintf("nvme: controller type %#x is not an I/O controller", e.ControllerType)
}

// MemoryAccessOutOfBoundsError is returned when a register access would
// fall outside the mapped MMIO window.
type MemoryAccessOutOfBoundsError struct{ Cause error }

func (e *MemoryAccessOutOfBoundsError) Error() string {
	return fmt.Sprintf("nvme: memory access out of bounds: %v", e.Cause)
}
func (e *MemoryAccessOutOfBoundsError) Unwrap() error { return e.Cause }

// NamespaceDoesNotExistError is returned when a namespace ID is not present
// in the controller's namespace catalog.
type NamespaceDoesNotExistError struct{ NamespaceID uint32 }

func (e *NamespaceDoesNotExistError) Error() string {
	return fmt.Sprintf("nvme: namespace %d does not exist", e.NamespaceID)
}

// IoQueuePairDoesNotExistError is returned when an I/O queue pair ID is not
// in the device's live set.
type IoQueuePairDoesNotExistError struct{ QueueID uint16 }

func (e *IoQueuePairDoesNotExistError) Error() string {
	return fmt.Sprintf("nvme: I/O queue pair %d does not exist", e.QueueID)
}

// MaximumNumberOfQueuesReachedError is returned when every I/O queue id the
// controller allocated is already live.
type MaximumNumberOfQueuesReachedError struct{}

func (*MaximumNumberOfQueuesReachedError) Error() string {
	return "nvme: maximum number of I/O queue pairs reached"
}

// NumberOfQueueEntriesLessThanTwoError is returned for n_entries < 2.
type NumberOfQueueEntriesLessThanTwoError struct{ Entries uint32 }

func (e *NumberOfQueueEntriesLessThanTwoError) Error() string {
	return fmt.Sprintf("nvme: number of queue entries (%d) must not be less than 2", e.Entries)
}

// NumberOfQueueEntriesMoreThanMaximumError is returned for n_entries greater
// than the controller's maximum queue entries supported.
type NumberOfQueueEntriesMoreThanMaximumError struct{ Entries, Maximum uint32 }

func (e *NumberOfQueueEntriesMoreThanMaximumError) Error() string {
	return fmt.Sprintf("nvme: number of queue entries (%d) exceeds the maximum supported (%d)", e.Entries, e.Maximum)
}

// NumberOfElementsIsZeroError is returned by allocate_buffer for n = 0.
type NumberOfElementsIsZeroError struct{}

func (*NumberOfElementsIsZeroError) Error() string { return "nvme: number of elements is zero" }

// VirtualAddressIsNotDwordAlignedError is returned when a PRP source buffer
// is not 4-byte aligned.
type VirtualAddressIsNotDwordAlignedError struct{ Address uintptr }

func (e *VirtualAddressIsNotDwordAlignedError) Error() string {
	return fmt.Sprintf("nvme: virtual address %#x is not dword aligned", e.Address)
}

// VirtualAddressIsNotPageAlignedError is returned when a multi-page PRP
// source buffer is not page aligned.
type VirtualAddressIsNotPageAlignedError struct{ Address uintptr }

func (e *VirtualAddressIsNotPageAlignedError) Error() string {
	return fmt.Sprintf("nvme: virtual address %#x is not page aligned", e.Address)
}

// BufferLengthBiggerThanMaximumTransferSizeError is returned when an I/O
// buffer exceeds the controller's maximum transfer size.
type BufferLengthBiggerThanMaximumTransferSizeError struct{ BufferLength, MaximumTransferSize int }

func (e *BufferLengthBiggerThanMaximumTransferSizeError) Error() string {
	return fmt.Sprintf("nvme: buffer length %#x is bigger than the maximum transfer size %#x",
		e.BufferLength, e.MaximumTransferSize)
}

// BufferLengthNotAMultipleOfNamespaceBlockSizeError is returned when an I/O
// buffer's length is not evenly divisible by the namespace's block size.
type BufferLengthNotAMultipleOfNamespaceBlockSizeError struct {
	BufferLength int
	BlockSize    uint32
}

func (e *BufferLengthNotAMultipleOfNamespaceBlockSizeError) Error() string {
	return fmt.Sprintf("nvme: buffer length %#x is not a multiple of the namespace block size %#x",
		e.BufferLength, e.BlockSize)
}

// PrpContainerAlreadyExistsError is returned when a command id collides
// with an already-outstanding in-flight PRP container, indicating the SQ
// has wrapped with that completion still unreaped.
type PrpContainerAlreadyExistsError struct{ CommandID uint16 }

func (e *PrpContainerAlreadyExistsError) Error() string {
	return fmt.Sprintf("nvme: PRP container for command id %d already exists", e.CommandID)
}

// IoCompletionQueueFailureError wraps a non-zero NVMe completion status.
type IoCompletionQueueFailureError struct{ Status uint16 }

func (e *IoCompletionQueueFailureError) Error() string {
	return fmt.Sprintf("nvme: I/O completion failed with status code %#x and type %#x",
		e.Status&0xFF, (e.Status>>8)&0x7)
}

// SubmissionQueueFullError is returned by a checked submit when the ring
// has no free slots.
type SubmissionQueueFullError struct{}

func (*SubmissionQueueFullError) Error() string { return "nvme: submission queue is full" }

// CompletionQueueCompletionFailureError is returned when a non-spinning
// completion check finds no entry pending.
type CompletionQueueCompletionFailureError struct{}

func (*CompletionQueueCompletionFailureError) Error() string {
	return "nvme: completion queue has no completion pending"
}
