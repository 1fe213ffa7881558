package nvme

// Command is the 64-byte NVMe submission queue entry, NVMe spec 4.2. Every
// field is written in wire (little-endian) byte order because the struct is
// placed directly into DMA memory; on little-endian hosts Go's native field
// layout already matches the wire layout, so no byte-swapping is performed;
// the driver assumes a little-endian host.
type Command struct {
	Opcode      uint8
	Flags       uint8
	CommandID   uint16
	NamespaceID uint32
	_           uint64
	MetadataPtr uint64
	PRP1        uint64
	PRP2        uint64
	CDW10       uint32
	CDW11       uint32
	CDW12       uint32
	CDW13       uint32
	CDW14       uint32
	CDW15       uint32
}

// CompletionEntry is the 16-byte NVMe completion queue entry, NVMe spec 4.6.
type CompletionEntry struct {
	CommandSpecific uint32
	_               uint32
	SQHead          uint16
	SQID            uint16
	CommandID       uint16
	Status          uint16
}

// PhaseBit reports the low bit of the status field, the phase tag the
// controller toggles on every pass around the completion queue.
func (e CompletionEntry) PhaseBit() bool { return e.Status&1 == 1 }

// StatusCode returns the 15-bit NVMe status (status code + status code
// type), discarding the phase bit.
func (e CompletionEntry) StatusCode() uint16 { return e.Status >> 1 }

// Admin opcodes used by this driver.
const (
	opDeleteIoSubmissionQueue = 0x00
	opCreateIoSubmissionQueue = 0x01
	opDeleteIoCompletionQueue = 0x04
	opCreateIoCompletionQueue = 0x05
	opIdentify                = 0x06
	opGetFeatures             = 0x0A
	opFormatNvm               = 0x80
)

// NVM I/O opcodes.
const (
	opIoWrite = 0x01
	opIoRead  = 0x02
)

// Identify CNS (Controller or Namespace Structure) selectors.
const (
	cnsNamespace           = 0
	cnsController          = 1
	cnsActiveNamespaceList = 2
)

// Get Features select field values.
const (
	selectCurrent = 0b000
)

// featureNumberOfQueues is the Get Features identifier reporting the number
// of I/O submission/completion queues the controller has allocated.
const featureNumberOfQueues = 0x07

func createIoCompletionQueueCommand(commandID, queueID uint16, dataPointer uintptr, size uint16) Command {
	return Command{
		Opcode:    opCreateIoCompletionQueue,
		CommandID: commandID,
		PRP1:      uint64(dataPointer),
		CDW10:     uint32(size)<<16 | uint32(queueID),
		CDW11:     1, // physically contiguous
	}
}

func createIoSubmissionQueueCommand(commandID, submissionQueueID uint16, dataPointer uintptr, size, completionQueueID uint16) Command {
	return Command{
		Opcode:    opCreateIoSubmissionQueue,
		CommandID: commandID,
		PRP1:      uint64(dataPointer),
		CDW10:     uint32(size)<<16 | uint32(submissionQueueID),
		CDW11:     uint32(completionQueueID)<<16 | 1,
	}
}

func deleteIoSubmissionQueueCommand(commandID, queueID uint16) Command {
	return Command{Opcode: opDeleteIoSubmissionQueue, CommandID: commandID, CDW10: uint32(queueID)}
}

func deleteIoCompletionQueueCommand(commandID, queueID uint16) Command {
	return Command{Opcode: opDeleteIoCompletionQueue, CommandID: commandID, CDW10: uint32(queueID)}
}

func identifyControllerCommand(commandID uint16, dataPointer uintptr) Command {
	return Command{
		Opcode:    opIdentify,
		CommandID: commandID,
		PRP1:      uint64(dataPointer),
		CDW10:     cnsController,
	}
}

func identifyNamespaceCommand(commandID uint16, dataPointer uintptr, namespaceID uint32) Command {
	return Command{
		Opcode:      opIdentify,
		CommandID:   commandID,
		NamespaceID: namespaceID,
		PRP1:        uint64(dataPointer),
		CDW10:       cnsNamespace,
	}
}

func identifyActiveNamespaceListCommand(commandID uint16, dataPointer uintptr, base uint32) Command {
	return Command{
		Opcode:      opIdentify,
		CommandID:   commandID,
		NamespaceID: base,
		PRP1:        uint64(dataPointer),
		CDW10:       cnsActiveNamespaceList,
	}
}

func getFeaturesCommand(commandID uint16, dataPointer uintptr, featureID uint32, sel uint32) Command {
	return Command{
		Opcode:    opGetFeatures,
		CommandID: commandID,
		PRP1:      uint64(dataPointer),
		CDW10:     sel<<11 | featureID,
	}
}

// ioReadCommand and ioWriteCommand take numberOfBlocks as a 1-based count
// (the number of blocks the caller wants transferred) and encode it into
// NLB as 0-based, per the NVMe wire format.
func ioReadCommand(commandID uint16, namespaceID uint32, lba uint64, numberOfBlocks uint16, prp1, prp2 uint64) Command {
	return Command{
		Opcode:      opIoRead,
		CommandID:   commandID,
		NamespaceID: namespaceID,
		PRP1:        prp1,
		PRP2:        prp2,
		CDW10:       uint32(lba),
		CDW11:       uint32(lba >> 32),
		CDW12:       uint32(numberOfBlocks - 1),
	}
}

func ioWriteCommand(commandID uint16, namespaceID uint32, lba uint64, numberOfBlocks uint16, prp1, prp2 uint64) Command {
	return Command{
		Opcode:      opIoWrite,
		CommandID:   commandID,
		NamespaceID: namespaceID,
		PRP1:        prp1,
		PRP2:        prp2,
		CDW10:       uint32(lba),
		CDW11:       uint32(lba >> 32),
		CDW12:       uint32(numberOfBlocks - 1),
	}
}

func formatNvmCommand(commandID uint16, namespaceID uint32) Command {
	return Command{
		Opcode:      opFormatNvm,
		CommandID:   commandID,
		NamespaceID: namespaceID,
		CDW10:       1 << 9,
	}
}

// broadcastNamespaceID addresses every namespace on the controller, used by
// ClearNamespace when the caller does not name a specific namespace.
const broadcastNamespaceID = 0xFFFFFFFF
