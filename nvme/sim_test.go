package nvme

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/blkdrv/nvme/dma"
	"github.com/blkdrv/nvme/internal/mmio"
)

// fakeAllocator is a bump allocator over one big identity-mapped Go slice.
// It never reclaims memory; tests allocate a generous backing region.
type fakeAllocator struct {
	mu   sync.Mutex
	mem  []byte
	base uintptr
	next int
}

func newFakeAllocator(size int) *fakeAllocator {
	mem := make([]byte, size)
	return &fakeAllocator{mem: mem, base: uintptr(unsafe.Pointer(&mem[0]))}
}

func (a *fakeAllocator) Allocate(layout dma.Layout) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := alignUp(a.next, layout.Align)
	if start+layout.Size > len(a.mem) {
		return 0, fmt.Errorf("fakeAllocator: out of memory (want %d more bytes)", layout.Size)
	}
	a.next = start + layout.Size
	return a.base + uintptr(start), nil
}

func (a *fakeAllocator) Deallocate(uintptr) error { return nil }

func (a *fakeAllocator) Translate(virt uintptr) (uintptr, error) { return virt, nil }

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// newFakeBuffer is a thin convenience wrapper around dma.Allocate for tests
// that only care about a buffer's address and size, not its contents.
func newFakeBuffer(allocator dma.Allocator, size, pageSize int) (dma.Buffer[byte], error) {
	return dma.Allocate[byte](size, pageSize, allocator)
}

// simQueuePair tracks one submission/completion pair the simulated
// controller is servicing, mirroring the state a real device keeps per
// queue id.
type simQueuePair struct {
	sqPhys   uintptr
	sqLen    int
	cqPhys   uintptr
	cqLen    int
	cqHead   int
	cqPhase  bool
	lastTail int
	haveSQ   bool
}

// simController is a minimal in-process stand-in for an NVMe controller:
// it watches the CC/CSTS registers to satisfy the enable/disable/shutdown
// handshake, and watches submission doorbells to process admin and I/O
// commands against one namespace's in-memory backing store.
type simController struct {
	win   mmio.Window
	dstrd uint32

	mu     sync.Mutex
	queues map[uint16]*simQueuePair

	nsData      []byte
	blockSize   int
	forceStatus uint16 // when non-zero, the next I/O completion reports this status

	stop chan struct{}
	done chan struct{}
}

func newSimController(win mmio.Window, dstrd uint32, blocks, blockSize int) *simController {
	return &simController{
		win:       win,
		dstrd:     dstrd,
		queues:    map[uint16]*simQueuePair{0: {}},
		nsData:    make([]byte, blocks*blockSize),
		blockSize: blockSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *simController) start() { go s.run() }

func (s *simController) close() {
	close(s.stop)
	<-s.done
}

func (s *simController) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.stepRegisters()
		s.stepQueues()

		time.Sleep(time.Microsecond)
	}
}

func (s *simController) stepRegisters() {
	cc, _ := s.win.Get32(regCC)
	csts, _ := s.win.Get32(regCSTS)

	switch {
	case cc&ccEnableBit != 0 && csts&cstsReadyBit == 0:
		s.win.Set32(regCSTS, csts|cstsReadyBit)
	case cc&ccEnableBit == 0 && csts&cstsReadyBit != 0:
		s.win.Set32(regCSTS, csts&^uint32(cstsReadyBit))
	}

	if cc&ccShutdownNormal != 0 && csts&cstsShutdownMask != cstsShutdownDone {
		s.win.Set32(regCSTS, (csts&^uint32(cstsShutdownMask))|cstsShutdownDone)
	}

	asq, _ := s.win.Get64(regASQ)
	acq, _ := s.win.Get64(regACQ)
	aqa, _ := s.win.Get32(regAQA)
	if asq != 0 && acq != 0 && aqa != 0 {
		s.mu.Lock()
		admin := s.queues[0]
		if admin.sqPhys == 0 {
			admin.sqPhys = uintptr(asq)
			admin.sqLen = int(aqa&0xFFFF) + 1
			admin.cqPhys = uintptr(acq)
			admin.cqLen = int(aqa>>16) + 1
			admin.cqPhase = true
			admin.haveSQ = true
		}
		s.mu.Unlock()
	}
}

func (s *simController) stepQueues() {
	s.mu.Lock()
	ids := make([]uint16, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		q := s.queues[id]
		ready := q.haveSQ && q.sqPhys != 0 && q.cqPhys != 0
		s.mu.Unlock()
		if !ready {
			continue
		}

		dboff := submissionDoorbellOffset(id, s.dstrd)
		raw, err := s.win.Get32(dboff)
		if err != nil {
			continue
		}
		tail := int(raw)

		for {
			s.mu.Lock()
			q := s.queues[id]
			if q == nil || q.lastTail == tail {
				s.mu.Unlock()
				break
			}
			idx := q.lastTail
			cmd := *(*Command)(unsafe.Pointer(q.sqPhys + uintptr(idx)*unsafe.Sizeof(Command{})))
			s.mu.Unlock()

			entry := s.execute(id, cmd)

			s.mu.Lock()
			q = s.queues[id]
			if q == nil {
				s.mu.Unlock()
				break
			}
			entry.Status = entry.Status&^1 | boolBit(q.cqPhase)
			*(*CompletionEntry)(unsafe.Pointer(q.cqPhys + uintptr(q.cqHead)*unsafe.Sizeof(CompletionEntry{}))) = entry
			q.cqHead = (q.cqHead + 1) % q.cqLen
			if q.cqHead == 0 {
				q.cqPhase = !q.cqPhase
			}
			q.lastTail = (idx + 1) % q.sqLen
			s.mu.Unlock()
		}
	}
}

func boolBit(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}

func (s *simController) execute(queueID uint16, cmd Command) CompletionEntry {
	entry := CompletionEntry{CommandID: cmd.CommandID, SQID: queueID}

	if queueID == 0 {
		return s.executeAdmin(cmd, entry)
	}
	return s.executeIO(cmd, entry)
}

func (s *simController) executeAdmin(cmd Command, entry CompletionEntry) CompletionEntry {
	switch cmd.Opcode {
	case opIdentify:
		switch cmd.CDW10 {
		case cnsController:
			b := physSlice(uintptr(cmd.PRP1), 4096)
			b[78], b[79] = 1, 0 // CNTLID
			b[80], b[81], b[82], b[83] = 1, 0, 0, 0 // VER
			b[77] = 0                               // MDTS: maximum_transfer_size = MPSMIN * 2^0
			b[111] = 1                              // CNTRLTYPE: I/O controller
			copy(b[4:24], "SIM0000000000000001")
			copy(b[24:64], "simulated nvme controller")
			copy(b[64:72], "1.0")
		case cnsActiveNamespaceList:
			b := physSlice(uintptr(cmd.PRP1), 4096)
			for i := range b {
				b[i] = 0
			}
			b[0], b[1], b[2], b[3] = 1, 0, 0, 0
		case cnsNamespace:
			b := physSlice(uintptr(cmd.PRP1), 4096)
			for i := range b {
				b[i] = 0
			}
			blocks := uint64(len(s.nsData) / s.blockSize)
			for i := 0; i < 8; i++ {
				b[8+i] = byte(blocks >> (8 * i))
			}
			b[26] = 0 // FLBAS selects LBAF0
			lbads := log2(s.blockSize)
			b[128+2] = byte(lbads) // LBAF0 bits 16:23
		}
	case opGetFeatures:
		entry.CommandSpecific = 7 | 7<<16
	case opCreateIoCompletionQueue:
		queueID := uint16(cmd.CDW10 & 0xFFFF)
		size := int(cmd.CDW10>>16) + 1
		s.mu.Lock()
		s.queues[queueID] = &simQueuePair{cqPhys: uintptr(cmd.PRP1), cqLen: size, cqPhase: true}
		s.mu.Unlock()
	case opCreateIoSubmissionQueue:
		queueID := uint16(cmd.CDW10 & 0xFFFF)
		size := int(cmd.CDW10>>16) + 1
		s.mu.Lock()
		q := s.queues[queueID]
		q.sqPhys = uintptr(cmd.PRP1)
		q.sqLen = size
		q.haveSQ = true
		s.mu.Unlock()
	case opDeleteIoSubmissionQueue, opDeleteIoCompletionQueue:
		// leave the map entry until both deletes land; tests only assert
		// observable device-level behavior, not sim bookkeeping.
	case opFormatNvm:
		for i := range s.nsData {
			s.nsData[i] = 0
		}
	}
	return entry
}

func (s *simController) executeIO(cmd Command, entry CompletionEntry) CompletionEntry {
	lba := uint64(cmd.CDW10) | uint64(cmd.CDW11)<<32
	nlb := int(cmd.CDW12) + 1
	length := nlb * s.blockSize
	offset := int(lba) * s.blockSize

	data := physSlice(uintptr(cmd.PRP1), length)

	switch cmd.Opcode {
	case opIoWrite:
		copy(s.nsData[offset:offset+length], data)
	case opIoRead:
		copy(data, s.nsData[offset:offset+length])
	}

	if s.forceStatus != 0 {
		entry.Status = s.forceStatus << 1
		s.forceStatus = 0
	}
	return entry
}

// physSlice reinterprets a "physical" address (identity-mapped to virtual
// in this test harness) as a byte slice.
func physSlice(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
