package nvme

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/blkdrv/nvme/dma"
	"github.com/blkdrv/nvme/internal/ring"
)

// IoQueuePair is a queue-id q>0 submission/completion pair bound to one
// namespace. Reads and writes are synchronous from the caller's point of
// view; SubmitRead/SubmitWrite/CompleteIO let a caller pipeline several
// commands before draining, provided the SQ does not wrap while any of
// them is still outstanding.
type IoQueuePair struct {
	id uint16

	sq *ring.Submission[Command]
	cq *ring.Completion[CompletionEntry]

	win   registerWindow
	dstrd uint32

	pageSize            int
	maximumTransferSize int

	namespace Namespace
	allocator dma.Allocator

	mu       sync.Mutex
	inFlight map[uint16]prpContainer

	debug  bool
	logger *log.Logger
}

func newIoQueuePair(id uint16, sqBuf dma.Buffer[Command], cqBuf dma.Buffer[CompletionEntry], win registerWindow,
	dstrd uint32, pageSize, maximumTransferSize int, namespace Namespace, allocator dma.Allocator) *IoQueuePair {
	return &IoQueuePair{
		id:                  id,
		sq:                  ring.NewSubmission(sqBuf),
		cq:                  ring.NewCompletion(cqBuf, CompletionEntry.PhaseBit),
		win:                 win,
		dstrd:               dstrd,
		pageSize:            pageSize,
		maximumTransferSize: maximumTransferSize,
		namespace:           namespace,
		allocator:           allocator,
		inFlight:            make(map[uint16]prpContainer),
	}
}

// ID returns the queue-pair's NVMe queue identifier.
func (q *IoQueuePair) ID() uint16 { return q.id }

// Namespace returns the namespace this queue pair is bound to.
func (q *IoQueuePair) Namespace() Namespace { return q.namespace }

// AllocateBuffer rounds n up to a whole number of namespace blocks and
// allocates a page-aligned DMA buffer of bytes.
func (q *IoQueuePair) AllocateBuffer(n int) (dma.Buffer[byte], error) {
	if n == 0 {
		return dma.Buffer[byte]{}, &NumberOfElementsIsZeroError{}
	}
	blockSize := int(q.namespace.BlockSize)
	rounded := ceilDiv(n, blockSize) * blockSize
	buf, err := dma.Allocate[byte](rounded, q.pageSize, q.allocator)
	if err != nil {
		return dma.Buffer[byte]{}, err
	}
	return buf, nil
}

// DeallocateBuffer releases a buffer obtained from AllocateBuffer.
func (q *IoQueuePair) DeallocateBuffer(buf dma.Buffer[byte]) error {
	return buf.Deallocate(q.allocator)
}

func (q *IoQueuePair) validateTransfer(buf dma.Buffer[byte]) error {
	size := buf.Size()
	if size > q.maximumTransferSize {
		return &BufferLengthBiggerThanMaximumTransferSizeError{BufferLength: size, MaximumTransferSize: q.maximumTransferSize}
	}
	if uint32(size)%q.namespace.BlockSize != 0 {
		return &BufferLengthNotAMultipleOfNamespaceBlockSizeError{BufferLength: size, BlockSize: q.namespace.BlockSize}
	}
	return nil
}

// Write posts a write of buf to lba and waits for its completion.
func (q *IoQueuePair) Write(ctx context.Context, buf dma.Buffer[byte], lba uint64) error {
	if err := q.submit(buf, lba, ioWriteCommand); err != nil {
		return err
	}
	return q.drain(ctx)
}

// Read posts a read of buf from lba and waits for its completion.
func (q *IoQueuePair) Read(ctx context.Context, buf dma.Buffer[byte], lba uint64) error {
	if err := q.submit(buf, lba, ioReadCommand); err != nil {
		return err
	}
	return q.drain(ctx)
}

type ioEncoder func(commandID uint16, namespaceID uint32, lba uint64, numberOfBlocks uint16, prp1, prp2 uint64) Command

// SubmitWrite posts a write without waiting for its completion; pair with
// CompleteIO or QuickPoll.
func (q *IoQueuePair) SubmitWrite(buf dma.Buffer[byte], lba uint64) error {
	return q.submit(buf, lba, ioWriteCommand)
}

// SubmitRead posts a read without waiting for its completion; pair with
// CompleteIO or QuickPoll.
func (q *IoQueuePair) SubmitRead(buf dma.Buffer[byte], lba uint64) error {
	return q.submit(buf, lba, ioReadCommand)
}

func (q *IoQueuePair) submit(buf dma.Buffer[byte], lba uint64, encode ioEncoder) error {
	if err := q.validateTransfer(buf); err != nil {
		return err
	}

	container, err := buildPrp(buf, q.pageSize, q.allocator)
	if err != nil {
		return err
	}

	blocks := uint16(buf.Size() / int(q.namespace.BlockSize))

	q.mu.Lock()
	commandID := uint16(q.sq.Tail())
	if _, exists := q.inFlight[commandID]; exists {
		q.mu.Unlock()
		_ = container.deallocate(q.allocator)
		return &PrpContainerAlreadyExistsError{CommandID: commandID}
	}
	cmd := encode(commandID, q.namespace.ID, lba, blocks, container.prp1, container.prp2)
	newTail := q.sq.Submit(cmd)
	q.inFlight[commandID] = container
	q.mu.Unlock()

	if q.debug {
		q.logf("io[%d]: submit command_id=%d lba=%d blocks=%d", q.id, commandID, lba, blocks)
	}

	return q.win.set32(submissionDoorbellOffset(q.id, q.dstrd), uint32(newTail))
}

// drain blocks, retrying the non-spinning completion check, until a
// completion is reaped or ctx is done.
func (q *IoQueuePair) drain(ctx context.Context) error {
	var notPending *CompletionQueueCompletionFailureError
	for {
		err := q.CompleteIO()
		if err == nil {
			return nil
		}
		if !errors.As(err, &notPending) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// CompleteIO performs a single, non-blocking completion check: if an entry
// is pending, its completion-queue doorbell is rung, the submission
// queue's head is synchronized from the entry's sq_head, the matching
// in-flight PRP container is released, and a non-zero device status is
// surfaced as an error. If no entry is pending, it returns
// CompletionQueueCompletionFailureError without side effects.
func (q *IoQueuePair) CompleteIO() error {
	head, entry, _, err := q.cq.Complete()
	if err != nil {
		return &CompletionQueueCompletionFailureError{}
	}
	return q.reap(head, entry)
}

// QuickPoll is an alias for CompleteIO exposed for callers that want to
// poll a queue pair without committing to Read/Write's blocking wait.
func (q *IoQueuePair) QuickPoll() error {
	return q.CompleteIO()
}

func (q *IoQueuePair) reap(head int, entry CompletionEntry) error {
	if err := q.win.set32(completionDoorbellOffset(q.id, q.dstrd), uint32(head)); err != nil {
		return err
	}

	q.mu.Lock()
	q.sq.SetHead(int(entry.SQHead))
	container, ok := q.inFlight[entry.CommandID]
	if ok {
		delete(q.inFlight, entry.CommandID)
	}
	q.mu.Unlock()

	if ok {
		if err := container.deallocate(q.allocator); err != nil {
			return err
		}
	}

	if status := entry.StatusCode(); status != 0 {
		return &IoCompletionQueueFailureError{Status: status}
	}
	return nil
}

func (q *IoQueuePair) logf(format string, args ...any) {
	l := q.logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func (q *IoQueuePair) deallocate(allocator dma.Allocator) error {
	if err := q.sq.Deallocate(allocator); err != nil {
		return err
	}
	return q.cq.Deallocate(allocator)
}
