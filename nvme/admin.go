package nvme

import (
	"context"
	"log"

	"github.com/blkdrv/nvme/dma"
	"github.com/blkdrv/nvme/internal/ring"
)

// adminQueuePair is the controller's queue-id-0 pair. The device issues
// exactly one admin command at a time and always spin-completes it before
// issuing the next, so there is never more than one outstanding command id.
type adminQueuePair struct {
	sq *ring.Submission[Command]
	cq *ring.Completion[CompletionEntry]

	dstrd uint32

	debug  bool
	logger *log.Logger
}

func newAdminQueuePair(entries int, pageSize int, allocator dma.Allocator, dstrd uint32) (*adminQueuePair, error) {
	sqBuf, err := dma.Allocate[Command](entries, pageSize, allocator)
	if err != nil {
		return nil, err
	}
	cqBuf, err := dma.Allocate[CompletionEntry](entries, pageSize, allocator)
	if err != nil {
		_ = sqBuf.Deallocate(allocator)
		return nil, err
	}

	return &adminQueuePair{
		sq:    ring.NewSubmission(sqBuf),
		cq:    ring.NewCompletion(cqBuf, CompletionEntry.PhaseBit),
		dstrd: dstrd,
	}, nil
}

// submitAndComplete builds a command via build (given the command id it
// must be stamped with, the current SQ tail), posts it, rings the admin
// submission doorbell, spins for the matching completion, rings the admin
// completion doorbell, and fails on a non-zero device status.
func (a *adminQueuePair) submitAndComplete(ctx context.Context, win registerWindow, build func(commandID uint16) Command) (CompletionEntry, error) {
	commandID := uint16(a.sq.Tail())
	cmd := build(commandID)

	newTail := a.sq.Submit(cmd)
	if a.debug {
		a.logf("admin: submit opcode=%#x command_id=%d", cmd.Opcode, commandID)
	}

	if err := win.set32(submissionDoorbellOffset(0, a.dstrd), uint32(newTail)); err != nil {
		return CompletionEntry{}, err
	}

	head, entry, _, err := a.cq.CompleteSpin(ctx)
	if err != nil {
		return CompletionEntry{}, err
	}

	if err := win.set32(completionDoorbellOffset(0, a.dstrd), uint32(head)); err != nil {
		return CompletionEntry{}, err
	}

	if status := entry.StatusCode(); status != 0 {
		return entry, &IoCompletionQueueFailureError{Status: status}
	}

	return entry, nil
}

func (a *adminQueuePair) logf(format string, args ...any) {
	l := a.logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

func (a *adminQueuePair) deallocate(allocator dma.Allocator) error {
	if err := a.sq.Deallocate(allocator); err != nil {
		return err
	}
	return a.cq.Deallocate(allocator)
}
