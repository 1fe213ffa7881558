// Package ring implements the submission/completion queue pair protocol
// shared by the admin queue and every I/O queue pair: a fixed-size array of
// fixed-width entries, a tail the host advances on submit, a head the
// controller advances on completion, and a phase tag the completion queue
// flips every time its head wraps.
package ring

import (
	"context"
	"fmt"
	"runtime"

	"github.com/blkdrv/nvme/dma"
)

// Submission is a ring of command-shaped entries the host writes and the
// controller consumes. It does not touch the doorbell register itself;
// callers write SQyTDBL after Submit returns the new tail.
type Submission[T any] struct {
	entries dma.Buffer[T]
	head    int
	tail    int
	len     int
}

// NewSubmission wraps an already-allocated DMA buffer as a submission ring.
func NewSubmission[T any](entries dma.Buffer[T]) *Submission[T] {
	return &Submission[T]{entries: entries, len: entries.Len()}
}

// IsEmpty reports whether the ring has no outstanding, unprocessed entries
// from the host's point of view (head caught up to tail).
func (s *Submission[T]) IsEmpty() bool { return s.head == s.tail }

// IsFull reports whether submitting one more entry would collide with head.
func (s *Submission[T]) IsFull() bool { return s.head == (s.tail+1)%s.len }

// FullError is returned by SubmitChecked when the ring has no free slots.
type FullError struct{}

func (*FullError) Error() string { return "ring: submission queue full" }

// SubmitChecked writes entry at the current tail and advances it, failing
// if the ring is full.
func (s *Submission[T]) SubmitChecked(entry T) (int, error) {
	if s.IsFull() {
		return 0, &FullError{}
	}
	return s.Submit(entry), nil
}

// Submit writes entry at the current tail, advances the tail, and returns
// the new tail value for the caller to ring the doorbell with. Callers that
// have already checked capacity (or accept overwrite-on-overflow as a
// programming error, never a runtime one) may call this directly.
func (s *Submission[T]) Submit(entry T) int {
	*s.entries.At(s.tail) = entry
	s.tail = (s.tail + 1) % s.len
	return s.tail
}

// Tail returns the ring's current tail index.
func (s *Submission[T]) Tail() int { return s.tail }

// SetHead synchronizes the ring's tracked head with the controller's actual
// consumption position, reported back on every completion entry's sq_head
// field. Without this, IsFull/IsEmpty compare against a head that never
// moves past zero and the ring appears full long before it wraps.
func (s *Submission[T]) SetHead(head int) { s.head = head }

// PhysAddr returns the ring's device-visible base address, for ASQ/SQyBA.
func (s *Submission[T]) PhysAddr() uintptr { return s.entries.PhysAddr() }

// Deallocate releases the ring's backing DMA buffer.
func (s *Submission[T]) Deallocate(allocator dma.Allocator) error {
	return s.entries.Deallocate(allocator)
}

// Completion is a ring of status entries the controller writes and the host
// drains. Each entry's low status bit encodes the current phase; the host
// flips its expected phase every time head wraps to zero.
type Completion[T any] struct {
	entries dma.Buffer[T]
	head    int
	phase   bool
	len     int

	statusBit func(T) bool
}

// NewCompletion wraps an already-allocated DMA buffer as a completion ring.
// statusBit extracts the phase-tag bit (bit 0 of the status field) from an
// entry; it is supplied by the caller because T is opaque to this package.
func NewCompletion[T any](entries dma.Buffer[T], statusBit func(T) bool) *Completion[T] {
	return &Completion[T]{entries: entries, len: entries.Len(), phase: true, statusBit: statusBit}
}

// NotReadyError is returned by Complete when the entry at head has not yet
// been written by the controller (phase bit does not match expectation).
type NotReadyError struct{}

func (*NotReadyError) Error() string { return "ring: completion entry not ready" }

// Complete checks the entry at the current head. If its phase bit matches
// the ring's expected phase, the entry has been produced by the controller:
// the head is advanced (flipping phase on wraparound) and the entry, new
// head, and previous head (the slot just consumed, needed by callers that
// key in-flight state by completion-queue index) are returned.
func (c *Completion[T]) Complete() (head int, entry T, prevHead int, err error) {
	entry = *c.entries.At(c.head)

	if c.statusBit(entry) != c.phase {
		return 0, entry, 0, &NotReadyError{}
	}

	prevHead = c.head
	c.head = (c.head + 1) % c.len
	if c.head == 0 {
		c.phase = !c.phase
	}
	return c.head, entry, prevHead, nil
}

// CompleteSpin busy-waits until an entry is ready, yielding the processor
// between attempts, honoring ctx's deadline/cancellation.
func (c *Completion[T]) CompleteSpin(ctx context.Context) (head int, entry T, prevHead int, err error) {
	for {
		head, entry, prevHead, err = c.Complete()
		if err == nil {
			return head, entry, prevHead, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, entry, 0, fmt.Errorf("ring: complete_spin: %w", ctxErr)
		}
		runtime.Gosched()
	}
}

// CompleteN advances head by commands-1 slots (skipping over entries already
// known-complete from a batched submission) and then spins for the final
// one, mirroring the batched-completion path of a queue pair that submitted
// several commands before polling.
func (c *Completion[T]) CompleteN(ctx context.Context, commands int) (head int, entry T, prevHead int, err error) {
	prevHead = c.head
	c.head += commands - 1
	if c.head >= c.len {
		c.phase = !c.phase
	}
	c.head %= c.len

	head, entry, _, err = c.CompleteSpin(ctx)
	return head, entry, prevHead, err
}

// Head returns the ring's current head index.
func (c *Completion[T]) Head() int { return c.head }

// PhysAddr returns the ring's device-visible base address, for ACQ/CQyBA.
func (c *Completion[T]) PhysAddr() uintptr { return c.entries.PhysAddr() }

// Deallocate releases the ring's backing DMA buffer.
func (c *Completion[T]) Deallocate(allocator dma.Allocator) error {
	return c.entries.Deallocate(allocator)
}
