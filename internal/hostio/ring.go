// Package hostio drives host-side completions for the simulated virtio-blk
// device. It routes the reads and writes of virtio.HostFileBackend (a
// block device backed by a host file) through io_uring; each submission
// waits for its own completion before returning, so callers see a
// synchronous call.
package hostio

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"

	"github.com/aurora-os/aurora/internal/logging"
)

// Ring wraps a single io_uring instance used to service block backend
// reads and writes against a backing file descriptor.
type Ring struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

// NewRing creates a ring with the given submission queue depth.
func NewRing(entries uint32) (*Ring, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("hostio: create io_uring: %w", err)
	}
	logging.Default().Debug("hostio ring created", "entries", entries)
	return &Ring{ring: ring}, nil
}

// Close tears down the ring.
func (r *Ring) Close() {
	if r.ring != nil {
		r.ring.QueueExit()
	}
}

// CompletionFunc receives the result of an async read or write.
type CompletionFunc func(res int32, err error)

// SubmitRead queues a pread against fd at offset into buf and blocks until
// the kernel completes it, invoking done with the result.
func (r *Ring) SubmitRead(fd int, buf []byte, offset uint64, done CompletionFunc) error {
	return r.submit(fd, buf, offset, false, done)
}

// SubmitWrite queues a pwrite against fd at offset from buf and blocks
// until the kernel completes it, invoking done with the result.
func (r *Ring) SubmitWrite(fd int, buf []byte, offset uint64, done CompletionFunc) error {
	return r.submit(fd, buf, offset, true, done)
}

func (r *Ring) submit(fd int, buf []byte, offset uint64, write bool, done CompletionFunc) error {
	if len(buf) == 0 {
		done(0, nil)
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("hostio: submission queue full")
	}
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	if write {
		sqe.PrepareWrite(int32(fd), ptr, uint32(len(buf)), offset)
	} else {
		sqe.PrepareRead(int32(fd), ptr, uint32(len(buf)), offset)
	}
	sqe.UserData = 1

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("hostio: submit: %w", err)
	}

	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("hostio: wait cqe: %w", err)
	}
	res := cqe.Res
	r.ring.SeenCQE(cqe)

	if res < 0 {
		done(res, fmt.Errorf("hostio: op failed, res=%d", res))
	} else {
		done(res, nil)
	}
	return nil
}
