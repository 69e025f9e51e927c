// Package futex implements Aurora's futex wait/wake primitive: tasks
// block on a (page table root, user address) key and are woken either by
// an explicit notify or by a timeout.
//
// Begin/Wake only perform scheduler bookkeeping; they do not block the
// calling goroutine. Aurora has a single simulated hart processing one
// trap at a time, so "a task is waiting" means its trap frame simply
// isn't resumed until the scheduler marks it Ready again: there is no
// second thread of control to suspend. The syscall layer calls Begin to
// register the wait and learns the outcome later, when the scheduler
// resumes the task and the syscall return path reads
// sched.Table.TakeWaitReason.
package futex

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/sched"
)

const subsystem = "futex"

// Key identifies a futex word. RootPA is the waiter's page table root
// physical address; a RootPA of zero means the address is already a
// physical address shared across address spaces (used by kernel-only
// callers), matching the original's convention that the kernel's own
// futex calls bypass per-process translation.
type Key struct {
	RootPA uint64
	UAddr  uint64
}

type slot struct {
	used bool
	key  Key
	wq   *sched.WaitQueue
}

// Table is the fixed-size futex slot table: a wait queue is allocated
// for a key the first time a task waits on it, and the slot is reused
// for a new key once its wait queue drains.
type Table struct {
	mu    sync.Mutex
	slots [kconfig.MaxFutexSlots]slot
}

// NewTable creates an empty futex table.
func NewTable() *Table {
	return &Table{}
}

func (t *Table) find(key Key) int {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].key == key {
			return i
		}
	}
	return -1
}

// allocate returns the slot index for key, creating one (or reclaiming a
// drained slot) if needed. It returns -1 if the table is full.
func (t *Table) allocate(key Key) int {
	if i := t.find(key); i >= 0 {
		return i
	}
	for i := range t.slots {
		if !t.slots[i].used || t.slots[i].wq.IsEmpty() {
			t.slots[i] = slot{used: true, key: key, wq: sched.NewWaitQueue()}
			return i
		}
	}
	return -1
}

// Begin registers the scheduler's current task as waiting on key, with an
// optional timeout in milliseconds (0 means wait indefinitely). It
// returns the blocked task id. The caller is expected to have already
// verified, under whatever lock guards the futex word, that its value
// still equals the expected value before calling Begin  that check
// happens outside this package to avoid a dependency on mm's translation
// logic.
func (t *Table) Begin(s *sched.Scheduler, key Key, timeoutMs uint64) (sched.TaskID, error) {
	t.mu.Lock()
	i := t.allocate(key)
	if i < 0 {
		t.mu.Unlock()
		return 0, kerrors.New(subsystem, "wait", kerrors.CodeNoMem, "futex slot table full")
	}
	wq := t.slots[i].wq
	t.mu.Unlock()

	var id sched.TaskID
	var ok bool
	if timeoutMs > 0 {
		id, ok = s.WaitTimeoutMs(wq, timeoutMs)
	} else {
		id, ok = s.BlockCurrent(wq)
	}
	if !ok {
		return 0, kerrors.New(subsystem, "wait", kerrors.CodeInval, "no current task to block")
	}
	return id, nil
}

// Wake wakes up to n waiters on key, returning the number actually
// woken.
func (t *Table) Wake(s *sched.Scheduler, key Key, n int) int {
	t.mu.Lock()
	i := t.find(key)
	if i < 0 {
		t.mu.Unlock()
		return 0
	}
	wq := t.slots[i].wq
	t.mu.Unlock()

	woken := 0
	for woken < n {
		if _, ok := s.WakeOne(wq); !ok {
			break
		}
		woken++
	}
	return woken
}

// WakeAll wakes every waiter on key, returning the number woken.
func (t *Table) WakeAll(s *sched.Scheduler, key Key) int {
	t.mu.Lock()
	i := t.find(key)
	if i < 0 {
		t.mu.Unlock()
		return 0
	}
	wq := t.slots[i].wq
	t.mu.Unlock()

	return s.WakeAll(wq)
}

// Outcome reports why task id's futex wait completed, consuming the
// scheduler's recorded wait reason. Call this once, after the scheduler
// has resumed id.
func Outcome(s *sched.Scheduler, id sched.TaskID) error {
	switch s.Table.TakeWaitReason(id) {
	case sched.WaitTimeout:
		return kerrors.New(subsystem, "wait", kerrors.CodeTimedOut, "futex wait timed out")
	default:
		return nil
	}
}
