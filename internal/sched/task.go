// Package sched implements Aurora's preemptive round-robin scheduler: a
// fixed-size run queue, a wait-queue/sleep-queue pair for blocking
// primitives, and the task control block state machine futex and process
// table sit on top of.
package sched

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
)

// TaskID identifies a task slot in the fixed-size task table.
type TaskID int

// TaskState is a task's scheduler run state.
type TaskState int

const (
	Ready TaskState = iota
	Running
	Blocked
)

func (s TaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// WaitReason records why a blocked wait completed, consumed exactly once
// by the waiter when it resumes.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitNotified
	WaitTimeout
)

// TaskControlBlock is the scheduler's bookkeeping record for one task.
type TaskControlBlock struct {
	ID    TaskID
	State TaskState

	// User-task context, set once a task is promoted from a bare kernel
	// task to a user task via SetUserContext.
	IsUser     bool
	UserRootPA uint64
	UserEntry  uint64
	UserSP     uint64
	HeapTop    uint64

	// TrapFramePtr records the address of the trap frame this task is
	// currently handling, if any; syscalls needing "the current task's
	// trap frame" look it up through here.
	TrapFramePtr uint64
	HasTrapFrame bool

	waitReason WaitReason
}

// Table is the fixed-size task table, the Go counterpart of the original's
// TASK_TABLE + TASK_USED arrays.
type Table struct {
	mu    sync.Mutex
	tasks [kconfig.MaxTasks]*TaskControlBlock
	used  [kconfig.MaxTasks]bool
}

// NewTable creates an empty task table.
func NewTable() *Table {
	return &Table{}
}

// Alloc reserves the first free slot for a new task in the Ready state.
func (t *Table) Alloc() (TaskID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < kconfig.MaxTasks; i++ {
		if !t.used[i] {
			t.used[i] = true
			t.tasks[i] = &TaskControlBlock{ID: TaskID(i), State: Ready}
			return TaskID(i), true
		}
	}
	return 0, false
}

// Free releases id's slot, allowing it to be reused.
func (t *Table) Free(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return
	}
	t.used[id] = false
	t.tasks[id] = nil
}

func (t *Table) valid(id TaskID) bool {
	return id >= 0 && int(id) < kconfig.MaxTasks && t.used[id]
}

// Get returns a copy of the task's current bookkeeping record.
func (t *Table) Get(id TaskID) (TaskControlBlock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return TaskControlBlock{}, false
	}
	return *t.tasks[id], true
}

// IsReady reports whether id is currently in the Ready state.
func (t *Table) IsReady(id TaskID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid(id) && t.tasks[id].State == Ready
}

// SetState unconditionally sets id's state.
func (t *Table) SetState(id TaskID, state TaskState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].State = state
	return true
}

// TransitionState moves id from `from` to `to`, failing without effect if
// id is not currently in `from`.
func (t *Table) TransitionState(id TaskID, from, to TaskState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) || t.tasks[id].State != from {
		return false
	}
	t.tasks[id].State = to
	return true
}

// SetUserContext records a task's user-mode entry point, page table root,
// and initial stack pointer, promoting it to a user task.
func (t *Table) SetUserContext(id TaskID, rootPA, entry, sp uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	tcb := t.tasks[id]
	tcb.UserRootPA, tcb.UserEntry, tcb.UserSP, tcb.IsUser = rootPA, entry, sp, true
	return true
}

// UpdateUserRoot updates just the user page table root, e.g. after a COW
// fault installs a new leaf mapping.
func (t *Table) UpdateUserRoot(id TaskID, rootPA uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].UserRootPA = rootPA
	return true
}

// SetHeapTop records the task's current brk value.
func (t *Table) SetHeapTop(id TaskID, top uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].HeapTop = top
	return true
}

// SetTrapFrame records the active trap frame pointer for id.
func (t *Table) SetTrapFrame(id TaskID, ptr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].TrapFramePtr, t.tasks[id].HasTrapFrame = ptr, true
	return true
}

// ClearTrapFrame clears the active trap frame pointer for id.
func (t *Table) ClearTrapFrame(id TaskID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].HasTrapFrame = false
	t.tasks[id].TrapFramePtr = 0
	return true
}

// SetWaitReason stores why a blocked wait completed.
func (t *Table) SetWaitReason(id TaskID, reason WaitReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return false
	}
	t.tasks[id].waitReason = reason
	return true
}

// TakeWaitReason consumes and resets id's wait reason.
func (t *Table) TakeWaitReason(id TaskID) WaitReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.valid(id) {
		return WaitNone
	}
	reason := t.tasks[id].waitReason
	t.tasks[id].waitReason = WaitNone
	return reason
}
