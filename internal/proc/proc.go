// Package proc implements Aurora's minimal process table: one process
// per task, a parent/exit-code relationship between them, and a
// waitpid-style reap operation.
package proc

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/sched"
)

const subsystem = "proc"

// PID is a process id. PIDs are one-based: PID = task id + 1, so PID 0
// is never valid and can be used as a sentinel.
type PID int

// State is a process's lifecycle state.
type State int

const (
	Empty State = iota
	Running
	Zombie
)

// Entry is one process table row.
type Entry struct {
	PID      PID
	State    State
	ParentID PID
	ExitCode int32
	TaskID   sched.TaskID
}

// Table is the fixed-size process table, indexed in parallel with the
// scheduler's task table (PID = task id + 1).
type Table struct {
	mu      sync.Mutex
	entries [kconfig.MaxTasks]Entry
}

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{}
}

func pidToIndex(pid PID) int { return int(pid) - 1 }

func taskToPID(id sched.TaskID) PID { return PID(id) + 1 }

// Create registers a new process for taskID, owned by parent (0 for no
// parent, i.e. init).
func (t *Table) Create(taskID sched.TaskID, parent PID) PID {
	pid := taskToPID(taskID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pidToIndex(pid)] = Entry{
		PID:      pid,
		State:    Running,
		ParentID: parent,
		TaskID:   taskID,
	}
	return pid
}

// Exit marks pid as a zombie with the given exit code, to be reaped by
// Waitpid.
func (t *Table) Exit(pid PID, exitCode int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := pidToIndex(pid)
	if idx < 0 || idx >= kconfig.MaxTasks || t.entries[idx].State != Running {
		return false
	}
	t.entries[idx].State = Zombie
	t.entries[idx].ExitCode = exitCode
	return true
}

// Get returns a copy of pid's process table entry.
func (t *Table) Get(pid PID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := pidToIndex(pid)
	if idx < 0 || idx >= kconfig.MaxTasks || t.entries[idx].State == Empty {
		return Entry{}, false
	}
	return t.entries[idx], true
}

// Waitpid looks for a zombie child of parent. If target is zero it
// matches any child; otherwise only that pid. On finding a zombie it
// reaps the slot (marks it Empty) and returns its pid and exit code. If
// no child matching target exists at all (not even a running one) it
// returns kerrors.CodeChild, whether or not nohang is set. If matching
// children exist but none is a zombie yet it returns ok=false and no
// error, with or without nohang (without nohang the caller blocks and
// retries later).
func (t *Table) Waitpid(parent, target PID, nohang bool) (PID, int32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sawChild := false
	for i := range t.entries {
		e := &t.entries[i]
		if e.State == Empty || e.ParentID != parent {
			continue
		}
		if target != 0 && e.PID != target {
			continue
		}
		sawChild = true
		if e.State == Zombie {
			pid, code := e.PID, e.ExitCode
			*e = Entry{}
			return pid, code, true, nil
		}
	}
	if !sawChild {
		return 0, 0, false, kerrors.New(subsystem, "waitpid", kerrors.CodeChild, "no matching child process")
	}
	if nohang {
		return 0, 0, false, nil
	}
	// A blocking wait with a live child but no zombie yet is a scheduler
	// concern: the caller blocks the current task (e.g. on a wait queue
	// keyed by parent pid) and retries Waitpid once woken, same as the
	// futex wait/outcome split.
	return 0, 0, false, nil
}
