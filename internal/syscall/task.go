package syscall

import (
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/sched"
)

// sysExit marks the caller zombie and wakes its parent's wait4 waiters.
// A process with no parent (the init task) takes the whole machine down,
// since there is nobody left to reap it; this generalizes the original's
// sys_exit, which always called sbi::shutdown because that kernel never
// modeled more than one task.
func (d *Dispatcher) sysExit(ctx Context) (uint64, bool, error) {
	taskID, err := d.currentTaskID()
	if err != nil {
		return 0, false, err
	}
	pid := proc.PID(taskID) + 1
	code := int32(ctx.Args[0])
	entry, existed := d.deps.Proc.Get(pid)
	d.deps.Proc.Exit(pid, code)

	if existed && entry.ParentID != 0 {
		d.deps.Scheduler.WakeAll(d.childWaitQueue(entry.ParentID))
	} else if d.deps.SBI != nil {
		d.deps.SBI.Shutdown("init process exited")
	}
	d.deps.Scheduler.Exit(taskID)
	return 0, false, nil
}

// sysWait4 backs the waitpid(2) libc wrapper: args are (pid, status ptr,
// options, rusage ptr). rusage is ignored. A pid <= 0 matches any child,
// matching wait4's "any child" convention collapsed onto this kernel's
// single-child-set-per-parent model.
func (d *Dispatcher) sysWait4(ctx Context) (uint64, bool, error) {
	taskID, err := d.currentTaskID()
	if err != nil {
		return 0, false, err
	}
	parent := proc.PID(taskID) + 1
	target := proc.PID(0)
	if raw := int64(ctx.Args[0]); raw > 0 {
		target = proc.PID(raw)
	}
	nohang := ctx.Args[2]&1 != 0

	pid, code, ok, err := d.deps.Proc.Waitpid(parent, target, nohang)
	if err != nil {
		return 0, false, err
	}
	if ok {
		d.writeWaitStatus(ctx.Args[1], code)
		return uint64(pid), false, nil
	}
	if nohang {
		return 0, false, nil
	}
	d.blockOnWait4(taskID, parent, target, ctx.Args)
	return 0, true, nil
}

func (d *Dispatcher) blockOnWait4(taskID sched.TaskID, parent, target proc.PID, args [6]uint64) {
	id, ok := d.deps.Scheduler.BlockCurrent(d.childWaitQueue(parent))
	if !ok {
		return
	}
	d.mu.Lock()
	d.pending[id] = pendingCall{kind: pendingWait4, parent: parent, target: target, args: args}
	d.mu.Unlock()
}

// sysNanosleep blocks the caller on a wait queue nothing ever wakes
// directly, so it can only resume via TickSleepers' timeout path -
// functionally identical to the original's no-op busy loop, but actually
// yields the hart to other tasks instead of spinning.
func (d *Dispatcher) sysNanosleep(ctx Context) (uint64, bool, error) {
	if _, err := d.currentTaskID(); err != nil {
		return 0, false, err
	}
	buf := make([]byte, 16)
	if err := d.deps.MM.CopyFromUser(d.deps.CurrentRootPA(), mm.VirtAddr(ctx.Args[0]), buf); err != nil {
		return 0, false, err
	}
	sec := leUint64(buf[0:8])
	nsec := leUint64(buf[8:16])
	ms := sec*1000 + nsec/1_000_000
	if ms == 0 {
		return 0, false, nil
	}
	id, ok := d.deps.Scheduler.WaitTimeoutMs(d.sleepWQ, ms)
	if !ok {
		return 0, false, kerrors.New(subsystem, "nanosleep", kerrors.CodeFault, "no current task to block")
	}
	d.mu.Lock()
	d.pending[id] = pendingCall{kind: pendingSleep}
	d.mu.Unlock()
	return 0, true, nil
}
