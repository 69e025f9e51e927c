package syscall

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/kmetrics"
	"github.com/aurora-os/aurora/internal/logging"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/sbi"
	"github.com/aurora-os/aurora/internal/sched"
	"github.com/aurora-os/aurora/internal/trap"
)

const subsystem = "syscall"

// Context is the syscall request read off a trap frame: the ecall number
// in a7 and up to six arguments in a0..a5, the same shape
// SyscallContext::from_trap_frame extracts.
type Context struct {
	Nr   uint64
	Args [6]uint64
}

func contextFromTrapFrame(tf *trap.TrapFrame) Context {
	return Context{
		Nr:   tf.A7,
		Args: [6]uint64{tf.A0, tf.A1, tf.A2, tf.A3, tf.A4, tf.A5},
	}
}

// Deps wires the dispatcher to the rest of the kernel. It is constructed
// once during boot, after every subsystem it touches already exists.
type Deps struct {
	MM            *mm.Manager
	Scheduler     *sched.Scheduler
	Proc          *proc.Table
	SBI           sbi.Provider
	Metrics       *kmetrics.Metrics
	Files         *FileTable
	Sockets       *SocketTable
	CurrentRootPA func() mm.PhysAddr
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingSleep
	pendingWait4
)

type pendingCall struct {
	kind   pendingKind
	parent proc.PID
	target proc.PID
	args   [6]uint64
}

// Dispatcher classifies a7 and runs the matching syscall handler, mirroring
// handle_syscall/dispatch's structure but over the full numbered surface in
// numbers.go rather than just exit/write. A handler either completes
// synchronously (returns a value or an error to encode as -errno) or
// blocks the calling task, in which case Handle leaves the trap frame
// untouched and CompleteAfterWake finishes the job once the task is
// rescheduled.
type Dispatcher struct {
	deps Deps
	log  *logging.Logger

	sleepWQ *sched.WaitQueue
	childWQ [kconfig.MaxTasks]*sched.WaitQueue // indexed by parent PID - 1

	mu      sync.Mutex
	pending [kconfig.MaxTasks]pendingCall // indexed by task id
}

// NewDispatcher creates a syscall dispatcher over deps.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:    deps,
		log:     logging.Default(),
		sleepWQ: sched.NewWaitQueue(),
	}
}

func (d *Dispatcher) childWaitQueue(parent proc.PID) *sched.WaitQueue {
	idx := int(parent) - 1
	if idx < 0 || idx >= kconfig.MaxTasks {
		return d.sleepWQ // never reached in practice; defensive fallback
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.childWQ[idx] == nil {
		d.childWQ[idx] = sched.NewWaitQueue()
	}
	return d.childWQ[idx]
}

// Handle runs the syscall named in tf's a7/a0..a5 registers. If the call
// blocks the current task it returns true and leaves tf for
// CompleteAfterWake to finish later; otherwise it writes tf.A0 and
// advances tf.Sepc past the ecall instruction itself.
func (d *Dispatcher) Handle(tf *trap.TrapFrame) bool {
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordTrap(kmetrics.TrapSyscall)
	}
	ctx := contextFromTrapFrame(tf)
	ret, blocked, err := d.dispatch(ctx)
	if blocked {
		return true
	}
	d.finish(tf, ret, err)
	return false
}

func (d *Dispatcher) finish(tf *trap.TrapFrame, ret uint64, err error) {
	if err != nil {
		errno := kerrors.Errno(err)
		tf.A0 = uint64(int64(-errno))
	} else {
		tf.A0 = ret
	}
	tf.Sepc += 4
}

// CompleteAfterWake is called by the boot sequence's hart loop before
// resuming a task that blocked inside Handle, once the scheduler has
// marked it Ready again. It reports whether the task is now actually
// ready to resume to user space (false means it was woken spuriously,
// e.g. a wait4 wake that didn't belong to it, and has been re-blocked).
func (d *Dispatcher) CompleteAfterWake(taskID sched.TaskID, tf *trap.TrapFrame) bool {
	d.mu.Lock()
	call := d.pending[taskID]
	d.pending[taskID] = pendingCall{}
	d.mu.Unlock()

	switch call.kind {
	case pendingSleep:
		d.deps.Scheduler.Table.TakeWaitReason(taskID)
		d.finish(tf, 0, nil)
		return true
	case pendingWait4:
		pid, code, ok, err := d.deps.Proc.Waitpid(call.parent, call.target, false)
		if err != nil {
			d.finish(tf, 0, err)
			return true
		}
		if !ok {
			d.blockOnWait4(taskID, call.parent, call.target, call.args)
			return false
		}
		d.writeWaitStatus(call.args[1], code)
		d.finish(tf, uint64(pid), nil)
		return true
	default:
		d.finish(tf, 0, nil)
		return true
	}
}

func (d *Dispatcher) writeWaitStatus(statusPtr uint64, exitCode int32) {
	if statusPtr == 0 {
		return
	}
	rootPA := d.deps.CurrentRootPA()
	status := uint32(exitCode&0xff) << 8
	buf := make([]byte, 4)
	buf[0], buf[1], buf[2], buf[3] = byte(status), byte(status>>8), byte(status>>16), byte(status>>24)
	d.deps.MM.CopyToUser(rootPA, mm.VirtAddr(statusPtr), buf)
}

func (d *Dispatcher) dispatch(ctx Context) (uint64, bool, error) {
	switch ctx.Nr {
	case SysExit:
		return d.sysExit(ctx)
	case SysWait4:
		return d.sysWait4(ctx)
	case SysNanosleep:
		return d.sysNanosleep(ctx)
	case SysWrite:
		return d.sysWrite(ctx)
	case SysRead:
		return d.sysRead(ctx)
	case SysPwrite64:
		return d.sysPwrite64(ctx)
	case SysOpenat:
		return d.sysOpenat(ctx)
	case SysClose:
		return d.sysClose(ctx)
	case SysLseek:
		return d.sysLseek(ctx)
	case SysGetdents64:
		return d.sysGetdents64(ctx)
	case SysChdir:
		return d.sysChdir(ctx)
	case SysGetcwd:
		return d.sysGetcwd(ctx)
	case SysNewfstatat:
		return d.sysNewfstatat(ctx)
	case SysFcntl:
		return d.sysFcntl(ctx)
	case SysSocket:
		return d.sysSocket(ctx)
	case SysBind:
		return d.sysBind(ctx)
	case SysListen:
		return d.sysListen(ctx)
	case SysAccept:
		return d.sysAccept(ctx)
	case SysConnect:
		return d.sysConnect(ctx)
	case SysSendto:
		return d.sysSendto(ctx)
	case SysRecvfrom:
		return d.sysRecvfrom(ctx)
	case SysSetsockopt:
		return d.sysSetsockopt(ctx)
	case SysGetsockopt:
		return d.sysGetsockopt(ctx)
	case SysSendmsg:
		return d.sysSendmsg(ctx)
	case SysRecvmsg:
		return d.sysRecvmsg(ctx)
	case SysPpoll:
		return d.sysPpoll(ctx)
	case SysRecvmmsg:
		return d.sysRecvmmsg(ctx)
	case SysSendmmsg:
		return d.sysSendmmsg(ctx)
	default:
		return 0, false, kerrors.New(subsystem, "dispatch", kerrors.CodeNoSys, "unimplemented syscall")
	}
}

func (d *Dispatcher) currentTaskID() (sched.TaskID, error) {
	id := d.deps.Scheduler.Current()
	if id == sched.IdleTask {
		return 0, kerrors.New(subsystem, "dispatch", kerrors.CodeFault, "no current task")
	}
	return id, nil
}

func (d *Dispatcher) currentPID() (proc.PID, error) {
	id, err := d.currentTaskID()
	if err != nil {
		return 0, err
	}
	return proc.PID(id) + 1, nil
}
