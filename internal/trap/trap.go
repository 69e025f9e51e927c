// Package trap models Aurora's trap frame and scause dispatch. Since
// Aurora runs as a hosted simulator rather than on bare RISC-V hardware,
// there is no privileged stvec/sepc CSR state to program; Dispatch is
// invoked directly by the simulated hart loop with a TrapFrame already
// populated, and plays the role of the original trap_handler.
package trap

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kmetrics"
	"github.com/aurora-os/aurora/internal/logging"
)

// TrapFrame mirrors the register save layout the original trap entry stub
// spills onto the kernel stack: all integer GPRs plus the privileged CSRs
// captured at trap time.
type TrapFrame struct {
	RA, GP, TP         uint64
	T0, T1, T2         uint64
	S0, S1             uint64
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	S2, S3, S4, S5, S6, S7, S8, S9, S10, S11 uint64
	T3, T4, T5, T6     uint64
	Sstatus, Sepc      uint64
	Scause, Stval      uint64
	UserSP             uint64
}

const (
	sstatusSPP = 1 << 8

	scauseInterruptBit       = uint64(1) << 63
	ScauseSupervisorTimer    = 5
	ScauseSupervisorExternal = 9
	ScauseUserEcall          = 8
	ScauseSupervisorEcall    = 9
	ScauseIllegalInstruction = 2
	ScauseInstPageFault      = 12
	ScauseLoadPageFault      = 13
	ScauseStorePageFault     = 15
)

// Cause decodes a raw scause value.
type Cause struct {
	Interrupt bool
	Code      uint64
}

func DecodeCause(scause uint64) Cause {
	return Cause{
		Interrupt: scause&scauseInterruptBit != 0,
		Code:      scause &^ scauseInterruptBit,
	}
}

// Hooks wires the trap dispatcher to the rest of the kernel without
// introducing an import cycle: the boot sequence supplies these closures
// once every subsystem exists.
type Hooks struct {
	// OnTick is invoked on every supervisor timer interrupt with the
	// number of ticks elapsed since the last call (always 1); it drives
	// the scheduler's preemption clock.
	OnTick func(ticks uint64)
	// RearmTimer is called with the current time so the handler can set
	// the next deadline. Either re-arming from "now" or from the
	// previous deadline is a conformant strategy; Aurora re-arms from
	// now, which lets jitter accumulate under load but never double-fires.
	RearmTimer func(now uint64) (next uint64)
	// Now returns the current value RearmTimer should treat as "now".
	Now func() uint64
	// HandleSyscall dispatches a user ecall. If the call completes
	// synchronously it writes tf.A0 and advances tf.Sepc past the ecall
	// instruction and returns false; if it blocks the calling task it
	// leaves tf untouched and returns true, telling the hart loop not to
	// resume this task until the scheduler says it is ready again.
	HandleSyscall func(tf *TrapFrame) bool
	// PLICClaim/PLICComplete drive the external-interrupt claim loop.
	PLICClaim    func() (irq uint32, ok bool)
	PLICComplete func(irq uint32)
	// HandleDeviceIRQ dispatches a claimed IRQ to whichever virtio device
	// owns it, returning whether it was handled.
	HandleDeviceIRQ func(irq uint32) bool
	// CurrentRootPA/KernelRootPA/SwitchRoot let the external-interrupt
	// path switch into the kernel's page table for the duration of IRQ
	// handling, matching the original's root-table swap.
	CurrentRootPA func() uint64
	KernelRootPA  func() uint64
	SwitchRoot    func(rootPA uint64)
	// HandlePageFault attempts copy-on-write style fixups; returns true
	// if the fault was resolved and the faulting instruction may retry.
	HandlePageFault func(rootPA, stval uint64) bool
	// Shutdown is invoked when a trap cannot be handled.
	Shutdown func(reason string)
}

// Dispatcher holds the currently active trap frame (mirroring the
// original's CURRENT_TRAP_FRAME) and the wiring hooks.
type Dispatcher struct {
	mu      sync.Mutex
	current *TrapFrame
	hooks   Hooks
	metrics *kmetrics.Metrics
	log     *logging.Logger
	timerInterval uint64
	loggedOnce    bool
}

// NewDispatcher creates a dispatcher with the given wiring.
func NewDispatcher(hooks Hooks, metrics *kmetrics.Metrics) *Dispatcher {
	return &Dispatcher{hooks: hooks, metrics: metrics, log: logging.Default()}
}

// EnterTrap registers tf as the active frame for the duration of handling
// and returns a closer to run on exit, the Go equivalent of the original's
// RAII TrapFrameGuard.
func (d *Dispatcher) EnterTrap(tf *TrapFrame) func() {
	d.mu.Lock()
	d.current = tf
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()
	}
}

// CurrentTrapFrame returns the frame being handled, if any.
func (d *Dispatcher) CurrentTrapFrame() (*TrapFrame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.current != nil
}

// EnableTimerInterrupt records the re-schedule interval. The simulator's
// hart loop is responsible for actually delivering timer ticks; this just
// remembers the interval for Dispatch's rearm step.
func (d *Dispatcher) EnableTimerInterrupt(intervalTicks uint64) {
	d.timerInterval = intervalTicks
}

// Dispatch classifies tf.Scause and runs the matching handler, mirroring
// trap_handler's branch structure exactly: timer and external interrupts,
// user/supervisor ecalls, and page faults each get their own path, with an
// unhandled trap falling through to Shutdown.
func (d *Dispatcher) Dispatch(tf *TrapFrame) bool {
	done := d.EnterTrap(tf)
	defer done()

	cause := DecodeCause(tf.Scause)

	if cause.Interrupt {
		switch cause.Code {
		case ScauseSupervisorTimer:
			d.metrics.RecordTrap(kmetrics.TrapTimer)
			if d.timerInterval != 0 && d.hooks.RearmTimer != nil {
				var now uint64
				if d.hooks.Now != nil {
					now = d.hooks.Now()
				}
				d.hooks.RearmTimer(now)
			}
			if d.hooks.OnTick != nil {
				d.hooks.OnTick(1)
			}
			return false
		case ScauseSupervisorExternal:
			d.metrics.RecordTrap(kmetrics.TrapExternal)
			d.dispatchExternalInterrupt()
			return false
		}
		d.metrics.RecordTrap(kmetrics.TrapOther)
		d.unhandled(tf)
		return false
	}

	switch cause.Code {
	case ScauseUserEcall:
		d.metrics.RecordTrap(kmetrics.TrapSyscall)
		if d.hooks.HandleSyscall != nil {
			return d.hooks.HandleSyscall(tf)
		}
		return false
	case ScauseSupervisorEcall:
		tf.Sepc += 4
		return false
	case ScauseStorePageFault, ScauseLoadPageFault, ScauseInstPageFault:
		d.metrics.RecordTrap(kmetrics.TrapPageFault)
		if d.hooks.HandlePageFault != nil && d.hooks.CurrentRootPA != nil {
			rootPA := d.hooks.CurrentRootPA()
			if rootPA != 0 && d.hooks.HandlePageFault(rootPA, tf.Stval) {
				return false
			}
		}
	}

	d.metrics.RecordTrap(kmetrics.TrapOther)
	d.unhandled(tf)
	return false
}

// dispatchExternalInterrupt runs the PLIC claim/dispatch/complete loop,
// temporarily switching into the kernel root page table the way the
// original's trap_handler does before touching device MMIO.
func (d *Dispatcher) dispatchExternalInterrupt() {
	if d.hooks.PLICClaim == nil {
		return
	}
	var currentRoot, kernelRoot uint64
	switched := false
	if d.hooks.CurrentRootPA != nil && d.hooks.KernelRootPA != nil && d.hooks.SwitchRoot != nil {
		currentRoot = d.hooks.CurrentRootPA()
		kernelRoot = d.hooks.KernelRootPA()
		if kernelRoot != 0 && currentRoot != kernelRoot {
			d.hooks.SwitchRoot(kernelRoot)
			switched = true
		}
	}

	for {
		irq, ok := d.hooks.PLICClaim()
		if !ok {
			break
		}
		if d.hooks.HandleDeviceIRQ != nil {
			d.hooks.HandleDeviceIRQ(irq)
		}
		if d.hooks.PLICComplete != nil {
			d.hooks.PLICComplete(irq)
		}
	}

	if switched {
		d.hooks.SwitchRoot(currentRoot)
	}
}

func (d *Dispatcher) unhandled(tf *TrapFrame) {
	d.log.Error("unhandled trap", "scause", tf.Scause, "sepc", tf.Sepc, "stval", tf.Stval)
	if d.hooks.Shutdown != nil {
		d.hooks.Shutdown("unhandled trap")
	}
}
