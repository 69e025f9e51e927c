package trap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/kmetrics"
)

func TestDecodeCause(t *testing.T) {
	c := DecodeCause(uint64(1)<<63 | ScauseSupervisorTimer)
	require.True(t, c.Interrupt)
	require.Equal(t, uint64(ScauseSupervisorTimer), c.Code)

	c = DecodeCause(ScauseUserEcall)
	require.False(t, c.Interrupt)
	require.Equal(t, uint64(ScauseUserEcall), c.Code)
}

func TestDispatchTimerInterruptTicksAndRearms(t *testing.T) {
	var ticked uint64
	var rearmed bool
	d := NewDispatcher(Hooks{
		OnTick:     func(n uint64) { ticked += n },
		RearmTimer: func(now uint64) uint64 { rearmed = true; return now + 100 },
	}, kmetrics.New(time.Unix(0, 0)))
	d.EnableTimerInterrupt(100)

	tf := &TrapFrame{Scause: uint64(1)<<63 | ScauseSupervisorTimer}
	d.Dispatch(tf)

	require.Equal(t, uint64(1), ticked)
	require.True(t, rearmed)
}

func TestDispatchTimerInterruptPassesNowToRearm(t *testing.T) {
	var gotNow uint64
	d := NewDispatcher(Hooks{
		OnTick:     func(uint64) {},
		RearmTimer: func(now uint64) uint64 { gotNow = now; return now + 100 },
		Now:        func() uint64 { return 42 },
	}, kmetrics.New(time.Unix(0, 0)))
	d.EnableTimerInterrupt(100)

	tf := &TrapFrame{Scause: uint64(1)<<63 | ScauseSupervisorTimer}
	d.Dispatch(tf)

	require.Equal(t, uint64(42), gotNow)
}

func TestDispatchSyscallInvokesHandler(t *testing.T) {
	var called bool
	d := NewDispatcher(Hooks{
		HandleSyscall: func(tf *TrapFrame) bool { called = true; tf.A0 = 42; tf.Sepc += 4; return false },
	}, kmetrics.New(time.Unix(0, 0)))

	tf := &TrapFrame{Scause: ScauseUserEcall, Sepc: 0x1000}
	blocked := d.Dispatch(tf)

	require.True(t, called)
	require.False(t, blocked)
	require.Equal(t, uint64(42), tf.A0)
	require.Equal(t, uint64(0x1004), tf.Sepc)
}

func TestDispatchSyscallReportsBlocked(t *testing.T) {
	d := NewDispatcher(Hooks{
		HandleSyscall: func(tf *TrapFrame) bool { return true },
	}, kmetrics.New(time.Unix(0, 0)))

	tf := &TrapFrame{Scause: ScauseUserEcall, Sepc: 0x3000}
	blocked := d.Dispatch(tf)

	require.True(t, blocked)
	require.Equal(t, uint64(0x3000), tf.Sepc)
}

func TestDispatchSupervisorEcallAdvancesSepc(t *testing.T) {
	d := NewDispatcher(Hooks{}, kmetrics.New(time.Unix(0, 0)))
	tf := &TrapFrame{Scause: ScauseSupervisorEcall, Sepc: 0x2000}
	d.Dispatch(tf)
	require.Equal(t, uint64(0x2004), tf.Sepc)
}

func TestDispatchExternalInterruptClaimsAndSwitchesRoot(t *testing.T) {
	irqs := []uint32{3, 0}
	var claimed []uint32
	var completed []uint32
	var roots []uint64

	d := NewDispatcher(Hooks{
		PLICClaim: func() (uint32, bool) {
			if len(irqs) == 0 {
				return 0, false
			}
			irq := irqs[0]
			irqs = irqs[1:]
			if irq == 0 {
				return 0, false
			}
			claimed = append(claimed, irq)
			return irq, true
		},
		PLICComplete:    func(irq uint32) { completed = append(completed, irq) },
		HandleDeviceIRQ: func(irq uint32) bool { return true },
		CurrentRootPA:   func() uint64 { return 0x1000 },
		KernelRootPA:    func() uint64 { return 0x2000 },
		SwitchRoot:      func(root uint64) { roots = append(roots, root) },
	}, kmetrics.New(time.Unix(0, 0)))

	tf := &TrapFrame{Scause: uint64(1)<<63 | ScauseSupervisorExternal}
	d.Dispatch(tf)

	require.Equal(t, []uint32{3}, claimed)
	require.Equal(t, []uint32{3}, completed)
	require.Equal(t, []uint64{0x2000, 0x1000}, roots)
}

func TestDispatchUnhandledCallsShutdown(t *testing.T) {
	var reason string
	d := NewDispatcher(Hooks{
		Shutdown: func(r string) { reason = r },
	}, kmetrics.New(time.Unix(0, 0)))

	tf := &TrapFrame{Scause: ScauseIllegalInstruction}
	d.Dispatch(tf)
	require.Equal(t, "unhandled trap", reason)
}
