package syscall

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/sched"
	"github.com/aurora-os/aurora/internal/trap"
)

func TestWait4NohangWithNoZombieReturnsZero(t *testing.T) {
	h := newTestHarness(t)
	parentID := h.spawnAndSchedule(t)
	h.d.deps.Proc.Create(parentID, 0)

	childID, _ := h.sch.Spawn()
	h.d.deps.Proc.Create(childID, proc.PID(parentID)+1)

	ret, blocked, err := h.d.sysWait4(Context{Nr: SysWait4, Args: [6]uint64{0, 0, 1}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, ret)
}

func TestWait4ReapsAlreadyExitedChild(t *testing.T) {
	h := newTestHarness(t)
	parentID := h.spawnAndSchedule(t)
	parentPID := proc.PID(parentID) + 1
	h.d.deps.Proc.Create(parentID, 0)

	childTaskID, _ := h.sch.Spawn()
	childPID := proc.PID(childTaskID) + 1
	h.d.deps.Proc.Create(childTaskID, parentPID)
	h.d.deps.Proc.Exit(childPID, 7)

	statusPtr := uint64(testUserVA) + 0x200
	ret, blocked, err := h.d.sysWait4(Context{Nr: SysWait4, Args: [6]uint64{0, statusPtr, 0}})
	require.NoError(t, err)
	require.False(t, blocked)
	require.Equal(t, uint64(childPID), ret)

	status := h.readUser(t, 0x200, 4)
	require.Equal(t, byte(7), status[1])
}

func TestWait4BlocksThenWakesOnChildExit(t *testing.T) {
	h := newTestHarness(t)
	parentID := h.spawnAndSchedule(t)
	parentPID := proc.PID(parentID) + 1
	h.d.deps.Proc.Create(parentID, 0)

	childTaskID, _ := h.sch.Spawn()
	childPID := proc.PID(childTaskID) + 1
	h.d.deps.Proc.Create(childTaskID, parentPID)

	ret, blocked, err := h.d.sysWait4(Context{Nr: SysWait4, Args: [6]uint64{0, 0, 0}})
	require.NoError(t, err)
	require.True(t, blocked)
	require.Zero(t, ret)

	tcb, _ := h.sch.Table.Get(parentID)
	require.Equal(t, sched.Blocked, tcb.State)

	// The parent is Blocked, so scheduling now picks the still-Ready
	// child off the run queue and makes it current.
	require.Equal(t, childTaskID, h.sch.Schedule())

	_, _, err = h.d.sysExit(Context{Nr: SysExit, Args: [6]uint64{3}})
	require.NoError(t, err)

	require.True(t, h.sch.Table.IsReady(parentID))

	tf := &trap.TrapFrame{}
	woken := h.d.CompleteAfterWake(parentID, tf)
	require.True(t, woken)
	require.Equal(t, uint64(childPID), tf.A0)
}

func TestExitWithNoParentShutsDownMachine(t *testing.T) {
	h := newTestHarness(t)
	initID := h.spawnAndSchedule(t)
	h.d.deps.Proc.Create(initID, 0)

	_, _, err := h.d.sysExit(Context{Nr: SysExit, Args: [6]uint64{0}})
	require.NoError(t, err)
	require.Equal(t, []string{"init process exited"}, h.fsbi.ShutdownCalls)
}

func TestNanosleepZeroDurationReturnsImmediately(t *testing.T) {
	h := newTestHarness(t)
	h.spawnAndSchedule(t)
	h.writeUser(t, 0, make([]byte, 16))
	_, blocked, err := h.d.sysNanosleep(Context{Nr: SysNanosleep, Args: [6]uint64{uint64(testUserVA)}})
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestNanosleepBlocksAndWakesOnTimeout(t *testing.T) {
	h := newTestHarness(t)
	id := h.spawnAndSchedule(t)

	buf := make([]byte, 16)
	putLeUint64(buf[0:8], 0)
	putLeUint64(buf[8:16], 50_000_000) // 50ms
	h.writeUser(t, 0, buf)

	_, blocked, err := h.d.sysNanosleep(Context{Nr: SysNanosleep, Args: [6]uint64{uint64(testUserVA)}})
	require.NoError(t, err)
	require.True(t, blocked)

	require.Equal(t, 0, h.sch.TickSleepers())
	for i := 0; i < 10; i++ {
		h.sch.Clock.Tick()
	}
	require.Equal(t, 1, h.sch.TickSleepers())
	require.True(t, h.sch.Table.IsReady(id))

	tf := &trap.TrapFrame{}
	woken := h.d.CompleteAfterWake(id, tf)
	require.True(t, woken)
}

func TestCompleteAfterWakeWithNoPendingCallIsNoop(t *testing.T) {
	h := newTestHarness(t)
	id := h.spawnAndSchedule(t)
	tf := &trap.TrapFrame{}
	ok := h.d.CompleteAfterWake(id, tf)
	require.True(t, ok)
}
