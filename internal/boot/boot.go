// Package boot assembles every kernel subsystem into a running Machine
// in the order rust_main follows: the device tree first, then the memory
// manager, PLIC, virtio devices, the timer, the scheduler and syscall
// dispatcher, and finally the trap dispatcher wired to all of them, with
// an optional built-in user test spawned once everything else is up.
//
// Aurora never runs on real hardware, so there is no hart to jump to
// rust_main on: New plays that role directly, and the returned Machine's
// Tick/Dispatch methods stand in for enter_idle_loop's busy-wait, called
// by cmd/aurora's driver loop or by a test harness instead of firing from
// a real timer interrupt.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/aurora-os/aurora/internal/dtb"
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/kmetrics"
	"github.com/aurora-os/aurora/internal/ktask"
	"github.com/aurora-os/aurora/internal/ktime"
	"github.com/aurora-os/aurora/internal/logging"
	"github.com/aurora-os/aurora/internal/mm"
	"github.com/aurora-os/aurora/internal/plic"
	"github.com/aurora-os/aurora/internal/proc"
	"github.com/aurora-os/aurora/internal/sbi"
	"github.com/aurora-os/aurora/internal/sched"
	"github.com/aurora-os/aurora/internal/syscall"
	"github.com/aurora-os/aurora/internal/trap"
	"github.com/aurora-os/aurora/internal/virtio"
)

const subsystem = "boot"

// hostFileQueueDepth matches the teacher's default virtio queue depth,
// since there's no reason a host-file-backed disk needs a different
// submission queue size than the virtio transport it sits behind.
const hostFileQueueDepth = 32

// Config carries everything New needs that would otherwise come from a
// real DTB blob handed to rust_main in a1, plus the knobs config.rs
// exposes as compile-time constants.
type Config struct {
	// DTBBlob, if non-nil, is parsed for memory/timebase/device info.
	// If nil or parsing fails, Board supplies the same facts.
	DTBBlob []byte
	Board   kconfig.Board

	// KernelEnd is the byte offset the frame allocator's usable range
	// starts after, reserving [0, KernelEnd) for the kernel image.
	KernelEnd uint64

	SBI sbi.Provider

	// MmapMemory backs guest physical memory with an anonymous mmap
	// instead of a Go heap slice, keeping large arenas off the GC's scan
	// path. See mm.NewMemoryMmap.
	MmapMemory bool

	// DiskSize sizes the virtio-blk device's default RAM-disk backend.
	// Zero disables the block device, unless BlockBackend or DiskPath is
	// set.
	DiskSize int64
	// DiskPath, if set, backs the block device with a real host file
	// opened through internal/hostio's io_uring ring instead of the
	// default RAM disk, sized to DiskSize.
	DiskPath string
	// BlockBackend overrides both DiskSize and DiskPath, e.g. with a
	// testutil.MockBackend in tests.
	BlockBackend virtio.Backend
	// NetSink receives packets the virtio-net device's driver
	// transmits. Nil disables the net device.
	NetSink virtio.PacketSink

	// EnableUserTest spawns the built-in user smoke-test task, the Go
	// counterpart of config::ENABLE_USER_TEST.
	EnableUserTest bool
	// UserCode/UserData are the program loaded for the smoke test; if
	// EnableUserTest is true and UserCode is nil, a small built-in
	// write-then-exit program is used instead.
	UserCode []byte
	UserData []byte
}

// Machine is every subsystem wired together: the live equivalent of
// rust_main's local variables, kept alive for the process's whole
// lifetime instead of being local to one function call.
type Machine struct {
	Board kconfig.Board
	DTB   dtb.Info

	MM    *mm.Manager
	PLIC  *plic.PLIC
	Clock *ktime.Clock

	Block *virtio.BlockDevice
	Net   *virtio.NetDevice

	Stacks    *ktask.Pool
	Scheduler *sched.Scheduler
	Proc      *proc.Table

	Files   *syscall.FileTable
	Sockets *syscall.SocketTable

	Syscalls *syscall.Dispatcher
	Trap     *trap.Dispatcher

	metrics *kmetrics.Metrics
	log     *logging.Logger
	sbi     sbi.Provider

	timerInterval uint64
	timerDeadline uint64
	virtualNow    uint64
}

// New brings up a Machine following rust_main's init order. It never
// fails on a bad or missing DTB blob, the same as rust_main falling back
// to dtb::DtbInfo::default(): a parse error is logged and Config.Board
// supplies the facts instead.
func New(cfg Config) (*Machine, error) {
	log := logging.Default()
	log.Info("Aurora kernel booting...")

	board := cfg.Board
	info, err := parseOrFallback(cfg.DTBBlob, board, log)
	if err != nil {
		return nil, err
	}
	board = applyDTB(board, info)

	metrics := kmetrics.New(time.Now())

	memSize := board.MemorySize
	if memSize == 0 {
		memSize = kconfig.DefaultBoard().MemorySize
	}
	var mgr *mm.Manager
	if cfg.MmapMemory {
		mgr, err = mm.NewManagerMmap(memSize, cfg.KernelEnd)
		if err != nil {
			return nil, kerrors.Wrap(subsystem, "New", err)
		}
	} else {
		mgr = mm.NewManager(memSize, cfg.KernelEnd)
	}
	if err := mgr.SetupIdentityMap(board.MemoryBase, memSize); err != nil {
		return nil, kerrors.Wrap(subsystem, "New", err)
	}

	plicDev := plic.New(mgr.Phys, mm.PhysAddr(board.PLICBase))
	for _, dev := range info.VirtioDevices {
		if dev.HasIRQ {
			plicDev.Enable(dev.IRQ)
		}
	}

	var blockDev *virtio.BlockDevice
	backend := cfg.BlockBackend
	if backend == nil && cfg.DiskPath != "" {
		fileBackend, err := virtio.OpenHostFile(cfg.DiskPath, cfg.DiskSize, hostFileQueueDepth)
		if err != nil {
			return nil, kerrors.Wrap(subsystem, "New", err)
		}
		backend = fileBackend
	}
	if backend == nil && cfg.DiskSize > 0 {
		backend = virtio.NewRAMDisk(cfg.DiskSize)
	}
	if backend != nil {
		blockBase := virtioBase(info, virtio.DeviceIDBlk, 0)
		blockDev = virtio.NewBlockDevice(mgr.Phys, mm.PhysAddr(blockBase), backend, metrics)
	}

	var netDev *virtio.NetDevice
	if cfg.NetSink != nil {
		netBase := virtioBase(info, virtio.DeviceIDNet, 0x10001000)
		netDev = virtio.NewNetDevice(mgr.Phys, mm.PhysAddr(netBase), cfg.NetSink, metrics)
	}

	timebaseHz := board.TimebaseHz
	if timebaseHz == 0 {
		timebaseHz = kconfig.DefaultBoard().TimebaseHz
	}
	clock, interval := ktime.New(timebaseHz, kconfig.DefaultTickHz)
	log.Info("timer", "tick_hz", kconfig.DefaultTickHz, "interval_ticks", interval)

	scheduler := sched.New(clock, metrics)
	procTable := proc.NewTable()
	stacks := ktask.NewPool(mgr.Frames)
	if idle, err := stacks.InitIdleStack(); err != nil {
		log.Warn("scheduler: failed to init idle stack", "error", err)
	} else {
		log.Info("scheduler: idle stack top", "top", idle.Top())
	}

	files := syscall.NewFileTable()
	sockets := syscall.NewSocketTable()

	m := &Machine{
		Board:         board,
		DTB:           info,
		MM:            mgr,
		PLIC:          plicDev,
		Clock:         clock,
		Block:         blockDev,
		Net:           netDev,
		Stacks:        stacks,
		Scheduler:     scheduler,
		Proc:          procTable,
		Files:         files,
		Sockets:       sockets,
		metrics:       metrics,
		log:           log,
		sbi:           cfg.SBI,
		timerInterval: interval,
		timerDeadline: interval,
	}

	sysDeps := syscall.Deps{
		MM:            mgr,
		Scheduler:     scheduler,
		Proc:          procTable,
		SBI:           cfg.SBI,
		Metrics:       metrics,
		Files:         files,
		Sockets:       sockets,
		CurrentRootPA: m.currentRootPA,
	}
	m.Syscalls = syscall.NewDispatcher(sysDeps)

	m.Trap = trap.NewDispatcher(trap.Hooks{
		OnTick:          m.onTick,
		RearmTimer:      m.rearmTimer,
		Now:             m.now,
		HandleSyscall:   m.Syscalls.Handle,
		PLICClaim:       plicDev.Claim,
		PLICComplete:    plicDev.Complete,
		HandleDeviceIRQ: m.handleDeviceIRQ,
		CurrentRootPA:   m.currentRootPA64,
		KernelRootPA:    func() uint64 { return uint64(mgr.KernelRootPA) },
		SwitchRoot:      func(uint64) {}, // single address space in the hosted simulator; nothing to swap
		Shutdown:        cfg.shutdown,
	}, metrics)
	m.Trap.EnableTimerInterrupt(interval)

	if cfg.EnableUserTest {
		if err := m.spawnUserTest(cfg.UserCode, cfg.UserData); err != nil {
			log.Warn("user: setup failed, continue in kernel", "error", err)
		}
	}

	return m, nil
}

func (cfg Config) shutdown(reason string) {
	if cfg.SBI != nil {
		cfg.SBI.Shutdown(reason)
	}
}

func parseOrFallback(blob []byte, board kconfig.Board, log *logging.Logger) (dtb.Info, error) {
	if blob == nil {
		return dtb.Info{}, nil
	}
	info, err := dtb.Parse(blob)
	if err != nil {
		log.Warn("dtb parse error", "error", err)
		return dtb.Info{}, nil
	}
	return info, nil
}

// applyDTB overlays facts the device tree reported on top of the board
// defaults, the Go equivalent of main.rs logging dtb_info's uart/plic/
// timebase fields and then handing mm::init the parsed memory regions.
func applyDTB(board kconfig.Board, info dtb.Info) kconfig.Board {
	if len(info.Memory) > 0 {
		board.MemoryBase = info.Memory[0].Base
		board.MemorySize = info.Memory[0].Size
	}
	if info.TimebaseHz != 0 {
		board.TimebaseHz = info.TimebaseHz
	}
	if info.UART != nil {
		board.UARTBase = info.UART.Reg.Base
	}
	if info.PLIC != nil {
		board.PLICBase = info.PLIC.Reg.Base
	}
	return board
}

// virtioBase returns the MMIO base of the virtio device in info at the
// position deviceID occupies (the first virtio-mmio node for blk, the
// second for net), falling back to a fixed offset when the board has no
// such DTB-reported device (the Config.Board-only bring-up path).
func virtioBase(info dtb.Info, deviceID uint32, fallback uint64) uint64 {
	for i, dev := range info.VirtioDevices {
		// The DTB's virtio-mmio nodes don't encode the device id
		// directly; QEMU enumerates them in a fixed order matching
		// how the machine model wires up -device virtio-*-device.
		if deviceID == virtio.DeviceIDBlk && i == 0 {
			return dev.Reg.Base
		}
		if deviceID == virtio.DeviceIDNet && i == 1 {
			return dev.Reg.Base
		}
	}
	return fallback
}

func (m *Machine) currentRootPA() mm.PhysAddr {
	return mm.PhysAddr(m.currentRootPA64())
}

func (m *Machine) currentRootPA64() uint64 {
	id := m.Scheduler.Current()
	if id == sched.IdleTask {
		return uint64(m.MM.KernelRootPA)
	}
	tcb, ok := m.Scheduler.Table.Get(id)
	if !ok || !tcb.IsUser {
		return uint64(m.MM.KernelRootPA)
	}
	return tcb.UserRootPA
}

func (m *Machine) onTick(n uint64) {
	ticks := m.Clock.Tick()
	if ticks%100 == 0 {
		m.log.Info("scheduler: tick", "ticks", ticks)
	}
	m.Scheduler.TickSleepers()
	if m.Scheduler.ShouldPreempt() {
		m.Scheduler.Preempt()
		m.Scheduler.Schedule()
	}
}

// now returns the simulated hart's current timebase-unit clock, the
// hosted counterpart of reading the mtime CSR.
func (m *Machine) now() uint64 {
	return m.virtualNow
}

// rearmTimer advances the next timer deadline from now and programs it
// through the SBI-equivalent provider, mirroring sbi::set_timer; the
// hart loop's Tick only delivers the next timer interrupt once it
// observes this deadline has passed.
func (m *Machine) rearmTimer(now uint64) uint64 {
	next := now + m.timerInterval
	m.timerDeadline = next
	if m.sbi != nil {
		m.sbi.SetTimer(next)
	}
	return next
}

// handleDeviceIRQ dispatches a claimed PLIC IRQ to whichever virtio
// device owns it, draining its completed/pending queues the way the
// original's trap handler calls into virtio_blk/virtio_net from the
// external-interrupt path.
func (m *Machine) handleDeviceIRQ(irq uint32) bool {
	handled := false
	if m.Block != nil {
		if n := m.Block.ProcessQueue(context.Background()); n > 0 {
			handled = true
		}
	}
	if m.Net != nil {
		if n := m.Net.ProcessTX(); n > 0 {
			handled = true
		}
	}
	return handled
}

// builtinUserCode is the original's fixed write(1, msg, 12); exit(0)
// smoke-test program, used verbatim when Config.UserCode is nil.
var builtinUserCode = []byte{
	0x13, 0x05, 0x10, 0x00, // addi a0, zero, 1
	0xb7, 0x15, 0x00, 0x40, // lui a1, 0x40001
	0x13, 0x06, 0xc0, 0x00, // addi a2, zero, 12
	0x93, 0x08, 0x00, 0x04, // addi a7, zero, 64 (write)
	0x73, 0x00, 0x00, 0x00, // ecall
	0x93, 0x08, 0xd0, 0x05, // addi a7, zero, 93 (exit)
	0x13, 0x05, 0x00, 0x00, // addi a0, zero, 0
	0x73, 0x00, 0x00, 0x00, // ecall
	0x6f, 0x00, 0x00, 0x00, // j .
}

var builtinUserData = []byte("user: hello\n")

// spawnUserTest allocates a fresh task and page table, loads the user
// program, and promotes the task to user mode, mirroring
// config::ENABLE_USER_TEST's prepare_user_test + runtime::spawn_user.
func (m *Machine) spawnUserTest(code, data []byte) error {
	if code == nil {
		code = builtinUserCode
		data = builtinUserData
	}

	rootPA, err := m.MM.Frames.Alloc()
	if err != nil {
		return kerrors.Wrap(subsystem, "spawnUserTest", err)
	}
	m.MM.Phys.Zero(rootPA, mm.PageSize)

	uc, err := ktask.LoadUserProgram(m.MM, rootPA, code, data)
	if err != nil {
		return kerrors.Wrap(subsystem, "spawnUserTest", err)
	}

	id, ok := m.Scheduler.Spawn()
	if !ok {
		return kerrors.New(subsystem, "spawnUserTest", kerrors.CodeNoMem, "no free task slots for user test")
	}
	if _, err := m.Stacks.AllocTaskStack(); err != nil {
		m.log.Warn("user: failed to allocate kernel stack", "error", err)
	}
	m.Scheduler.Table.SetUserContext(id, uint64(uc.RootPA), uc.Entry, uc.UserSP)
	pid := m.Proc.Create(id, 0)

	m.log.Info("user: spawn user task", "entry", fmt.Sprintf("%#x", uc.Entry), "pid", pid)
	return nil
}

// EntryTrapFrame builds the trap frame a task's first entry into user
// mode starts from: sepc at the program's entry point and the user
// stack pointer in UserSP, the fields real hardware would restore from
// sscratch/sepc on sret.
func EntryTrapFrame(entry, userSP uint64) *trap.TrapFrame {
	return &trap.TrapFrame{Sepc: entry, UserSP: userSP}
}

// Dispatch runs one trap through the wired trap dispatcher, returning
// whether the handling task blocked (the caller should reschedule rather
// than resume tf).
func (m *Machine) Dispatch(tf *trap.TrapFrame) bool {
	return m.Trap.Dispatch(tf)
}

// Tick advances the hart's virtual timebase clock by one tick period and
// only delivers a timer interrupt once that clock reaches the deadline
// most recently armed via rearmTimer, the hosted equivalent of a wfi loop
// spinning on mtime < mtimecmp.
func (m *Machine) Tick() {
	m.virtualNow += m.timerInterval
	if m.virtualNow < m.timerDeadline {
		return
	}
	tf := &trap.TrapFrame{Scause: uint64(1)<<63 | trap.ScauseSupervisorTimer}
	m.Trap.Dispatch(tf)
}

// Resume completes a task that previously blocked inside Handle, once
// the scheduler reports it Ready again. It reports whether the task is
// actually ready to resume to user space.
func (m *Machine) Resume(taskID sched.TaskID, tf *trap.TrapFrame) bool {
	return m.Syscalls.CompleteAfterWake(taskID, tf)
}
