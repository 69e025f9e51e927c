// Package kconfig holds kernel-wide tunables, the Go counterpart of the
// original runtime's config module. An optional YAML overlay lets
// integration tests and board bring-up override memory size and MMIO
// bases without recompiling.
package kconfig

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aurora-os/aurora/internal/logging"
)

const (
	// DefaultTickHz is the default timer tick frequency driving the
	// scheduler's preemption clock.
	DefaultTickHz uint64 = 10
	// SchedIntervalTicks is the number of ticks between forced
	// reschedules of the currently running task.
	SchedIntervalTicks uint64 = 100
	// MaxTasks bounds the fixed-size run queue, wait queue, and sleep
	// queue slot tables.
	MaxTasks = 8
	// MaxAsyncTasks is the original configuration's async task-table
	// bound; this module has no async executor and no package reads it.
	MaxAsyncTasks = 16
	// MaxFutexSlots bounds the futex subsystem's slot table.
	MaxFutexSlots = 2 * MaxTasks
	// UserTestBase is the virtual base address of the built-in user
	// test image.
	UserTestBase uintptr = 0x4000_0000
	// PageSize is the Sv39 base page size.
	PageSize = 4096
	// MaxOpenFiles bounds the single-address-space open file descriptor
	// table the syscall layer hands out fds against.
	MaxOpenFiles = 64
	// MaxSockets bounds the fixed socket slot table.
	MaxSockets = 32
	// MaxPathLen bounds a path argument copied in from user memory.
	MaxPathLen = 256
)

// Board captures devicetree-adjacent quantities that a host integration
// test may want to override rather than parse from a real DTB blob.
type Board struct {
	MemoryBase  uint64 `yaml:"memory_base"`
	MemorySize  uint64 `yaml:"memory_size"`
	UARTBase    uint64 `yaml:"uart_base"`
	PLICBase    uint64 `yaml:"plic_base"`
	TimebaseHz  uint64 `yaml:"timebase_hz"`
}

// DefaultBoard matches QEMU's riscv64 virt machine defaults.
func DefaultBoard() Board {
	return Board{
		MemoryBase: 0x8000_0000,
		MemorySize: 128 * 1024 * 1024,
		UARTBase:   0x1000_0000,
		PLICBase:   0x0c00_0000,
		TimebaseHz: 10_000_000,
	}
}

// LoadBoard reads a YAML board overlay from path, falling back to
// DefaultBoard on any error (logged at Warn, never fatal: board config is
// a convenience for tests, not a boot-time requirement).
func LoadBoard(path string) Board {
	board := DefaultBoard()
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Default().Warn("kconfig: failed to read board overlay", "path", path, "error", err)
		return board
	}
	if err := yaml.Unmarshal(data, &board); err != nil {
		logging.Default().Warn("kconfig: failed to parse board overlay", "path", path, "error", err)
		return DefaultBoard()
	}
	return board
}
