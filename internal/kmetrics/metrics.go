// Package kmetrics tracks kernel runtime statistics: trap counts by cause,
// syscall latency, scheduler context switches, and virtio request latency.
package kmetrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics aggregates counters for one kernel instance.
type Metrics struct {
	// Trap counters, indexed informally by scause classification.
	TimerInterrupts    atomic.Uint64
	ExternalInterrupts atomic.Uint64
	Syscalls           atomic.Uint64
	PageFaults         atomic.Uint64
	UnhandledTraps     atomic.Uint64

	// Scheduler counters.
	ContextSwitches atomic.Uint64
	TasksBlocked    atomic.Uint64
	TasksWoken      atomic.Uint64
	TaskTimeouts    atomic.Uint64

	// Virtio counters.
	BlockReads    atomic.Uint64
	BlockWrites   atomic.Uint64
	BlockBytes    atomic.Uint64
	BlockErrors   atomic.Uint64
	NetPacketsRx  atomic.Uint64
	NetPacketsTx  atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// New creates a metrics instance, stamping StartTime with now (Unix nanos).
func New(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordTrap accounts a trap of the given kind into the matching counter.
func (m *Metrics) RecordTrap(kind TrapKind) {
	switch kind {
	case TrapTimer:
		m.TimerInterrupts.Add(1)
	case TrapExternal:
		m.ExternalInterrupts.Add(1)
	case TrapSyscall:
		m.Syscalls.Add(1)
	case TrapPageFault:
		m.PageFaults.Add(1)
	default:
		m.UnhandledTraps.Add(1)
	}
}

// TrapKind classifies a trap for metrics purposes.
type TrapKind int

const (
	TrapTimer TrapKind = iota
	TrapExternal
	TrapSyscall
	TrapPageFault
	TrapOther
)

// RecordLatency records an operation's latency and updates the histogram.
func (m *Metrics) RecordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordBlockOp records a virtio-blk completion.
func (m *Metrics) RecordBlockOp(write bool, bytes uint64, latencyNs uint64, success bool) {
	if write {
		m.BlockWrites.Add(1)
	} else {
		m.BlockReads.Add(1)
	}
	if success {
		m.BlockBytes.Add(bytes)
	} else {
		m.BlockErrors.Add(1)
	}
	m.RecordLatency(latencyNs)
}

// Snapshot is a point-in-time copy of the counters, safe to log or export.
type Snapshot struct {
	TimerInterrupts    uint64
	ExternalInterrupts uint64
	Syscalls           uint64
	PageFaults         uint64
	UnhandledTraps     uint64
	ContextSwitches    uint64
	TasksBlocked       uint64
	TasksWoken         uint64
	TaskTimeouts       uint64
	BlockReads         uint64
	BlockWrites        uint64
	BlockBytes         uint64
	BlockErrors        uint64
	NetPacketsRx       uint64
	NetPacketsTx       uint64
	AvgLatencyNs       uint64
	UptimeNs           uint64
}

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		TimerInterrupts:    m.TimerInterrupts.Load(),
		ExternalInterrupts: m.ExternalInterrupts.Load(),
		Syscalls:           m.Syscalls.Load(),
		PageFaults:         m.PageFaults.Load(),
		UnhandledTraps:     m.UnhandledTraps.Load(),
		ContextSwitches:    m.ContextSwitches.Load(),
		TasksBlocked:       m.TasksBlocked.Load(),
		TasksWoken:         m.TasksWoken.Load(),
		TaskTimeouts:       m.TaskTimeouts.Load(),
		BlockReads:         m.BlockReads.Load(),
		BlockWrites:        m.BlockWrites.Load(),
		BlockBytes:         m.BlockBytes.Load(),
		BlockErrors:        m.BlockErrors.Load(),
		NetPacketsRx:       m.NetPacketsRx.Load(),
		NetPacketsTx:       m.NetPacketsTx.Load(),
		UptimeNs:           uint64(now.UnixNano() - m.StartTime.Load()),
	}
	if op := m.OpCount.Load(); op > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / op
	}
	return s
}
