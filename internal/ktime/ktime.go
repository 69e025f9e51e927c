// Package ktime tracks the kernel's tick counter and the timebase/tick-hz
// relationship used to convert ticks to milliseconds for scheduler
// timeouts.
package ktime

import "sync/atomic"

// Clock is the kernel-wide tick source.
type Clock struct {
	timebaseHz atomic.Uint64
	tickHz     atomic.Uint64
	interval   atomic.Uint64
	ticks      atomic.Uint64
}

// New creates a Clock with the given timebase and desired tick frequency,
// returning the tick interval in timebase units (as the original's
// time::init does).
func New(timebaseHz, tickHz uint64) (*Clock, uint64) {
	c := &Clock{}
	c.timebaseHz.Store(timebaseHz)
	c.tickHz.Store(tickHz)
	var interval uint64
	if tickHz != 0 {
		interval = timebaseHz / tickHz
	}
	c.interval.Store(interval)
	return c, interval
}

// Tick advances the tick counter and returns the new value.
func (c *Clock) Tick() uint64 {
	return c.ticks.Add(1)
}

// Ticks returns the current tick count.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }

// TimebaseHz returns the configured timebase frequency.
func (c *Clock) TimebaseHz() uint64 { return c.timebaseHz.Load() }

// TickHz returns the configured tick frequency.
func (c *Clock) TickHz() uint64 { return c.tickHz.Load() }

// IntervalTicks returns the timebase-unit interval between ticks.
func (c *Clock) IntervalTicks() uint64 { return c.interval.Load() }

// UptimeMs converts the current tick count to milliseconds of uptime.
func (c *Clock) UptimeMs() uint64 {
	hz := c.TickHz()
	if hz == 0 {
		return 0
	}
	return c.Ticks() * 1000 / hz
}

// MsToTicks converts a millisecond duration to a tick count, rounding up
// so a requested timeout never expires early.
func (c *Clock) MsToTicks(ms uint64) uint64 {
	hz := c.TickHz()
	if hz == 0 {
		return 0
	}
	return (ms*hz + 999) / 1000
}
