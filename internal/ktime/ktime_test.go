package ktime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewComputesInterval(t *testing.T) {
	c, interval := New(10_000_000, 10)
	require.Equal(t, uint64(1_000_000), interval)
	require.Equal(t, uint64(1_000_000), c.IntervalTicks())
}

func TestTickAdvancesAndUptime(t *testing.T) {
	c, _ := New(10_000_000, 10)
	for i := 0; i < 5; i++ {
		c.Tick()
	}
	require.Equal(t, uint64(5), c.Ticks())
	require.Equal(t, uint64(500), c.UptimeMs())
}

func TestMsToTicksRoundsUp(t *testing.T) {
	c, _ := New(10_000_000, 10)
	require.Equal(t, uint64(1), c.MsToTicks(1))
	require.Equal(t, uint64(10), c.MsToTicks(1000))
}
