package sbi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeSBIRecordsConsoleOutput(t *testing.T) {
	f := NewFakeSBI()
	for _, b := range []byte("hi") {
		f.ConsolePutChar(b)
	}
	require.Equal(t, []byte("hi"), f.Console)
}

func TestFakeSBIRecordsTimerAndShutdown(t *testing.T) {
	f := NewFakeSBI()
	f.SetTimer(12345)
	require.Equal(t, uint64(12345), f.TimerDeadline)

	f.Shutdown("panic")
	require.Equal(t, []string{"panic"}, f.ShutdownCalls)
}
