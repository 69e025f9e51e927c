package plic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/mm"
)

func TestClaimReflectsRaisedIRQ(t *testing.T) {
	mem := mm.NewMemory(1 << 22)
	p := New(mem, 0)

	_, ok := p.Claim()
	require.False(t, ok)

	p.Enable(7)
	p.Raise(7)

	irq, ok := p.Claim()
	require.True(t, ok)
	require.Equal(t, uint32(7), irq)
}

func TestCompleteClearsReservedZero(t *testing.T) {
	mem := mm.NewMemory(1 << 22)
	p := New(mem, 0)
	p.Enable(0)
	_, ok := p.Claim()
	require.False(t, ok)
	p.Complete(0)
}
