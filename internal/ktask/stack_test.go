package ktask

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/mm"
)

func TestNewStackTopIsAboveGuardPage(t *testing.T) {
	frames := mm.NewFrameAllocator(0, 1<<20)
	s, err := NewStack(frames)
	require.NoError(t, err)
	require.Greater(t, s.Top(), uint64(s.base))
	require.Equal(t, uint64(stackPages)*mm.PageSize, s.Top()-uint64(s.base))
}

func TestPoolInitIdleStackIsIdempotent(t *testing.T) {
	frames := mm.NewFrameAllocator(0, 1<<20)
	p := NewPool(frames)
	a, err := p.InitIdleStack()
	require.NoError(t, err)
	b, err := p.InitIdleStack()
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestPoolAllocTaskStackExhausts(t *testing.T) {
	frames := mm.NewFrameAllocator(0, 1<<20)
	p := NewPool(frames)
	for i := 0; i < kconfig.MaxTasks; i++ {
		_, err := p.AllocTaskStack()
		require.NoError(t, err)
	}
	_, err := p.AllocTaskStack()
	require.Error(t, err)
}
