package virtio

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHostFileBackendWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenHostFile(path, 4096, 4)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, int64(4096), b.Size())

	n, err := b.WriteAt(context.Background(), []byte("hello disk"), 100)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	buf := make([]byte, 10)
	n, err = b.ReadAt(context.Background(), buf, 100)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "hello disk", string(buf))
}

func TestHostFileBackendFlushSyncsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenHostFile(path, 4096, 4)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Flush(context.Background()))
}
