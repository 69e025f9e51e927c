package virtio

import (
	"context"
	"io"
	"sync"

	"github.com/aurora-os/aurora/internal/kerrors"
)

const subsystem = "virtio"

// shardCount splits the RAM disk's backing store into independently
// locked shards so concurrent accesses to different regions (multiple
// in-flight block requests targeting different offsets) don't serialize
// on one global lock.
const shardCount = 16

// RAMDisk is an in-memory Backend: a fixed-size byte arena split into
// RWMutex-guarded shards.
type RAMDisk struct {
	shardSize int64
	shards    []*ramShard
	size      int64
}

type ramShard struct {
	mu   sync.RWMutex
	data []byte
}

// NewRAMDisk creates a RAM disk of the given size, zero-filled.
func NewRAMDisk(size int64) *RAMDisk {
	if size <= 0 {
		size = 0
	}
	shardSize := (size + shardCount - 1) / shardCount
	if shardSize == 0 {
		shardSize = 1
	}
	d := &RAMDisk{shardSize: shardSize, size: size, shards: make([]*ramShard, shardCount)}
	remaining := size
	for i := range d.shards {
		n := shardSize
		if n > remaining {
			n = remaining
		}
		if n < 0 {
			n = 0
		}
		d.shards[i] = &ramShard{data: make([]byte, n)}
		remaining -= n
	}
	return d
}

func (d *RAMDisk) Size() int64 { return d.size }

func (d *RAMDisk) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off > d.size {
		return 0, kerrors.New(subsystem, "ramdisk.ReadAt", kerrors.CodeInval, "offset out of range")
	}
	n := 0
	for n < len(p) && off+int64(n) < d.size {
		shardIdx := (off + int64(n)) / d.shardSize
		shardOff := (off + int64(n)) % d.shardSize
		shard := d.shards[shardIdx]

		shard.mu.RLock()
		chunk := copy(p[n:], shard.data[shardOff:])
		shard.mu.RUnlock()

		n += chunk
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (d *RAMDisk) WriteAt(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, kerrors.New(subsystem, "ramdisk.WriteAt", kerrors.CodeInval, "write out of range")
	}
	n := 0
	for n < len(p) {
		shardIdx := (off + int64(n)) / d.shardSize
		shardOff := (off + int64(n)) % d.shardSize
		shard := d.shards[shardIdx]

		shard.mu.Lock()
		chunk := copy(shard.data[shardOff:], p[n:])
		shard.mu.Unlock()

		n += chunk
	}
	return n, nil
}

func (d *RAMDisk) Flush(_ context.Context) error { return nil }

var (
	_ Backend      = (*RAMDisk)(nil)
	_ FlushBackend = (*RAMDisk)(nil)
)
