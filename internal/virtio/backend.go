package virtio

import "context"

// Backend is the storage capability a virtio-blk device needs: random
// access reads and writes over a fixed-size extent. Implementations
// live behind this interface so the block device itself never knows
// whether it's talking to a RAM disk or a host file.
type Backend interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)
	Size() int64
}

// DiscardBackend is an optional capability a Backend may also implement,
// for virtio-blk's discard/unmap request type.
type DiscardBackend interface {
	Backend
	Discard(ctx context.Context, off, length int64) error
}

// FlushBackend is an optional capability for virtio-blk's flush request
// type; backends with no real durability concern (a RAM disk) can skip
// implementing it and the block device treats a missing Flush as a
// no-op success.
type FlushBackend interface {
	Backend
	Flush(ctx context.Context) error
}

// Observer receives lifecycle notifications from a virtio device,
// mirroring the capability-interface pattern used for storage: a device
// can run with or without one wired in.
type Observer interface {
	OnRequest(op string, bytes int)
	OnComplete(op string, bytes int, err error)
}

// NopObserver implements Observer by doing nothing, the default when no
// metrics/logging hook is wired in.
type NopObserver struct{}

func (NopObserver) OnRequest(op string, bytes int)             {}
func (NopObserver) OnComplete(op string, bytes int, err error) {}
