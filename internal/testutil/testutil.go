// Package testutil provides fake virtio backends for integration-style
// boot tests, the Go counterpart of the deleted root package's
// MockBackend: small in-memory stand-ins that track calls instead of
// touching real storage or a real socket.
package testutil

import (
	"context"
	"sync"

	"github.com/aurora-os/aurora/internal/kerrors"
)

const subsystem = "testutil"

// MockBackend implements virtio.Backend, virtio.FlushBackend, and
// virtio.DiscardBackend over an in-memory byte slice, tracking call
// counts the way the deleted MockBackend tracked read/write/flush calls.
type MockBackend struct {
	mu sync.Mutex

	data   []byte
	size   int64
	closed bool

	ReadCalls    int
	WriteCalls   int
	FlushCalls   int
	DiscardCalls int
}

// NewMockBackend creates a mock backend of the given size, zero-filled.
func NewMockBackend(size int64) *MockBackend {
	return &MockBackend{data: make([]byte, size), size: size}
}

func (m *MockBackend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadCalls++
	if m.closed {
		return 0, kerrors.New(subsystem, "ReadAt", kerrors.CodeIO, "backend closed")
	}
	if off < 0 || off >= m.size {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MockBackend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteCalls++
	if m.closed {
		return 0, kerrors.New(subsystem, "WriteAt", kerrors.CodeIO, "backend closed")
	}
	if off < 0 || off >= m.size {
		return 0, kerrors.New(subsystem, "WriteAt", kerrors.CodeInval, "offset out of range")
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func (m *MockBackend) Size() int64 { return m.size }

// Flush implements virtio.FlushBackend by just counting the call; a
// mock has no durability to sync.
func (m *MockBackend) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCalls++
	return nil
}

// Discard implements virtio.DiscardBackend by zeroing the range and
// counting the call.
func (m *MockBackend) Discard(ctx context.Context, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DiscardCalls++
	if off < 0 || length < 0 || off+length > m.size {
		return kerrors.New(subsystem, "Discard", kerrors.CodeInval, "range out of bounds")
	}
	for i := off; i < off+length; i++ {
		m.data[i] = 0
	}
	return nil
}

// Close marks the backend closed; later calls report an I/O error, the
// same contract the deleted MockBackend gave Read/WriteAt after Close.
func (m *MockBackend) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Snapshot returns a copy of the backend's current contents, for tests
// that want to assert on what a device wrote without racing the
// backend's own lock.
func (m *MockBackend) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// MockPacketSink implements virtio.PacketSink by recording every packet
// handed to it instead of forwarding it anywhere.
type MockPacketSink struct {
	mu      sync.Mutex
	Packets [][]byte
}

// NewMockPacketSink creates an empty packet sink.
func NewMockPacketSink() *MockPacketSink {
	return &MockPacketSink{}
}

func (s *MockPacketSink) SendPacket(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.Packets = append(s.Packets, cp)
	return nil
}

// Sent returns a copy of every packet recorded so far.
func (s *MockPacketSink) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Packets))
	copy(out, s.Packets)
	return out
}
