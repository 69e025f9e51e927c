package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/mm"
)

type fakeSink struct {
	packets [][]byte
	err     error
}

func (s *fakeSink) SendPacket(payload []byte) error {
	cp := append([]byte(nil), payload...)
	s.packets = append(s.packets, cp)
	return s.err
}

func newTestNetDevice(t *testing.T, sink PacketSink) (*NetDevice, *mm.Memory, *queueLayout, *queueLayout) {
	t.Helper()
	mem := mm.NewMemory(1 << 20)
	dev := NewNetDevice(mem, 0x10002000, sink, nil)
	rx := setupQueue(t, mem, dev.Transport, netRXQueue, 8)
	tx := setupQueue(t, mem, dev.Transport, netTXQueue, 8)
	negotiateBasic(t, dev.Transport)
	return dev, mem, rx, tx
}

func TestNetDeviceProcessTXStripsHeaderAndForwards(t *testing.T) {
	sink := &fakeSink{}
	dev, mem, _, tx := newTestNetDevice(t, sink)

	hdrAddr := uint64(0x7000)
	mem.WriteAt(mm.PhysAddr(hdrAddr), make([]byte, netHeaderSize))

	frame := []byte("ethernet frame payload bytes")
	dataAddr := uint64(0x8000)
	mem.WriteAt(mm.PhysAddr(dataAddr), frame)

	tx.writeDesc(0, Desc{Addr: hdrAddr, Len: netHeaderSize, Flags: descFlagNext, Next: 1})
	tx.writeDesc(1, Desc{Addr: dataAddr, Len: uint32(len(frame))})
	tx.pushAvail(0)

	n := dev.ProcessTX()
	require.Equal(t, 1, n)
	require.Len(t, sink.packets, 1)
	require.Equal(t, frame, sink.packets[0])
}

func TestNetDeviceDeliverPacketFillsPostedRXBuffer(t *testing.T) {
	dev, mem, rx, _ := newTestNetDevice(t, nil)

	rxBufAddr := uint64(0x9000)
	rx.writeDesc(0, Desc{Addr: rxBufAddr, Len: netHeaderSize + 64, Flags: descFlagWrite})
	rx.pushAvail(0)

	pkt := []byte("inbound packet data")
	ok := dev.DeliverPacket(pkt)
	require.True(t, ok)

	got := make([]byte, netHeaderSize+len(pkt))
	mem.ReadAt(mm.PhysAddr(rxBufAddr), got)
	require.Equal(t, make([]byte, netHeaderSize), got[:netHeaderSize])
	require.Equal(t, pkt, got[netHeaderSize:])

	_, writtenLen := rx.usedLen(0)
	require.Equal(t, uint32(netHeaderSize+len(pkt)), writtenLen)
}

func TestNetDeviceDeliverPacketDropsWhenNoRXBufferPosted(t *testing.T) {
	dev, _, _, _ := newTestNetDevice(t, nil)

	ok := dev.DeliverPacket([]byte("dropped"))
	require.False(t, ok)
}
