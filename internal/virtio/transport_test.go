package virtio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurora-os/aurora/internal/mm"
)

// queueLayout is a convenience for tests: it lays out a queue's desc,
// avail, and used rings back to back in a fresh mm.Memory arena and
// drives the corresponding MMIO registers to point the transport at
// them.
type queueLayout struct {
	mem      *mm.Memory
	descBase uint64
	availBase uint64
	usedBase  uint64
	qSize    uint32
}

func setupQueue(t *testing.T, mem *mm.Memory, tr *Transport, qIdx int, qSize uint32) *queueLayout {
	t.Helper()
	descBase := uint64(0x1000)
	availBase := descBase + uint64(qSize)*descSize
	usedBase := availBase + 4 + uint64(qSize)*2
	l := &queueLayout{mem: mem, descBase: descBase, availBase: availBase, usedBase: usedBase, qSize: qSize}

	writeReg := func(off uint64, v uint32) {
		require.NoError(t, tr.WriteReg(off, v))
	}
	writeReg(RegQueueSel, uint32(qIdx))
	writeReg(RegQueueNum, qSize)
	writeReg(RegQueueDescLow, uint32(descBase))
	writeReg(RegQueueDescHigh, uint32(descBase>>32))
	writeReg(RegQueueAvailLow, uint32(availBase))
	writeReg(RegQueueAvailHigh, uint32(availBase>>32))
	writeReg(RegQueueUsedLow, uint32(usedBase))
	writeReg(RegQueueUsedHigh, uint32(usedBase>>32))
	writeReg(RegQueueReady, 1)
	return l
}

func (l *queueLayout) writeDesc(idx uint16, d Desc) {
	buf := make([]byte, descSize)
	putLeUint64(buf[0:8], d.Addr)
	putLeUint32(buf[8:12], d.Len)
	putLeUint16(buf[12:14], d.Flags)
	putLeUint16(buf[14:16], d.Next)
	l.mem.WriteAt(mm.PhysAddr(l.descBase+uint64(idx)*descSize), buf)
}

func putLeUint64(b []byte, v uint64) {
	putLeUint32(b[0:4], uint32(v))
	putLeUint32(b[4:8], uint32(v>>32))
}

// pushAvail appends headIdx to the avail ring and bumps avail.idx.
func (l *queueLayout) pushAvail(headIdx uint16) {
	idxBuf := make([]byte, 2)
	l.mem.ReadAt(mm.PhysAddr(l.availBase+2), idxBuf)
	idx := leUint16(idxBuf)

	slot := idx % uint16(l.qSize)
	entryBuf := make([]byte, 2)
	putLeUint16(entryBuf, headIdx)
	l.mem.WriteAt(mm.PhysAddr(l.availBase+4+uint64(slot)*2), entryBuf)

	putLeUint16(idxBuf, idx+1)
	l.mem.WriteAt(mm.PhysAddr(l.availBase+2), idxBuf)
}

func (l *queueLayout) usedLen(head uint16) (uint32, uint32) {
	idxBuf := make([]byte, 2)
	l.mem.ReadAt(mm.PhysAddr(l.usedBase+2), idxBuf)
	idx := leUint16(idxBuf)
	entry := make([]byte, 8)
	l.mem.ReadAt(mm.PhysAddr(l.usedBase+4+uint64((idx-1)%uint16(l.qSize))*8), entry)
	return leUint32(entry[0:4]), leUint32(entry[4:8])
}

func negotiateBasic(t *testing.T, tr *Transport) {
	t.Helper()
	require.NoError(t, tr.WriteReg(RegStatus, StatusAcknowledge))
	require.NoError(t, tr.WriteReg(RegStatus, StatusAcknowledge|StatusDriver))
	require.NoError(t, tr.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK))
	require.NoError(t, tr.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK))
}

func TestTransportStatusNegotiationSequence(t *testing.T) {
	mem := mm.NewMemory(1 << 16)
	tr := NewTransport(mem, 0x10001000, DeviceIDBlk, blkFeatureFlush)
	negotiateBasic(t, tr)

	v, err := tr.ReadReg(RegStatus)
	require.NoError(t, err)
	require.Equal(t, uint32(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK), v)
}

func TestTransportRejectsUnsupportedFeature(t *testing.T) {
	mem := mm.NewMemory(1 << 16)
	tr := NewTransport(mem, 0x10001000, DeviceIDBlk, 0)

	require.NoError(t, tr.WriteReg(RegStatus, StatusAcknowledge|StatusDriver))
	// Ask for bit 9 (flush), which this device wasn't constructed to
	// advertise.
	require.NoError(t, tr.WriteReg(RegDriverFeaturesSel, 0))
	require.NoError(t, tr.WriteReg(RegDriverFeatures, blkFeatureFlush))
	err := tr.WriteReg(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	require.Error(t, err)

	v, _ := tr.ReadReg(RegStatus)
	require.NotZero(t, v&StatusFailed)
}

func TestPendingChainsAndCompleteChain(t *testing.T) {
	mem := mm.NewMemory(1 << 20)
	tr := NewTransport(mem, 0x10001000, DeviceIDBlk, blkFeatureFlush)
	l := setupQueue(t, mem, tr, 0, 8)

	l.writeDesc(0, Desc{Addr: 0x2000, Len: 16, Flags: descFlagNext, Next: 1})
	l.writeDesc(1, Desc{Addr: 0x3000, Len: 512, Flags: 0})
	l.pushAvail(0)

	chains, heads := tr.PendingChains(0, 10)
	require.Len(t, chains, 1)
	require.Len(t, chains[0], 2)
	require.Equal(t, uint16(0), heads[0])

	tr.CompleteChain(0, heads[0], 513)
	writtenID, writtenLen := l.usedLen(heads[0])
	require.Equal(t, uint32(0), writtenID)
	require.Equal(t, uint32(513), writtenLen)

	chains, _ = tr.PendingChains(0, 10)
	require.Empty(t, chains)
}
