package virtio

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
)

// MMIO register offsets, virtio-mmio version 2 (the "modern", 64-bit
// split-address layout QEMU's virt machine exposes).
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptACK      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueAvailLow     = 0x090
	RegQueueAvailHigh    = 0x094
	RegQueueUsedLow      = 0x0a0
	RegQueueUsedHigh     = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfigBase        = 0x100
)

const magicValue = 0x74726976 // "virt", little-endian on the wire

// Device IDs, subset relevant to this kernel.
const (
	DeviceIDNet = 1
	DeviceIDBlk = 2
)

// Status register bits.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

const (
	maxQueueSize = 256
	// maxQueues covers virtio-blk's single request queue and
	// virtio-net's separate RX (0) and TX (1) queues.
	maxQueues = 2
)

// queueState is one virtqueue's configuration and split-ring addresses,
// selected via RegQueueSel the way a real virtio-mmio device multiplexes
// several queues behind one register file.
type queueState struct {
	num          uint32
	ready        bool
	descPA       uint64
	availPA      uint64
	usedPA       uint64
	lastAvailIdx uint16
}

// Transport is the MMIO register file plus split-virtqueue state for one
// virtio device, backed by the same mm.Memory arena as the rest of
// physical memory for the descriptor/avail/used rings (the control
// registers themselves, like real hardware registers, are not
// memory-backed; only the rings a driver sets up in its own RAM are). It
// plays both roles a real setup splits across two parties: the
// config-space registers a driver negotiates through, and the rings a
// device walks to service requests, since Aurora's simulator has no
// separate QEMU process to own the device side.
type Transport struct {
	mu       sync.Mutex
	mem      *mm.Memory
	base     mm.PhysAddr
	deviceID uint32

	deviceFeatures uint64
	driverFeatures uint64
	featuresSel    uint32

	status uint32

	queueSel uint32
	queues   [maxQueues]queueState

	irqPending bool
}

// NewTransport creates a virtio-mmio transport for deviceID at base,
// advertising deviceFeatures as the device's supported feature bits.
func NewTransport(mem *mm.Memory, base mm.PhysAddr, deviceID uint32, deviceFeatures uint64) *Transport {
	return &Transport{
		mem:            mem,
		base:           base,
		deviceID:       deviceID,
		deviceFeatures: deviceFeatures,
	}
}

func (t *Transport) curQueue() *queueState {
	sel := t.queueSel
	if sel >= maxQueues {
		sel = maxQueues - 1
	}
	return &t.queues[sel]
}

// ReadReg services a driver's 32-bit register read.
func (t *Transport) ReadReg(off uint64) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch off {
	case RegMagicValue:
		return magicValue, nil
	case RegVersion:
		return 2, nil
	case RegDeviceID:
		return t.deviceID, nil
	case RegVendorID:
		return 0xaa55, nil
	case RegDeviceFeatures:
		if t.featuresSel == 1 {
			return uint32(t.deviceFeatures >> 32), nil
		}
		return uint32(t.deviceFeatures), nil
	case RegQueueNumMax:
		return maxQueueSize, nil
	case RegQueueReady:
		if t.curQueue().ready {
			return 1, nil
		}
		return 0, nil
	case RegInterruptStatus:
		if t.irqPending {
			return 1, nil
		}
		return 0, nil
	case RegStatus:
		return t.status, nil
	case RegConfigGeneration:
		return 0, nil
	default:
		return 0, nil
	}
}

// WriteReg services a driver's 32-bit register write, driving the
// feature/status negotiation state machine and queue setup.
func (t *Transport) WriteReg(off uint64, v uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch off {
	case RegDeviceFeaturesSel:
		t.featuresSel = v
	case RegDriverFeaturesSel:
		// Only 0/1 are meaningful; stored implicitly via which half of
		// DriverFeatures is written next.
		t.featuresSel = v
	case RegDriverFeatures:
		if t.featuresSel == 1 {
			t.driverFeatures = t.driverFeatures&0xffffffff | uint64(v)<<32
		} else {
			t.driverFeatures = t.driverFeatures&0xffffffff00000000 | uint64(v)
		}
	case RegStatus:
		return t.writeStatus(v)
	case RegQueueSel:
		t.queueSel = v
	case RegQueueNum:
		t.curQueue().num = v
	case RegQueueReady:
		t.curQueue().ready = v != 0
	case RegQueueDescLow:
		q := t.curQueue()
		q.descPA = q.descPA&0xffffffff00000000 | uint64(v)
	case RegQueueDescHigh:
		q := t.curQueue()
		q.descPA = q.descPA&0xffffffff | uint64(v)<<32
	case RegQueueAvailLow:
		q := t.curQueue()
		q.availPA = q.availPA&0xffffffff00000000 | uint64(v)
	case RegQueueAvailHigh:
		q := t.curQueue()
		q.availPA = q.availPA&0xffffffff | uint64(v)<<32
	case RegQueueUsedLow:
		q := t.curQueue()
		q.usedPA = q.usedPA&0xffffffff00000000 | uint64(v)
	case RegQueueUsedHigh:
		q := t.curQueue()
		q.usedPA = q.usedPA&0xffffffff | uint64(v)<<32
	case RegQueueNotify:
		// handled by the device-side ProcessQueue call, driven by the
		// caller after WriteReg returns (this models the asynchronous
		// nature of a real device noticing the doorbell).
	case RegInterruptACK:
		t.irqPending = false
	}
	return nil
}

func (t *Transport) writeStatus(v uint32) error {
	if v == 0 {
		t.status = 0
		t.driverFeatures = 0
		t.featuresSel = 0
		t.queueSel = 0
		t.queues = [maxQueues]queueState{}
		t.irqPending = false
		return nil
	}
	if v&StatusFailed != 0 {
		t.status = StatusFailed
		return nil
	}
	// Reject a features-ok transition the device wouldn't actually
	// accept (driver asked for a feature bit the device never offered).
	if v&StatusFeaturesOK != 0 && t.driverFeatures&^t.deviceFeatures != 0 {
		t.status |= StatusFailed
		return kerrors.New(subsystem, "negotiate", kerrors.CodeInval, "driver requested unsupported feature bits")
	}
	t.status = v
	return nil
}

// Ready reports whether the device has completed negotiation
// (DRIVER_OK set) and queue 0 is configured.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status&StatusDriverOK != 0 && t.queues[0].ready
}

// RaiseIRQ marks the transport's interrupt-status register so the PLIC
// model backing this device's IRQ line can be raised by the caller.
func (t *Transport) RaiseIRQ() {
	t.mu.Lock()
	t.irqPending = true
	t.mu.Unlock()
}

const descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2
)

// Desc is one descriptor-chain entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (t *Transport) readDesc(q *queueState, idx uint16) Desc {
	pa := q.descPA + uint64(idx)*descSize
	buf := make([]byte, descSize)
	t.mem.ReadAt(mm.PhysAddr(pa), buf)
	return Desc{
		Addr:  leUint64(buf[0:8]),
		Len:   leUint32(buf[8:12]),
		Flags: leUint16(buf[12:14]),
		Next:  leUint16(buf[14:16]),
	}
}

// availRing layout: flags(2) idx(2) ring[queueNum](2 each).
func (t *Transport) availIdx(q *queueState) uint16 {
	buf := make([]byte, 2)
	t.mem.ReadAt(mm.PhysAddr(q.availPA+2), buf)
	return leUint16(buf)
}

func (t *Transport) availRingEntry(q *queueState, slot uint16) uint16 {
	off := q.availPA + 4 + uint64(slot)*2
	buf := make([]byte, 2)
	t.mem.ReadAt(mm.PhysAddr(off), buf)
	return leUint16(buf)
}

// usedRing layout: flags(2) idx(2) ring[queueNum]{id(4) len(4)}.
func (t *Transport) usedIdx(q *queueState) uint16 {
	buf := make([]byte, 2)
	t.mem.ReadAt(mm.PhysAddr(q.usedPA+2), buf)
	return leUint16(buf)
}

func (t *Transport) pushUsed(q *queueState, descHead uint16, writtenLen uint32) {
	idx := t.usedIdx(q)
	slot := idx % uint16(q.num)
	off := q.usedPA + 4 + uint64(slot)*8
	buf := make([]byte, 8)
	putLeUint32(buf[0:4], uint32(descHead))
	putLeUint32(buf[4:8], writtenLen)
	t.mem.WriteAt(mm.PhysAddr(off), buf)
	// fence(SeqCst) in the original between writing the used entry and
	// publishing the new idx: Go's memory model gives that ordering for
	// free here since there's no second hardware thread racing this
	// write, only the mutex-serialized register reads above.
	idxBuf := make([]byte, 2)
	putLeUint16(idxBuf, idx+1)
	t.mem.WriteAt(mm.PhysAddr(q.usedPA+2), idxBuf)
}

func (t *Transport) queue(idx int) *queueState {
	if idx < 0 || idx >= maxQueues {
		idx = 0
	}
	return &t.queues[idx]
}

// PendingChains returns the descriptor chains (as lists of Desc, head to
// tail) posted to virtqueue qIdx's avail ring since the last call, up to
// limit chains. It advances the queue's last-seen avail index.
func (t *Transport) PendingChains(qIdx, limit int) ([][]Desc, []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queue(qIdx)
	if q.num == 0 {
		return nil, nil
	}
	avail := t.availIdx(q)
	var chains [][]Desc
	var heads []uint16
	for q.lastAvailIdx != avail && len(chains) < limit {
		slot := q.lastAvailIdx % uint16(q.num)
		headIdx := t.availRingEntry(q, slot)
		q.lastAvailIdx++

		var chain []Desc
		idx := headIdx
		for {
			d := t.readDesc(q, idx)
			chain = append(chain, d)
			if d.Flags&descFlagNext == 0 {
				break
			}
			idx = d.Next
		}
		chains = append(chains, chain)
		heads = append(heads, headIdx)
	}
	return chains, heads
}

// CompleteChain publishes a used-ring entry on virtqueue qIdx for the
// chain whose head descriptor index is head, and raises the device's
// IRQ line.
func (t *Transport) CompleteChain(qIdx int, head uint16, writtenLen uint32) {
	t.mu.Lock()
	t.pushUsed(t.queue(qIdx), head, writtenLen)
	t.mu.Unlock()
	t.RaiseIRQ()
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[0:4])) | uint64(leUint32(b[4:8]))<<32
}
func putLeUint16(b []byte, v uint16) { b[0], b[1] = byte(v), byte(v>>8) }
func putLeUint32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
