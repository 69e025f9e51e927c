package virtio

import (
	"github.com/aurora-os/aurora/internal/kmetrics"
	"github.com/aurora-os/aurora/internal/mm"
)

const (
	netRXQueue = 0
	netTXQueue = 1
)

// virtio_net_hdr without VIRTIO_NET_F_MRG_RXBUF: flags(1) gso_type(1)
// hdr_len(2) gso_size(2) csum_start(2) csum_offset(2) = 10 bytes. Aurora
// doesn't offer checksum or GSO offload features, so every header this
// device writes or expects is all-zero.
const netHeaderSize = 10

// PacketSink is where a virtio-net device hands outbound (TX) packets,
// e.g. a host-side raw socket or loopback buffer in tests.
type PacketSink interface {
	SendPacket(payload []byte) error
}

// NetDevice services a virtio-net device's RX and TX queues. TX is
// drained by ProcessTX whenever the driver notifies queue 1; RX buffers
// the driver has posted on queue 0 are filled by DeliverPacket whenever
// a packet arrives from outside the guest.
type NetDevice struct {
	Transport *Transport
	Sink      PacketSink
	Observer  Observer
	Metrics   *kmetrics.Metrics
	mem       *mm.Memory
}

// NewNetDevice creates a virtio-net device at base whose outbound
// packets are handed to sink.
func NewNetDevice(mem *mm.Memory, base mm.PhysAddr, sink PacketSink, metrics *kmetrics.Metrics) *NetDevice {
	return &NetDevice{
		Transport: NewTransport(mem, base, DeviceIDNet, 0),
		Sink:      sink,
		Observer:  NopObserver{},
		Metrics:   metrics,
		mem:       mem,
	}
}

// ProcessTX drains pending TX descriptor chains, forwarding each one's
// payload (the bytes after the virtio-net header) to Sink.
func (d *NetDevice) ProcessTX() int {
	chains, heads := d.Transport.PendingChains(netTXQueue, 64)
	for i, chain := range chains {
		d.sendChain(chain, heads[i])
	}
	return len(chains)
}

func (d *NetDevice) sendChain(chain []Desc, head uint16) {
	payload := d.readChainPayload(chain, netHeaderSize)
	d.Observer.OnRequest("tx", len(payload))
	var err error
	if d.Sink != nil {
		err = d.Sink.SendPacket(payload)
	}
	d.Observer.OnComplete("tx", len(payload), err)
	if d.Metrics != nil {
		d.Metrics.NetPacketsTx.Add(1)
	}
	d.Transport.CompleteChain(netTXQueue, head, 0)
}

// readChainPayload concatenates every descriptor in chain after the
// first skipBytes bytes of the chain (the virtio-net header, which
// always occupies its own leading descriptor in this implementation).
func (d *NetDevice) readChainPayload(chain []Desc, skipBytes uint32) []byte {
	var out []byte
	skip := skipBytes
	for _, desc := range chain {
		if skip >= desc.Len {
			skip -= desc.Len
			continue
		}
		buf := make([]byte, desc.Len-skip)
		d.mem.ReadAt(mm.PhysAddr(desc.Addr)+mm.PhysAddr(skip), buf)
		out = append(out, buf...)
		skip = 0
	}
	return out
}

// DeliverPacket writes pkt into the next RX buffer the driver has
// posted, preceded by a zeroed virtio-net header, and completes that
// chain. It reports false if no RX buffer is currently posted, meaning
// the packet is dropped the way a real NIC drops a frame when its ring
// is full.
func (d *NetDevice) DeliverPacket(pkt []byte) bool {
	chains, heads := d.Transport.PendingChains(netRXQueue, 1)
	if len(chains) == 0 {
		return false
	}
	chain := chains[0]
	if len(chain) == 0 {
		return false
	}
	desc := chain[0]

	hdr := make([]byte, netHeaderSize)
	buf := make([]byte, 0, netHeaderSize+len(pkt))
	buf = append(buf, hdr...)
	buf = append(buf, pkt...)
	if uint32(len(buf)) > desc.Len {
		buf = buf[:desc.Len]
	}
	d.mem.WriteAt(mm.PhysAddr(desc.Addr), buf)

	d.Observer.OnComplete("rx", len(pkt), nil)
	if d.Metrics != nil {
		d.Metrics.NetPacketsRx.Add(1)
	}
	d.Transport.CompleteChain(netRXQueue, heads[0], uint32(len(buf)))
	return true
}
