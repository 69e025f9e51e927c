package dtb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fdtBuilder constructs a minimal flattened device tree blob for tests,
// sidestepping the need for a real dtc-compiled binary.
type fdtBuilder struct {
	strings []byte
	strOff  map[string]uint32
	structB []byte
}

func newFDTBuilder() *fdtBuilder {
	return &fdtBuilder{strOff: map[string]uint32{}}
}

func (b *fdtBuilder) u32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structB = append(b.structB, buf[:]...)
}

func (b *fdtBuilder) pad4() {
	for len(b.structB)%4 != 0 {
		b.structB = append(b.structB, 0)
	}
}

func (b *fdtBuilder) beginNode(name string) {
	b.u32(tokenBeginNode)
	b.structB = append(b.structB, []byte(name)...)
	b.structB = append(b.structB, 0)
	b.pad4()
}

func (b *fdtBuilder) endNode() {
	b.u32(tokenEndNode)
}

func (b *fdtBuilder) nameOff(name string) uint32 {
	if off, ok := b.strOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.strings = append(b.strings, []byte(name)...)
	b.strings = append(b.strings, 0)
	b.strOff[name] = off
	return off
}

func (b *fdtBuilder) prop(name string, value []byte) {
	b.u32(tokenProp)
	b.u32(uint32(len(value)))
	b.u32(b.nameOff(name))
	b.structB = append(b.structB, value...)
	b.pad4()
}

func (b *fdtBuilder) propU32(name string, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.prop(name, buf[:])
}

func (b *fdtBuilder) propU64Pair(name string, a, c uint64) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a>>32))
	binary.BigEndian.PutUint32(buf[4:8], uint32(a))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c>>32))
	binary.BigEndian.PutUint32(buf[12:16], uint32(c))
	b.prop(name, buf)
}

func (b *fdtBuilder) propString(name, v string) {
	b.prop(name, append([]byte(v), 0))
}

func (b *fdtBuilder) build() []byte {
	b.u32(tokenEnd)

	const headerSize = 40
	structOff := uint32(headerSize)
	stringsOff := structOff + uint32(len(b.structB))
	total := stringsOff + uint32(len(b.strings))

	out := make([]byte, headerSize)
	binary.BigEndian.PutUint32(out[0:4], magic)
	binary.BigEndian.PutUint32(out[4:8], total)
	binary.BigEndian.PutUint32(out[8:12], structOff)
	binary.BigEndian.PutUint32(out[12:16], stringsOff)
	binary.BigEndian.PutUint32(out[16:20], headerSize)
	binary.BigEndian.PutUint32(out[20:24], 17)
	binary.BigEndian.PutUint32(out[24:28], 16)
	binary.BigEndian.PutUint32(out[28:32], 0)
	binary.BigEndian.PutUint32(out[32:36], uint32(len(b.strings)))
	binary.BigEndian.PutUint32(out[36:40], uint32(len(b.structB)))
	out = append(out, b.structB...)
	out = append(out, b.strings...)
	return out
}

func buildSampleTree() []byte {
	b := newFDTBuilder()
	b.beginNode("")
	b.beginNode("memory@80000000")
	b.propString("device_type", "memory")
	b.propU64Pair("reg", 0x80000000, 0x8000000)
	b.endNode()

	b.beginNode("cpus")
	b.propU32("timebase-frequency", 10_000_000)
	b.beginNode("cpu@0")
	b.endNode()
	b.endNode()

	b.beginNode("chosen")
	b.propString("bootargs", "console=ttyS0")
	b.endNode()

	b.beginNode("soc")
	b.beginNode("uart@10000000")
	b.propString("compatible", "ns16550a")
	b.propU64Pair("reg", 0x10000000, 0x100)
	b.propU32("interrupts", 10)
	b.endNode()

	b.beginNode("plic@c000000")
	b.propString("compatible", "riscv,plic0")
	b.propU64Pair("reg", 0x0c000000, 0x4000000)
	b.endNode()

	b.beginNode("virtio_mmio@10001000")
	b.propString("compatible", "virtio,mmio")
	b.propU64Pair("reg", 0x10001000, 0x1000)
	b.propU32("interrupts", 1)
	b.endNode()
	b.endNode()

	b.endNode()
	return b.build()
}

func TestParseSampleTree(t *testing.T) {
	blob := buildSampleTree()
	info, err := Parse(blob)
	require.NoError(t, err)

	require.Len(t, info.Memory, 1)
	require.Equal(t, uint64(0x80000000), info.Memory[0].Base)
	require.Equal(t, uint64(0x8000000), info.Memory[0].Size)

	require.Equal(t, uint64(10_000_000), info.TimebaseHz)
	require.Equal(t, "console=ttyS0", info.Bootargs)

	require.NotNil(t, info.UART)
	require.Equal(t, uint64(0x10000000), info.UART.Reg.Base)
	require.True(t, info.UART.HasIRQ)
	require.Equal(t, uint32(10), info.UART.IRQ)

	require.NotNil(t, info.PLIC)
	require.Equal(t, uint64(0x0c000000), info.PLIC.Reg.Base)

	require.Len(t, info.VirtioDevices, 1)
	require.Equal(t, uint64(0x10001000), info.VirtioDevices[0].Reg.Base)
}

func buildTreeWithVirtioDevices(n int) []byte {
	b := newFDTBuilder()
	b.beginNode("")
	b.beginNode("soc")
	for i := 0; i < n; i++ {
		b.beginNode("virtio_mmio@" + string(rune('0'+i)))
		b.propString("compatible", "virtio,mmio")
		b.propU64Pair("reg", 0x10001000+uint64(i)*0x1000, 0x1000)
		b.endNode()
	}
	b.endNode()
	b.endNode()
	return b.build()
}

func TestParseTruncatesVirtioDevicesAtFour(t *testing.T) {
	blob := buildTreeWithVirtioDevices(6)
	info, err := Parse(blob)
	require.NoError(t, err)

	require.Len(t, info.VirtioDevices, 4)
	for i, dev := range info.VirtioDevices {
		require.Equal(t, uint64(0x10001000+uint64(i)*0x1000), dev.Reg.Base)
	}
}

func TestParseRecognizesUART8250(t *testing.T) {
	b := newFDTBuilder()
	b.beginNode("")
	b.beginNode("soc")
	b.beginNode("uart@10000000")
	b.propString("compatible", "uart8250")
	b.propU64Pair("reg", 0x10000000, 0x100)
	b.endNode()
	b.endNode()
	b.endNode()

	info, err := Parse(b.build())
	require.NoError(t, err)
	require.NotNil(t, info.UART)
	require.Equal(t, uint64(0x10000000), info.UART.Reg.Base)
}

func TestParseRejectsBadMagic(t *testing.T) {
	blob := make([]byte, 64)
	_, err := Parse(blob)
	require.Error(t, err)
}

func TestParseRejectsTruncatedBlob(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
}
