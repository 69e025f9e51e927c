// Package dtb parses the flattened device tree blob QEMU's virt machine
// hands the kernel in register a1 at boot, extracting the handful of
// facts Aurora needs: usable memory, the timebase frequency, and the
// UART/PLIC/virtio-mmio device regions.
package dtb

import (
	"encoding/binary"
	"fmt"

	"github.com/aurora-os/aurora/internal/kerrors"
)

const subsystem = "dtb"

const (
	magic = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

// maxVirtioDevices caps Info.VirtioDevices; a QEMU virt machine exposes at
// most this many virtio-mmio transports, and a tree reporting more has its
// tail discarded rather than growing the list unbounded.
const maxVirtioDevices = 4

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// MemoryRegion is a usable RAM range reported by a /memory node.
type MemoryRegion struct {
	Base uint64
	Size uint64
}

// Device is an MMIO device region discovered under /soc, keyed by its
// `compatible` string.
type Device struct {
	Name       string
	Compatible string
	Reg        MemoryRegion
	IRQ        uint32
	HasIRQ     bool
}

// Info is everything Aurora's boot sequence pulls out of the device
// tree.
type Info struct {
	Memory        []MemoryRegion
	TimebaseHz    uint64
	Bootargs      string
	UART          *Device
	PLIC          *Device
	VirtioDevices []Device
}

// Parse walks the flattened device tree in blob and extracts Info.
func Parse(blob []byte) (Info, error) {
	var info Info
	if len(blob) < 40 {
		return info, kerrors.New(subsystem, "parse", kerrors.CodeInval, "blob too small for fdt header")
	}
	h := header{
		Magic:           binary.BigEndian.Uint32(blob[0:4]),
		TotalSize:       binary.BigEndian.Uint32(blob[4:8]),
		OffDtStruct:     binary.BigEndian.Uint32(blob[8:12]),
		OffDtStrings:    binary.BigEndian.Uint32(blob[12:16]),
		OffMemRsvmap:    binary.BigEndian.Uint32(blob[16:20]),
		Version:         binary.BigEndian.Uint32(blob[20:24]),
		LastCompVersion: binary.BigEndian.Uint32(blob[24:28]),
		BootCPUIDPhys:   binary.BigEndian.Uint32(blob[28:32]),
		SizeDtStrings:   binary.BigEndian.Uint32(blob[32:36]),
		SizeDtStruct:    binary.BigEndian.Uint32(blob[36:40]),
	}
	if h.Magic != magic {
		return info, kerrors.New(subsystem, "parse", kerrors.CodeInval, "bad fdt magic")
	}
	if uint64(h.OffDtStruct)+uint64(h.SizeDtStruct) > uint64(len(blob)) {
		return info, kerrors.New(subsystem, "parse", kerrors.CodeInval, "fdt struct block out of bounds")
	}

	p := &parser{
		blob:    blob,
		strings: blob[h.OffDtStrings : h.OffDtStrings+h.SizeDtStrings],
		off:     h.OffDtStruct,
		end:     h.OffDtStruct + h.SizeDtStruct,
	}
	if err := p.walk(&info); err != nil {
		return info, err
	}
	return info, nil
}

type parser struct {
	blob    []byte
	strings []byte
	off     uint32
	end     uint32
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > uint32(len(p.blob)) {
		return 0, kerrors.New(subsystem, "parse", kerrors.CodeInval, "fdt struct block truncated")
	}
	v := binary.BigEndian.Uint32(p.blob[p.off : p.off+4])
	p.off += 4
	return v, nil
}

func (p *parser) cstr() string {
	start := p.off
	for p.off < uint32(len(p.blob)) && p.blob[p.off] != 0 {
		p.off++
	}
	s := string(p.blob[start:p.off])
	p.off++
	p.align4()
	return s
}

func (p *parser) align4() {
	if rem := p.off % 4; rem != 0 {
		p.off += 4 - rem
	}
}

// walk iterates the flat struct block, tracking a minimal stack of node
// names and the current node's properties, and recording memory,
// timebase, chosen, and soc-child device info along the way.
func (p *parser) walk(info *Info) error {
	var pathStack []string
	var curCompatible, curUnitName string
	var curReg []uint64
	var curInterrupts []uint32
	var inMemoryNode, inCPUsChild, inChosen bool

	flushNode := func() {
		if inMemoryNode && len(curReg) >= 2 {
			info.Memory = append(info.Memory, MemoryRegion{Base: curReg[0], Size: curReg[1]})
		}
		if curCompatible != "" && len(curReg) >= 2 && len(pathStack) > 0 {
			dev := Device{
				Name:       curUnitName,
				Compatible: curCompatible,
				Reg:        MemoryRegion{Base: curReg[0], Size: curReg[1]},
			}
			if len(curInterrupts) > 0 {
				dev.IRQ, dev.HasIRQ = curInterrupts[0], true
			}
			switch {
			case isUARTCompatible(curCompatible):
				d := dev
				info.UART = &d
			case isPLICCompatible(curCompatible):
				d := dev
				info.PLIC = &d
			case curCompatible == "virtio,mmio":
				if len(info.VirtioDevices) < maxVirtioDevices {
					info.VirtioDevices = append(info.VirtioDevices, dev)
				}
			}
		}
		curCompatible, curUnitName, curReg, curInterrupts = "", "", nil, nil
		inMemoryNode = false
	}

	for p.off < p.end {
		tok, err := p.u32()
		if err != nil {
			return err
		}
		switch tok {
		case tokenNop:
			continue
		case tokenEnd:
			return nil
		case tokenBeginNode:
			name := p.cstr()
			unit := name
			if idx := indexByte(name, '@'); idx >= 0 {
				unit = name[:idx]
			}
			pathStack = append(pathStack, unit)
			curUnitName = name
			inMemoryNode = unit == "memory"
			inCPUsChild = len(pathStack) >= 2 && pathStack[1] == "cpus"
			inChosen = unit == "chosen"
		case tokenEndNode:
			flushNode()
			if len(pathStack) > 0 {
				pathStack = pathStack[:len(pathStack)-1]
			}
		case tokenProp:
			length, err := p.u32()
			if err != nil {
				return err
			}
			nameOff, err := p.u32()
			if err != nil {
				return err
			}
			if p.off+length > uint32(len(p.blob)) {
				return kerrors.New(subsystem, "parse", kerrors.CodeInval, "fdt prop value out of bounds")
			}
			value := p.blob[p.off : p.off+length]
			p.off += length
			p.align4()

			name := cStringAt(p.strings, nameOff)
			switch name {
			case "compatible":
				curCompatible = firstCString(value)
			case "reg":
				curReg = decodeU64Pairs(value)
			case "interrupts", "interrupts-extended":
				curInterrupts = decodeU32s(value)
			case "timebase-frequency":
				if inCPUsChild || len(pathStack) == 2 && pathStack[1] == "cpus" {
					if v := decodeU32s(value); len(v) > 0 {
						info.TimebaseHz = uint64(v[0])
					}
				}
			case "bootargs":
				if inChosen {
					info.Bootargs = firstCString(value)
				}
			}
		default:
			return kerrors.New(subsystem, "parse", kerrors.CodeInval, fmt.Sprintf("unexpected fdt token 0x%x", tok))
		}
	}
	return nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func cStringAt(strings []byte, off uint32) string {
	if off >= uint32(len(strings)) {
		return ""
	}
	end := off
	for end < uint32(len(strings)) && strings[end] != 0 {
		end++
	}
	return string(strings[off:end])
}

func firstCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func decodeU32s(b []byte) []uint32 {
	out := make([]uint32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, binary.BigEndian.Uint32(b[i:i+4]))
	}
	return out
}

// decodeU64Pairs interprets a reg property as a flat list of #address-cells
// = 2, #size-cells = 2 big-endian 32-bit words, matching the QEMU virt
// machine's default cell sizes at the root of the tree.
func decodeU64Pairs(b []byte) []uint64 {
	u32s := decodeU32s(b)
	out := make([]uint64, 0, len(u32s)/2)
	for i := 0; i+1 < len(u32s); i += 2 {
		out = append(out, uint64(u32s[i])<<32|uint64(u32s[i+1]))
	}
	return out
}

func isUARTCompatible(compat string) bool {
	return compat == "ns16550a" || compat == "ns16550" || compat == "uart8250"
}

func isPLICCompatible(compat string) bool {
	return compat == "riscv,plic0" || compat == "sifive,plic-1.0.0"
}
