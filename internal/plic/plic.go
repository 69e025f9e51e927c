// Package plic models the platform-level interrupt controller register
// file: per-IRQ priority, the supervisor-context enable bitmap, and the
// claim/complete register pair. It is exercised over the same guest
// physical memory arena the memory manager allocates (mm.Memory), rather
// than raw pointers, since Aurora hosts its guest state in Go memory.
package plic

import (
	"sync"

	"github.com/aurora-os/aurora/internal/mm"
)

const (
	priorityBase  = 0x0
	enableBase    = 0x2000
	contextBase   = 0x200000
	enableStride  = 0x80
	contextStride = 0x1000
	contextS      = 1
)

// PLIC is a minimal single-context (supervisor-mode) PLIC model backed by
// a region of guest physical memory.
type PLIC struct {
	mu   sync.Mutex
	mem  *mm.Memory
	base mm.PhysAddr
}

// New creates a PLIC model at the given base within mem, matching init's
// clearing of the context threshold register.
func New(mem *mm.Memory, base mm.PhysAddr) *PLIC {
	p := &PLIC{mem: mem, base: base}
	p.writeReg(contextBase+contextS*contextStride, 0)
	return p
}

func (p *PLIC) writeReg(offset uint64, value uint32) {
	var b [4]byte
	b[0] = byte(value)
	b[1] = byte(value >> 8)
	b[2] = byte(value >> 16)
	b[3] = byte(value >> 24)
	p.mem.WriteAt(p.base+mm.PhysAddr(offset), b[:])
}

func (p *PLIC) readReg(offset uint64) uint32 {
	var b [4]byte
	p.mem.ReadAt(p.base+mm.PhysAddr(offset), b[:])
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Enable raises irq's priority to 1 and sets its enable bit for the
// supervisor context. irq 0 is reserved and ignored, matching the
// original's guard.
func (p *PLIC) Enable(irq uint32) {
	if irq == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeReg(priorityBase+uint64(irq)*4, 1)
	enableOffset := uint64(enableBase) + contextS*enableStride + uint64(irq/32)*4
	current := p.readReg(enableOffset)
	p.writeReg(enableOffset, current|(1<<(irq%32)))
}

// Claim reads the claim register, returning the pending IRQ number, or
// false if none is pending.
func (p *PLIC) Claim() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	irq := p.readReg(contextBase + contextS*contextStride + 4)
	if irq == 0 {
		return 0, false
	}
	return irq, true
}

// Complete acknowledges irq to the controller. In this model the
// claim/complete register also holds the pending IRQ, so completing the
// IRQ it currently holds clears it to 0 and the next Claim reports
// nothing pending until Raise is called again.
func (p *PLIC) Complete(irq uint32) {
	if irq == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	off := uint64(contextBase + contextS*contextStride + 4)
	if p.readReg(off) == irq {
		p.writeReg(off, 0)
	}
}

// Raise is a test/simulation hook: it sets the claim register to irq, as
// if the controller had observed irq asserted by a device. Real PLIC
// hardware derives the claim value from pending-and-enabled IRQs; the
// simulated device models here raise directly through this method instead
// of implementing full priority arbitration, since Aurora's device set
// never has two IRQs pending at once in practice.
func (p *PLIC) Raise(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeReg(contextBase+contextS*contextStride+4, irq)
}
