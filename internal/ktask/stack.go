// Package ktask adapts the original runtime's kernel-stack and register-
// context scaffolding to a hosted simulator where tasks never actually
// context-switch through hand-written assembly: a task's live state is
// the trap.TrapFrame the trap package already saves and restores, and
// scheduling decisions live entirely in internal/sched. What's kept here
// is the bookkeeping shape - a guard-paged stack allocation per task, and
// a data-only Context record matching the original ABI - useful for
// tests and for user-program bring-up, not for an actual register
// switch.
package ktask

import (
	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/kerrors"
	"github.com/aurora-os/aurora/internal/mm"
)

const subsystem = "ktask"

const (
	stackPages  = 4
	guardPages  = 1
)

// Stack is a kernel stack allocation with a guard page immediately below
// its usable range, the same shape as the original's KernelStack: the
// guard page is never mapped writable (here it is simply never handed
// out as part of Top's usable range), so a stack overflow runs into
// unmapped/foreign memory instead of silently corrupting the next
// allocation.
type Stack struct {
	base mm.PhysAddr
	size uint64
}

// NewStack allocates a guard-paged stack from frames: one guard page
// followed by stackPages usable pages.
func NewStack(frames *mm.FrameAllocator) (*Stack, error) {
	var guard mm.PhysAddr
	var err error
	for i := 0; i < guardPages; i++ {
		guard, err = frames.Alloc()
		if err != nil {
			return nil, kerrors.Wrap(subsystem, "NewStack", err)
		}
	}
	base := guard
	for i := 0; i < stackPages; i++ {
		pa, err := frames.Alloc()
		if err != nil {
			return nil, kerrors.Wrap(subsystem, "NewStack", err)
		}
		if i == 0 {
			base = pa
		}
	}
	return &Stack{base: base, size: uint64(stackPages) * mm.PageSize}, nil
}

// Top returns the stack pointer value a newly created task starts with:
// the highest address of its usable range, since RISC-V stacks grow
// down.
func (s *Stack) Top() uint64 {
	return uint64(s.base) + s.size
}

// Pool hands out guard-paged stacks for the idle task and every spawned
// task from a shared frame allocator, bounded to kconfig.MaxTasks task
// stacks plus one idle stack - the Go counterpart of the original's
// TASK_STACKS array and TASK_STACKS_USED cursor, without the unsafe
// global mutable state.
type Pool struct {
	frames *mm.FrameAllocator
	idle   *Stack
	used   int
}

// NewPool creates an empty stack pool over frames.
func NewPool(frames *mm.FrameAllocator) *Pool {
	return &Pool{frames: frames}
}

// InitIdleStack allocates the dedicated idle-task stack, once.
func (p *Pool) InitIdleStack() (*Stack, error) {
	if p.idle != nil {
		return p.idle, nil
	}
	s, err := NewStack(p.frames)
	if err != nil {
		return nil, err
	}
	p.idle = s
	return s, nil
}

// AllocTaskStack allocates one more task stack, failing once
// kconfig.MaxTasks have been handed out.
func (p *Pool) AllocTaskStack() (*Stack, error) {
	if p.used >= kconfig.MaxTasks {
		return nil, kerrors.New(subsystem, "AllocTaskStack", kerrors.CodeNoMem, "task stack pool exhausted")
	}
	s, err := NewStack(p.frames)
	if err != nil {
		return nil, err
	}
	p.used++
	return s, nil
}
