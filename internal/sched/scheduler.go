package sched

import (
	"sync"
	"sync/atomic"

	"github.com/aurora-os/aurora/internal/kconfig"
	"github.com/aurora-os/aurora/internal/ktime"
	"github.com/aurora-os/aurora/internal/kmetrics"
)

// IdleTask is the reserved task id that runs when no other task is ready.
const IdleTask TaskID = -1

// Scheduler ties the task table, run queue, and sleep queue together into
// Aurora's preemptive round-robin policy. It does not model register or
// stack context switching: in the hosted simulator, a task's "machine
// state" is the TrapFrame the trap package saves and restores, so the
// scheduler's job is purely to decide which task id runs next and to
// drive the wait/sleep bookkeeping futexes and process waitpid build on.
type Scheduler struct {
	Table  *Table
	RunQ   *RunQueue
	SleepQ *SleepQueue
	Clock  *ktime.Clock

	metrics *kmetrics.Metrics

	mu      sync.Mutex
	current TaskID

	ticksSinceSchedule atomic.Uint64
}

// New creates a scheduler over a fresh task table, run queue, and sleep
// queue, ticked by clock.
func New(clock *ktime.Clock, metrics *kmetrics.Metrics) *Scheduler {
	return &Scheduler{
		Table:   NewTable(),
		RunQ:    NewRunQueue(),
		SleepQ:  NewSleepQueue(),
		Clock:   clock,
		metrics: metrics,
		current: IdleTask,
	}
}

// Spawn allocates a new Ready task and enqueues it.
func (s *Scheduler) Spawn() (TaskID, bool) {
	id, ok := s.Table.Alloc()
	if !ok {
		return 0, false
	}
	s.RunQ.Push(id)
	return id, true
}

// Current returns the task id the scheduler believes is running, or
// IdleTask if none is.
func (s *Scheduler) Current() TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Schedule picks the next Ready task, marks it Running, and returns it.
// If the previously running task is still Ready (it was preempted, not
// blocked or exited) the caller is expected to have already re-pushed it
// onto RunQ before calling Schedule. Returns IdleTask if nothing is
// ready.
func (s *Scheduler) Schedule() TaskID {
	next, ok := s.RunQ.PopReady(s.Table)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.current = IdleTask
		return IdleTask
	}
	s.Table.SetState(next, Running)
	s.current = next
	if s.metrics != nil {
		s.metrics.ContextSwitches.Add(1)
	}
	return next
}

// Preempt is called from the timer tick to re-queue the current task
// (if any) so the next Schedule call can rotate to another Ready task.
// It does not itself call Schedule; callers that want round-robin
// preemption on every interval should call Preempt then Schedule.
func (s *Scheduler) Preempt() {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == IdleTask {
		return
	}
	if s.Table.TransitionState(cur, Running, Ready) {
		s.RunQ.Push(cur)
	}
}

// ShouldPreempt reports whether SCHED_INTERVAL_TICKS ticks have elapsed
// since the last preemption decision, resetting the counter if so.
func (s *Scheduler) ShouldPreempt() bool {
	n := s.ticksSinceSchedule.Add(1)
	if n >= kconfig.SchedIntervalTicks {
		s.ticksSinceSchedule.Store(0)
		return true
	}
	return false
}

// BlockCurrent transitions the running task to Blocked and enqueues it on
// wq, returning the blocked task's id. It reports false if there is no
// current task (the idle task never blocks).
func (s *Scheduler) BlockCurrent(wq *WaitQueue) (TaskID, bool) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == IdleTask {
		return 0, false
	}
	if !s.Table.TransitionState(cur, Running, Blocked) {
		return 0, false
	}
	wq.Push(cur)
	if s.metrics != nil {
		s.metrics.TasksBlocked.Add(1)
	}
	return cur, true
}

// WakeOne pops one waiter from wq, marks it Ready, re-queues it, and
// records WaitNotified as its wake reason. Reports false if wq was
// empty or the run queue was full; a full run queue leaves id back on
// wq rather than dropping it.
func (s *Scheduler) WakeOne(wq *WaitQueue) (TaskID, bool) {
	for {
		id, ok := wq.Pop()
		if !ok {
			return 0, false
		}
		if tcb, ok := s.Table.Get(id); !ok || tcb.State != Blocked {
			continue // stale entry: the task already woke, e.g. by timeout
		}
		if !s.wakeTask(wq, id, WaitNotified) {
			return 0, false
		}
		return id, true
	}
}

// WakeAll drains every waiter on wq, waking each in turn, and stops as
// soon as the run queue fills rather than losing the remaining waiters:
// the task that couldn't be woken is left queued on wq.
func (s *Scheduler) WakeAll(wq *WaitQueue) int {
	count := 0
	for {
		id, ok := wq.Pop()
		if !ok {
			break
		}
		if tcb, ok := s.Table.Get(id); !ok || tcb.State != Blocked {
			continue // stale entry: the task already woke, e.g. by timeout
		}
		if !s.wakeTask(wq, id, WaitNotified) {
			break
		}
		count++
	}
	return count
}

// wakeTask transitions id from Blocked to Ready and pushes it onto the
// run queue. If the run queue is full it puts id back on wq and restores
// its Blocked state, reporting false instead of letting the task vanish
// from both queues.
func (s *Scheduler) wakeTask(wq *WaitQueue, id TaskID, reason WaitReason) bool {
	s.SleepQ.Remove(id)
	if !s.Table.TransitionState(id, Blocked, Ready) {
		return false
	}
	if !s.RunQ.Push(id) {
		s.Table.TransitionState(id, Ready, Blocked)
		wq.Push(id)
		return false
	}
	s.Table.SetWaitReason(id, reason)
	if s.metrics != nil {
		s.metrics.TasksWoken.Add(1)
	}
	return true
}

// WaitTimeoutMs blocks the current task on wq and additionally schedules
// a timeout wake after ms milliseconds. Whichever happens first, notify
// or timeout, the task's wait reason reflects what actually woke it; the
// caller inspects it via Table.TakeWaitReason after the task resumes.
func (s *Scheduler) WaitTimeoutMs(wq *WaitQueue, ms uint64) (TaskID, bool) {
	id, ok := s.BlockCurrent(wq)
	if !ok {
		return 0, false
	}
	wake := s.Clock.Ticks() + s.Clock.MsToTicks(ms)
	s.SleepQ.Push(id, wake)
	return id, true
}

// TickSleepers wakes every task whose sleep deadline has elapsed as of
// the clock's current tick count, marking WaitTimeout as their wake
// reason. It returns the number of tasks woken this call.
func (s *Scheduler) TickSleepers() int {
	now := s.Clock.Ticks()
	count := 0
	for {
		id, ok := s.SleepQ.PopReady(now)
		if !ok {
			break
		}
		s.Table.SetWaitReason(id, WaitTimeout)
		if s.Table.TransitionState(id, Blocked, Ready) {
			s.RunQ.Push(id)
			if s.metrics != nil {
				s.metrics.TaskTimeouts.Add(1)
			}
		}
		count++
	}
	return count
}

// Exit transitions id out of the scheduler entirely: it is removed from
// whatever state it was in and its task table slot is released. Callers
// in internal/proc reap the task's exit code before calling this.
func (s *Scheduler) Exit(id TaskID) {
	s.mu.Lock()
	if s.current == id {
		s.current = IdleTask
	}
	s.mu.Unlock()
	s.Table.Free(id)
}
