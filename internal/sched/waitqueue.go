package sched

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
)

// WaitQueue is a fixed-size FIFO of blocked TaskIDs. The original guards
// this with a CSR-based interrupt-disable critical section; Go has no
// such primitive, so a mutex plays the same role here.
type WaitQueue struct {
	mu    sync.Mutex
	slots [kconfig.MaxTasks]int
	head  int
	len   int
}

// NewWaitQueue creates an empty wait queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

// Push enqueues id. It reports false if the queue is already full.
func (q *WaitQueue) Push(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.len >= kconfig.MaxTasks {
		return false
	}
	tail := (q.head + q.len) % kconfig.MaxTasks
	q.slots[tail] = int(id) + 1
	q.len++
	return true
}

// Pop removes and returns the oldest queued task.
func (q *WaitQueue) Pop() (TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.len == 0 {
		return 0, false
	}
	slot := q.slots[q.head]
	q.head = (q.head + 1) % kconfig.MaxTasks
	q.len--
	return TaskID(slot - 1), true
}

// IsEmpty reports whether the queue has no waiters.
func (q *WaitQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len == 0
}

// Len returns the number of waiters currently queued.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}
