package sched

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
)

// RunQueue is a fixed-size round-robin ready queue. Slots hold TaskIDs;
// slot values are biased by one so the zero value means empty.
type RunQueue struct {
	mu    sync.Mutex
	slots [kconfig.MaxTasks]int
	head  int
	len   int
}

// NewRunQueue creates an empty run queue.
func NewRunQueue() *RunQueue {
	return &RunQueue{}
}

// Push appends id to the back of the queue. It reports false if the queue
// is full, which only happens if the same task is pushed twice without an
// intervening pop.
func (q *RunQueue) Push(id TaskID) bool {
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

// PopReady removes and returns the next Ready task. A queued task that
// table no longer reports as Ready (e.g. it blocked between being queued
// and being popped) is re-inserted at the back instead of being handed
// out, so it isn't lost once it becomes ready again.
func (q *RunQueue) PopReady(table *Table) (TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for scanned := 0; scanned < q.len; scanned++ {
		slot := q.slots[q.head]
		id := TaskID(slot - 1)
		q.head = (q.head + 1) % kconfig.MaxTasks
		q.len--

		if table.IsReady(id) {
			return id, true
		}
		tail := (q.head + q.len) % kconfig.MaxTasks
		q.slots[tail] = slot
		q.len++
	}
	return 0, false
}

// Len returns the number of tasks currently queued.
func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}
