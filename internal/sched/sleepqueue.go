package sched

import (
	"sync"

	"github.com/aurora-os/aurora/internal/kconfig"
)

type sleepEntry struct {
	used   bool
	taskID TaskID
	wakeAt uint64
}

// SleepQueue tracks tasks blocked on a timed wait, keyed by task id so a
// task can only ever have one pending wake tick.
type SleepQueue struct {
	mu      sync.Mutex
	entries [kconfig.MaxTasks]sleepEntry
}

// NewSleepQueue creates an empty sleep queue.
func NewSleepQueue() *SleepQueue {
	return &SleepQueue{}
}

// Push records that id should be woken at wakeTick, replacing any earlier
// pending wake for the same task.
func (q *SleepQueue) Push(id TaskID, wakeTick uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].used && q.entries[i].taskID == id {
			q.entries[i].wakeAt = wakeTick
			return true
		}
	}
	for i := range q.entries {
		if !q.entries[i].used {
			q.entries[i] = sleepEntry{used: true, taskID: id, wakeAt: wakeTick}
			return true
		}
	}
	return false
}

// Remove drops any pending wake for id, e.g. because it was woken by a
// futex notify before its timeout elapsed.
func (q *SleepQueue) Remove(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].used && q.entries[i].taskID == id {
			q.entries[i] = sleepEntry{}
			return true
		}
	}
	return false
}

// PopReady removes and returns one task whose wake tick has elapsed by
// now, or false if none are due yet.
func (q *SleepQueue) PopReady(now uint64) (TaskID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].used && q.entries[i].wakeAt <= now {
			id := q.entries[i].taskID
			q.entries[i] = sleepEntry{}
			return id, true
		}
	}
	return 0, false
}
