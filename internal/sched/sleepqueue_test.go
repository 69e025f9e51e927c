package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSleepQueuePopReadyOrdersByDeadline(t *testing.T) {
	q := NewSleepQueue()
	q.Push(TaskID(1), 100)
	q.Push(TaskID(2), 50)

	_, ok := q.PopReady(40)
	require.False(t, ok)

	id, ok := q.PopReady(50)
	require.True(t, ok)
	require.Equal(t, TaskID(2), id)

	_, ok = q.PopReady(50)
	require.False(t, ok)

	id, ok = q.PopReady(100)
	require.True(t, ok)
	require.Equal(t, TaskID(1), id)
}

func TestSleepQueuePushUpsertsByTask(t *testing.T) {
	q := NewSleepQueue()
	q.Push(TaskID(1), 100)
	q.Push(TaskID(1), 10)

	_, ok := q.PopReady(9)
	require.False(t, ok)
	id, ok := q.PopReady(10)
	require.True(t, ok)
	require.Equal(t, TaskID(1), id)
}

func TestSleepQueueRemove(t *testing.T) {
	q := NewSleepQueue()
	q.Push(TaskID(1), 10)
	require.True(t, q.Remove(TaskID(1)))
	require.False(t, q.Remove(TaskID(1)))
	_, ok := q.PopReady(10)
	require.False(t, ok)
}
