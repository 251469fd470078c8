// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deadline-ordered task queue owned by a single reactor thread.

package concurrency

import (
	"container/heap"
	"sync/atomic"
	"time"
)

const (
	taskPending int32 = iota
	taskDone
	taskCancelled
)

// DeadlineTask is a scheduled unit of work. Cancel may be called from any thread.
type DeadlineTask struct {
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	state    atomic.Int32
}

// NewDeadlineTask creates a task that is not yet queued. It may be built on
// any thread and handed to the owning thread for Add.
func NewDeadlineTask(deadline time.Time, fn func()) *DeadlineTask {
	return &DeadlineTask{deadline: deadline, fn: fn, index: -1}
}

// Deadline returns the time the task becomes runnable.
func (t *DeadlineTask) Deadline() time.Time { return t.deadline }

// Cancel prevents a pending task from running.
func (t *DeadlineTask) Cancel() bool {
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}

// Cancelled reports whether Cancel won against the run.
func (t *DeadlineTask) Cancelled() bool { return t.state.Load() == taskCancelled }

type taskHeap []*DeadlineTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*DeadlineTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// DeadlineQueue orders tasks by deadline, ties broken by submission order.
// It is not safe for concurrent use.
type DeadlineQueue struct {
	tasks taskHeap
	seq   uint64
}

// NewDeadlineQueue creates an empty queue.
func NewDeadlineQueue() *DeadlineQueue {
	return &DeadlineQueue{}
}

// Schedule adds fn to run at deadline.
func (q *DeadlineQueue) Schedule(deadline time.Time, fn func()) *DeadlineTask {
	t := NewDeadlineTask(deadline, fn)
	q.Add(t)
	return t
}

// Add queues t. A task cancelled before Add is dropped at its deadline.
func (q *DeadlineQueue) Add(t *DeadlineTask) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.tasks, t)
}

// Remove drops t from the queue if it is still queued.
func (q *DeadlineQueue) Remove(t *DeadlineTask) bool {
	if t.index < 0 || t.index >= len(q.tasks) || q.tasks[t.index] != t {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	return true
}

// Len returns the number of queued tasks, cancelled ones included.
func (q *DeadlineQueue) Len() int { return len(q.tasks) }

// Next returns the earliest deadline of a task that was not cancelled.
func (q *DeadlineQueue) Next() (time.Time, bool) {
	for len(q.tasks) > 0 {
		t := q.tasks[0]
		if !t.Cancelled() {
			return t.deadline, true
		}
		heap.Pop(&q.tasks)
	}
	return time.Time{}, false
}

// RunDue runs every task whose deadline is not after now, in order, and
// returns how many ran. Tasks scheduled by a running task with a deadline
// already elapsed run in the same call. run wraps each invocation.
func (q *DeadlineQueue) RunDue(now time.Time, run func(fn func())) int {
	n := 0
	for len(q.tasks) > 0 {
		t := q.tasks[0]
		if t.deadline.After(now) {
			break
		}
		heap.Pop(&q.tasks)
		if !t.state.CompareAndSwap(taskPending, taskDone) {
			continue
		}
		run(t.fn)
		n++
	}
	return n
}
