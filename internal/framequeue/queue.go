// Package framequeue implements a bounded MPSC frame queue: producers
// enqueue FrameData without blocking on the consumer, the queue drops the
// OLDEST entry on overflow rather than rejecting the newest, and shutdown
// wakes any blocked popper with a signal distinguishable from a normal
// pop.
package framequeue

import (
	"sync"

	"github.com/dabtx/dexter-output/internal/radio"
)

// PushResult reports what happened to a Push call.
type PushResult struct {
	Overflowed bool
	NewSize    int
}

// Queue is a bounded FIFO of radio.FrameData, safe for concurrent producers
// and a single consumer.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []radio.FrameData
	closed   bool
	overflow int64
}

// New returns an empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. If the queue is already at max capacity the oldest
// entry is discarded to make room - the queue never blocks a producer and
// never rejects a push outright.
func (q *Queue) Push(item radio.FrameData, max int) PushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	overflowed := false
	if len(q.items) >= max {
		q.items = q.items[1:]
		overflowed = true
		q.overflow++
	}
	q.items = append(q.items, item)
	size := len(q.items)

	q.cond.Signal()
	return PushResult{Overflowed: overflowed, NewSize: size}
}

// Pop blocks until an item is available or the queue is shut down. ok is
// false only on shutdown with an empty queue, distinguishing "woken by
// shutdown" from "woken by data" for the worker's exit check.
func (q *Queue) Pop() (item radio.FrameData, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return radio.FrameData{}, false
	}

	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// OverflowCount returns the running total of drop-oldest evictions.
func (q *Queue) OverflowCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Shutdown marks the queue closed and wakes any blocked Pop. It is safe to
// call more than once.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
