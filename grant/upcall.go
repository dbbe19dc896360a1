package grant

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by Yield after Close.
var ErrQueueClosed = errors.New("grant: upcall queue closed")

// DefaultQueueDepth is the upcall capacity of a Queue made with depth <= 0.
const DefaultQueueDepth = 8

type upcall struct {
	fn         func(r0, r1, r2 int)
	r0, r1, r2 int
}

// Queue holds upcalls scheduled for one task.
type Queue struct {
	ch   chan upcall
	done chan struct{}
}

// NewQueue returns a Queue holding up to depth pending upcalls.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{ch: make(chan upcall, depth), done: make(chan struct{})}
}

// Callback returns a handle drivers can schedule fn through.
func (q *Queue) Callback(fn func(r0, r1, r2 int)) *Callback {
	return &Callback{q: q, fn: fn}
}

// Pending returns the number of queued upcalls.
func (q *Queue) Pending() int { return len(q.ch) }

// Yield runs one queued upcall, blocking until one arrives, ctx is done or
// the queue is closed. Upcalls already queued run even if ctx is done.
func (q *Queue) Yield(ctx context.Context) error {
	select {
	case u := <-q.ch:
		u.fn(u.r0, u.r1, u.r2)
		return nil
	default:
	}
	select {
	case u := <-q.ch:
		u.fn(u.r0, u.r1, u.r2)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Close wakes blocked Yield calls. Scheduling after Close is dropped.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// Callback is a task function registered with a driver.
type Callback struct {
	q  *Queue
	fn func(r0, r1, r2 int)
}

// Schedule queues the callback with its three arguments. It never blocks;
// it reports false when the upcall was dropped because the queue is full
// or closed.
func (c *Callback) Schedule(r0, r1, r2 int) bool {
	select {
	case <-c.q.done:
		return false
	default:
	}
	select {
	case c.q.ch <- upcall{fn: c.fn, r0: r0, r1: r1, r2: r2}:
		return true
	default:
		return false
	}
}
