package queue

import (
	"context"
	"sync"
)

// FIFO is an unbounded first-in first-out queue with a blocking Pop.
//
// Push never blocks, which makes FIFO suitable as the hand-off point between
// callback producers that must not stall and a single consuming goroutine.
// It is safe for concurrent use by any number of producers and consumers.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	signal chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{
		items:  make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v to the tail of the queue.
// Returns false if the queue has been closed; v is not enqueued in that case.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()
	return true
}

// wake leaves a token for one blocked Pop. A pending token is enough since
// Pop re-checks the queue in a loop and passes the token on.
func (q *FIFO[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head of the queue, blocking until an item is
// available. It returns false once the context is done, or once the queue is
// closed and fully drained.
func (q *FIFO[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			v := q.items[q.head]
			var zero T
			q.items[q.head] = zero
			q.head++
			q.compact()
			more := q.head < len(q.items)
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			q.wake()
			var zero T
			return zero, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.signal:
		}
	}
}

// compact reclaims the consumed prefix. Must be called with mu held.
func (q *FIFO[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 1024 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Len returns the number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close stops accepting new items. Items already queued can still be popped.
// Safe to call multiple times.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	// Closing the signal channel would race with Push.
	q.wake()
}

// Closed reports whether Close has been called.
func (q *FIFO[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
