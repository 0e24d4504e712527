package pipeline

import (
	"context"
	"sync"
)

// Queue is an unbounded in-memory FIFO of order IDs. Producers (request
// handlers, sweepers) never block; the single consumer blocks in Dequeue until
// an item arrives or its context is cancelled. Items are plain IDs, never
// aggregates: consumers must reload state from storage after dequeue.
type Queue struct {
	mu    sync.Mutex
	items []string
	wake  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends an order ID. Duplicate enqueues are harmless: consumers
// re-validate eligibility against storage after dequeue.
func (q *Queue) Enqueue(orderID string) {
	q.mu.Lock()
	q.items = append(q.items, orderID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the oldest item, blocking until one is
// available. It returns false when the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.wake:
			// Re-check under the lock; the wake token may be stale.
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
