// Package memory provides a queue implementation for local development and
// tests. Messages do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/culture-catalog/internal/queue"
)

// Queue is an optionally bounded in-memory queue with context-aware
// operations.
type Queue struct {
	mu       sync.Mutex
	capacity int
	next     uint64
	ready    []queue.Delivery
	inflight map[string]queue.Delivery
	wake     chan struct{}
	closed   bool
}

// NewQueue constructs a queue holding at most capacity messages, queued and
// in flight together. A capacity of zero means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		inflight: make(map[string]queue.Delivery),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends body. It never blocks; a full queue returns queue.ErrFull.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.capacity > 0 && len(q.ready)+len(q.inflight) >= q.capacity {
		return queue.ErrFull
	}
	q.next++
	q.ready = append(q.ready, queue.Delivery{
		ID:   strconv.FormatUint(q.next, 10),
		Body: append([]byte(nil), body...),
	})
	q.signal()
	return nil
}

// Dequeue pops the next message, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queue.Delivery{}, queue.ErrClosed
		}
		if len(q.ready) > 0 {
			d := q.ready[0]
			q.ready = q.ready[1:]
			d.Attempts++
			q.inflight[d.ID] = d
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		}
	}
}

// Ack forgets a delivered message.
func (q *Queue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("ack unknown delivery %s", id)
	}
	delete(q.inflight, id)
	return nil
}

// Nack puts a delivered message back at the end of the queue.
func (q *Queue) Nack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("nack unknown delivery %s", id)
	}
	delete(q.inflight, id)
	q.ready = append(q.ready, d)
	if !q.closed {
		q.signal()
	}
	return nil
}

// Len counts queued and in-flight messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Close wakes blocked consumers. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
