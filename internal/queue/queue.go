// Package queue defines the message queue that carries index updates from
// store commits to the index workers. Deliveries stay invisible to other
// consumers until they are acked, or nacked back into the queue.
package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// ErrFull is returned by Enqueue when a bounded queue has no room.
var ErrFull = errors.New("queue full")

// Delivery is one dequeued message.
type Delivery struct {
	ID       string
	Body     []byte
	Attempts int
}

// Queue is an at-least-once message queue.
type Queue interface {
	// Enqueue appends body to the queue.
	Enqueue(ctx context.Context, body []byte) error
	// Dequeue blocks until a message is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)
	// Ack removes a delivered message for good.
	Ack(ctx context.Context, id string) error
	// Nack returns a delivered message to the back of the queue.
	Nack(ctx context.Context, id string) error
	// Len counts queued and in-flight messages.
	Len() int
	// Close releases resources and wakes blocked consumers.
	Close() error
}
