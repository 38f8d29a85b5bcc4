package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/queue"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan queue.Delivery, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), []byte("msg-1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if string(got.Body) != "msg-1" || got.Attempts != 1 {
			t.Fatalf("unexpected delivery %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return message")
	}
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewQueue(0)
	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.NoError(t, q.Enqueue(ctx, []byte("b")))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", string(first.Body))
	require.NoError(t, q.Nack(ctx, first.ID))
	require.Equal(t, 2, q.Len())

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", string(second.Body))
	require.NoError(t, q.Ack(ctx, second.ID))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
	require.NoError(t, q.Ack(ctx, again.ID))
	require.Zero(t, q.Len())

	require.Error(t, q.Ack(ctx, again.ID))
}

func TestQueueBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.ErrorIs(t, q.Enqueue(ctx, []byte("b")), queue.ErrFull)

	// In-flight messages still occupy capacity.
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, q.Enqueue(ctx, []byte("b")), queue.ErrFull)
	require.NoError(t, q.Ack(ctx, d.ID))
	require.NoError(t, q.Enqueue(ctx, []byte("b")))
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}
	if err := q.Enqueue(ctx, []byte("x")); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Close())
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	// Closing twice should be safe.
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(context.Background(), []byte("x")), queue.ErrClosed)
}
