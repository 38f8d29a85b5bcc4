package badgerqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

func TestQueueFIFOAndAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, []byte(body)))
	}
	require.Equal(t, 3, q.Len())

	var got []string
	for range 3 {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, d.Attempts)
		got = append(got, string(d.Body))
		require.NoError(t, q.Ack(ctx, d.ID))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Zero(t, q.Len())
}

func TestQueueNack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Enqueue(ctx, []byte("retry me")))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d.ID))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, d.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
	require.Equal(t, "retry me", string(again.Body))

	require.Error(t, q.Nack(ctx, "msg/unknown"))
}

func TestQueueRedeliversAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	q, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, []byte("acked")))
	require.NoError(t, q.Enqueue(ctx, []byte("pending")))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "acked", string(d.Body))
	require.NoError(t, q.Ack(ctx, d.ID))

	// Dequeued but never acked.
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	require.Equal(t, 1, reopened.Len())

	require.NoError(t, reopened.Enqueue(ctx, []byte("later")))
	first, err := reopened.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "pending", string(first.Body))
	second, err := reopened.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "later", string(second.Body))
}

func TestQueueDequeueWaitsAndCloses(t *testing.T) {
	t.Parallel()

	q, err := Open(Config{InMemory: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, queue.ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), []byte("x")), queue.ErrClosed)
	require.NoError(t, q.Close())
}
