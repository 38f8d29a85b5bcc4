// Package badgerqueue is a durable queue on top of BadgerDB. Messages are
// written before Enqueue returns and deleted on Ack, so anything not acked
// before a crash is delivered again on the next Open.
package badgerqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/culture-catalog/internal/queue"
)

const (
	keyPrefix   = "msg/"
	sequenceKey = "seq/messages"
)

// Config selects where the queue lives.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM, for tests.
	InMemory bool
	// SyncWrites fsyncs every enqueue.
	SyncWrites bool
}

// Queue implements queue.Queue.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence

	mu       sync.Mutex
	ready    []string
	attempts map[string]int
	inflight map[string]struct{}
	wake     chan struct{}
	closed   bool
}

// Open opens (or creates) the queue and schedules every stored message for
// delivery.
func Open(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger queue: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}
	q := &Queue{
		db:       db,
		seq:      seq,
		attempts: make(map[string]int),
		inflight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
	if err := q.load(); err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			q.ready = append(q.ready, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
}

// Enqueue persists body and schedules it.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}

	n, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}
	key := fmt.Sprintf("%s%020d", keyPrefix, n+1)
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), body)
	}); err != nil {
		return fmt.Errorf("persist queue message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.ready = append(q.ready, key)
	q.signal()
	return nil
}

// Dequeue returns the oldest ready message.
func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return queue.Delivery{}, queue.ErrClosed
		}
		if len(q.ready) > 0 {
			key := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[key] = struct{}{}
			q.attempts[key]++
			attempts := q.attempts[key]
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()

			body, err := q.read(key)
			if err != nil {
				_ = q.Nack(ctx, key)
				return queue.Delivery{}, err
			}
			return queue.Delivery{ID: key, Body: body, Attempts: attempts}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return queue.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		}
	}
}

func (q *Queue) read(key string) ([]byte, error) {
	var body []byte
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read queue message %s: %w", key, err)
	}
	return body, nil
}

// Ack deletes a delivered message.
func (q *Queue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	if _, ok := q.inflight[id]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("ack unknown delivery %s", id)
	}
	q.mu.Unlock()

	err := q.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("delete queue message %s: %w", id, err)
	}

	q.mu.Lock()
	delete(q.inflight, id)
	delete(q.attempts, id)
	q.mu.Unlock()
	return nil
}

// Nack schedules a delivered message again.
func (q *Queue) Nack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("nack unknown delivery %s", id)
	}
	delete(q.inflight, id)
	q.ready = append(q.ready, id)
	if !q.closed {
		q.signal()
	}
	return nil
}

// Len counts stored messages that have not been acked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// Close releases the sequence lease and closes the database.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.wake)
	q.mu.Unlock()

	var errs []error
	if err := q.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release queue sequence: %w", err))
	}
	if err := q.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close badger queue: %w", err))
	}
	return errors.Join(errs...)
}

// signal must be called with mu held.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
