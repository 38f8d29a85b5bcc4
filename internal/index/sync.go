package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/queue"
)

// Op is the action carried by a Message.
type Op string

// Message operations.
const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Message is one queued index update. Upserts carry the full document so
// workers never read the store.
type Message struct {
	Op        Op        `json:"op"`
	UUID      string    `json:"uuid"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Document  *Document `json:"document,omitempty"`
}

// MessageFor maps a committed change to the update it implies.
func MessageFor(change catalog.Change) Message {
	item := change.Item
	msg := Message{
		Op:        OpRemove,
		UUID:      item.UUID,
		Version:   item.Version,
		UpdatedAt: item.UpdatedAt,
	}
	if change.Kind != catalog.ChangePurged && item.Active() {
		doc := FromItem(item)
		msg.Op = OpUpsert
		msg.Document = &doc
	}
	return msg
}

// Canonicalizer follows merge pointers to the surviving item.
type Canonicalizer interface {
	Canonical(ctx context.Context, uuid string) (catalog.Item, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers     int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Report summarizes a bulk reindex.
type Report struct {
	Batches  int `json:"batches"`
	Upserted int `json:"upserted"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
}

// Synchronizer feeds catalog changes into a Backend. It is the store's
// catalog.Notifier: commits enqueue messages, and Run applies them.
type Synchronizer struct {
	backend Backend
	queue   queue.Queue
	store   catalog.Store
	canon   Canonicalizer
	cfg     Config
	logger  *zap.Logger
}

// NewSynchronizer wires a backend to its queue. canon may be nil, in which
// case search hits are returned as indexed.
func NewSynchronizer(
	backend Backend,
	q queue.Queue,
	store catalog.Store,
	canon Canonicalizer,
	cfg Config,
	logger *zap.Logger,
) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		backend: backend,
		queue:   q,
		store:   store,
		canon:   canon,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Backend exposes the underlying index.
func (s *Synchronizer) Backend() Backend { return s.backend }

// Notify enqueues one message per change. Queue failures are logged and
// otherwise swallowed: the commit already happened, and Catchup repairs the
// gap.
func (s *Synchronizer) Notify(ctx context.Context, changes []catalog.Change) {
	for _, change := range changes {
		msg := MessageFor(change)
		body, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("encode index message", zap.String("uuid", msg.UUID), zap.Error(err))
			continue
		}
		if err := s.queue.Enqueue(context.WithoutCancel(ctx), body); err != nil {
			metrics.ObserveIndexApply(string(msg.Op), "dropped")
			s.logger.Warn("index update not queued",
				zap.String("uuid", msg.UUID),
				zap.String("op", string(msg.Op)),
				zap.Error(fmt.Errorf("%w: %w", catalog.ErrIndexUnavailable, err)),
			)
		}
	}
	metrics.SetIndexQueueDepth(s.queue.Len())
}

// Run starts the worker pool and blocks until ctx ends or the queue closes.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info("index workers starting",
		zap.String("backend", s.backend.Name()),
		zap.Int("workers", s.cfg.Workers),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(ctx)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("index workers stopped")
	return err
}

func (s *Synchronizer) work(ctx context.Context) {
	failures := 0
	for {
		d, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			failures++
			delay := s.backoff(failures)
			s.logger.Error("index dequeue failed",
				zap.Int("failures", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			sleep(ctx, delay)
			continue
		}
		failures = 0
		metrics.SetIndexQueueDepth(s.queue.Len())

		var msg Message
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			s.logger.Error("discarding malformed index message", zap.String("id", d.ID), zap.Error(err))
			metrics.ObserveIndexApply("unknown", "malformed")
			if err := s.queue.Ack(ctx, d.ID); err != nil {
				s.logger.Error("ack index message", zap.String("id", d.ID), zap.Error(err))
			}
			continue
		}

		if err := s.apply(ctx, msg); err != nil {
			delay := s.backoff(d.Attempts)
			s.logger.Warn("index update failed; will retry",
				zap.String("uuid", msg.UUID),
				zap.Int("attempts", d.Attempts),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			sleep(ctx, delay)
			if err := s.queue.Nack(context.WithoutCancel(ctx), d.ID); err != nil {
				s.logger.Error("nack index message", zap.String("id", d.ID), zap.Error(err))
			}
			continue
		}
		if err := s.queue.Ack(ctx, d.ID); err != nil {
			s.logger.Error("ack index message", zap.String("id", d.ID), zap.Error(err))
		}
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Synchronizer) backoff(attempts int) time.Duration {
	delay := s.cfg.BaseBackoff
	for i := 1; i < attempts && delay < s.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, s.cfg.MaxBackoff)
}

func (s *Synchronizer) apply(ctx context.Context, msg Message) error {
	var (
		applied bool
		err     error
	)
	switch msg.Op {
	case OpUpsert:
		if msg.Document == nil {
			return fmt.Errorf("upsert %s: missing document", msg.UUID)
		}
		applied, err = s.backend.Upsert(ctx, *msg.Document)
	case OpRemove:
		applied, err = s.backend.Remove(ctx, msg.UUID, msg.Version)
	default:
		return fmt.Errorf("unknown index op %q", msg.Op)
	}
	switch {
	case err != nil:
		metrics.ObserveIndexApply(string(msg.Op), "error")
		return fmt.Errorf("%w: %s %s: %w", catalog.ErrIndexUnavailable, msg.Op, msg.UUID, err)
	case applied:
		metrics.ObserveIndexApply(string(msg.Op), "applied")
	default:
		metrics.ObserveIndexApply(string(msg.Op), "stale")
		s.logger.Debug("stale index update ignored",
			zap.String("uuid", msg.UUID),
			zap.Int64("version", msg.Version),
		)
	}
	return nil
}

// Upsert writes item synchronously, or removes it when it is no longer
// active.
func (s *Synchronizer) Upsert(ctx context.Context, item catalog.Item) error {
	return s.apply(ctx, MessageFor(catalog.Change{Kind: catalog.ChangeUpdated, Item: item}))
}

// Remove drops uuid from the index at the item's current version. Unknown
// items are tombstoned for good.
func (s *Synchronizer) Remove(ctx context.Context, uuid string) error {
	version := int64(1<<63 - 1)
	item, err := s.store.Get(ctx, uuid)
	switch {
	case err == nil:
		version = item.Version
	case !errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("load item %s: %w", uuid, err)
	}
	return s.apply(ctx, Message{Op: OpRemove, UUID: uuid, Version: version})
}

// ReindexAll pushes every active item to the backend in batches of
// batchSize. Failed documents are logged and counted, not fatal.
func (s *Synchronizer) ReindexAll(ctx context.Context, batchSize int) (Report, error) {
	return s.reindex(ctx, catalog.ItemFilter{States: []catalog.State{catalog.StateActive}}, batchSize)
}

// Catchup re-applies every item changed since the given time, removing the
// ones that are no longer active.
func (s *Synchronizer) Catchup(ctx context.Context, since time.Time, batchSize int) (Report, error) {
	return s.reindex(ctx, catalog.ItemFilter{UpdatedSince: since}, batchSize)
}

func (s *Synchronizer) reindex(ctx context.Context, filter catalog.ItemFilter, batchSize int) (Report, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	filter.Limit = batchSize
	var report Report
	for {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("reindex canceled: %w", err)
		}
		items, err := s.store.ScanItems(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("scan items: %w", err)
		}
		if len(items) == 0 {
			return report, nil
		}
		report.Batches++
		for _, item := range items {
			if err := s.Upsert(ctx, item); err != nil {
				report.Failed++
				s.logger.Warn("reindex item failed", zap.String("uuid", item.UUID), zap.Error(err))
				continue
			}
			if item.Active() {
				report.Upserted++
			} else {
				report.Removed++
			}
		}
		s.logger.Info("reindex batch done",
			zap.Int("batch", report.Batches),
			zap.Int("upserted", report.Upserted),
			zap.Int("failed", report.Failed),
		)
		if len(items) < batchSize {
			return report, nil
		}
		filter.After = items[len(items)-1].UUID
	}
}

// Info reports backend counts plus the queue backlog.
func (s *Synchronizer) Info(ctx context.Context) (Info, error) {
	info, err := s.backend.Info(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %w", catalog.ErrIndexUnavailable, err)
	}
	info.Pending = s.queue.Len()
	return info, nil
}

// Init creates the index structures.
func (s *Synchronizer) Init(ctx context.Context) error {
	return s.wrap("init", s.backend.Init(ctx))
}

// Destroy drops the index structures.
func (s *Synchronizer) Destroy(ctx context.Context) error {
	return s.wrap("destroy", s.backend.Destroy(ctx))
}

// DeleteAll empties the index, tombstones included.
func (s *Synchronizer) DeleteAll(ctx context.Context) error {
	return s.wrap("delete all", s.backend.DeleteAll(ctx))
}

func (s *Synchronizer) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", catalog.ErrIndexUnavailable, op, err)
}

// Get returns the document for uuid, or for the item it was merged into.
func (s *Synchronizer) Get(ctx context.Context, uuid string) (Document, error) {
	doc, err := s.backend.Get(ctx, uuid)
	if err == nil || !errors.Is(err, catalog.ErrNotFound) || s.canon == nil {
		return doc, err
	}
	item, cerr := s.canon.Canonical(ctx, uuid)
	if cerr != nil || item.UUID == uuid || !item.Active() {
		return Document{}, err
	}
	return s.backend.Get(ctx, item.UUID)
}

// Search runs q. Hits whose item has since been merged are replaced by the
// winner and hits for deleted items are dropped.
func (s *Synchronizer) Search(ctx context.Context, q Query) (Results, error) {
	q.normalizePaging()
	res, err := s.backend.Search(ctx, q)
	if err != nil {
		return Results{}, fmt.Errorf("%w: %w", catalog.ErrIndexUnavailable, err)
	}
	if s.canon == nil {
		return res, nil
	}
	seen := make(map[string]struct{}, len(res.Hits))
	hits := res.Hits[:0]
	for _, hit := range res.Hits {
		item, err := s.canon.Canonical(ctx, hit.UUID)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
			res.Total--
			continue
		case err != nil:
			return Results{}, fmt.Errorf("resolve hit %s: %w", hit.UUID, err)
		case !item.Active():
			res.Total--
			continue
		}
		if _, dup := seen[item.UUID]; dup {
			res.Total--
			continue
		}
		seen[item.UUID] = struct{}{}
		if item.UUID != hit.UUID {
			hit = FromItem(item)
		}
		hits = append(hits, hit)
	}
	res.Hits = hits
	return res, nil
}
