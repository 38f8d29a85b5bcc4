// Package jobs holds the batch maintenance jobs that run directly against the
// catalog store: the integrity checker, the purge of deleted items and the
// named migrations. Every job is single-flight, checks for cancellation
// between batches and records its run, with every repair, in a ledger.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
)

// Job names.
const (
	JobIntegrity = "integrity"
	JobPurge     = "purge"
	JobMigrate   = "migrate"
)

// Merger performs explicit merges for migrations.
type Merger interface {
	Merge(ctx context.Context, winner string, losers ...string) (resolver.Outcome, error)
}

// Config tunes the jobs.
type Config struct {
	BatchSize int
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Runner executes jobs.
type Runner struct {
	store  catalog.Store
	merger Merger
	ledger catalog.RunLedger
	guard  *Guard
	ids    catalog.IDGenerator
	clock  catalog.Clock
	cfg    Config
	logger *zap.Logger
}

// NewRunner wires the jobs to their dependencies.
func NewRunner(
	store catalog.Store,
	merger Merger,
	ledger catalog.RunLedger,
	guard *Guard,
	ids catalog.IDGenerator,
	clock catalog.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if guard == nil {
		guard = NewGuard("")
	}
	return &Runner{
		store:  store,
		merger: merger,
		ledger: ledger,
		guard:  guard,
		ids:    ids,
		clock:  clock,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// execution is the state of one job run.
type execution struct {
	runner *Runner
	run    catalog.JobRun
	logger *zap.Logger
}

func (e *execution) count(name string, n int) {
	e.run.Counters[name] += n
}

// act records one repair in the ledger and the audit log.
func (e *execution) act(ctx context.Context, action catalog.Action) {
	e.run.Actions = append(e.run.Actions, action)
	e.logger.Info("repair applied",
		zap.String("action", action.Kind),
		zap.String("item", action.ItemUUID),
		zap.String("resource", action.Resource),
		zap.String("detail", action.Detail),
	)
	if err := e.runner.ledger.RecordAction(context.WithoutCancel(ctx), e.run.ID, action); err != nil {
		e.logger.Error("record job action", zap.Error(err))
	}
}

func (r *Runner) execute(
	ctx context.Context,
	job string,
	fix bool,
	fn func(ctx context.Context, e *execution) error,
) (catalog.JobRun, error) {
	release, err := r.guard.Acquire(job)
	if err != nil {
		return catalog.JobRun{}, err
	}
	defer release()

	id, err := r.ids.NewID()
	if err != nil {
		return catalog.JobRun{}, fmt.Errorf("new run id: %w", err)
	}
	e := &execution{
		runner: r,
		run: catalog.JobRun{
			ID:        id,
			Job:       job,
			Fix:       fix,
			Status:    catalog.JobStatusRunning,
			Counters:  map[string]int{},
			StartedAt: r.clock.Now(),
		},
		logger: r.logger.With(zap.String("job", job), zap.String("run_id", id), zap.Bool("fix", fix)),
	}
	if err := r.ledger.StartRun(ctx, e.run); err != nil {
		return catalog.JobRun{}, fmt.Errorf("start %s run: %w", job, err)
	}
	e.logger.Info("job started")

	runErr := fn(ctx, e)
	status := catalog.JobStatusSucceeded
	errText := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = catalog.JobStatusCanceled
		errText = runErr.Error()
	default:
		status = catalog.JobStatusFailed
		errText = runErr.Error()
	}

	finished := r.clock.Now()
	e.run.Status = status
	e.run.ErrorText = errText
	e.run.FinishedAt = &finished
	if err := r.ledger.FinishRun(context.WithoutCancel(ctx), id, status, errText, e.run.Counters); err != nil {
		e.logger.Error("finish job run", zap.Error(err))
	}
	metrics.ObserveJob(job, string(status))
	e.logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("actions", len(e.run.Actions)),
		zap.Duration("elapsed", finished.Sub(e.run.StartedAt)),
	)
	return e.run, runErr
}

// scanItems calls fn for every item matching filter, one batch at a time.
func (r *Runner) scanItems(ctx context.Context, filter catalog.ItemFilter, fn func(catalog.Item) error) error {
	filter.Limit = r.cfg.BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := r.store.ScanItems(ctx, filter)
		if err != nil {
			return fmt.Errorf("scan items: %w", err)
		}
		for _, item := range items {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(items) < filter.Limit {
			return nil
		}
		filter.After = items[len(items)-1].UUID
	}
}

// scanResources calls fn for every external resource, one batch at a time.
func (r *Runner) scanResources(ctx context.Context, fn func(catalog.ExternalResource) error) error {
	var after catalog.ResourceKey
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := r.store.ScanResources(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan resources: %w", err)
		}
		for _, res := range batch {
			if err := fn(res); err != nil {
				return err
			}
		}
		if len(batch) < r.cfg.BatchSize {
			return nil
		}
		after = batch[len(batch)-1].Key()
	}
}
