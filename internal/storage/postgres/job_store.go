package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// JobStore persists batch job runs in job_runs and their audit trail in
// job_actions. It shares the catalog store's pool.
type JobStore struct {
	pool    querier
	runs    string
	actions string
	clock   catalog.Clock
}

// NewJobStore builds a run ledger on p in schema.
func NewJobStore(p querier, schema string, clock catalog.Clock) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(schema)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, runs: t.schema + ".job_runs", actions: t.schema + ".job_actions", clock: clock}, nil
}

// JobStore returns a run ledger sharing this store's pool.
func (s *CatalogStore) JobStore() *JobStore {
	return &JobStore{pool: s.pool, runs: s.t.schema + ".job_runs", actions: s.t.schema + ".job_actions", clock: s.clock}
}

// EnsureSchema creates the ledger tables when they are missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          text PRIMARY KEY,
	job         text NOT NULL,
	fix         boolean NOT NULL,
	status      text NOT NULL,
	error_text  text NOT NULL DEFAULT '',
	counters    jsonb,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS job_runs_job_started_idx ON %[1]s (job, started_at DESC);
CREATE TABLE IF NOT EXISTS %[2]s (
	run_id    text NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
	seq       bigserial,
	kind      text NOT NULL,
	item_uuid text NOT NULL DEFAULT '',
	resource  text NOT NULL DEFAULT '',
	detail    text NOT NULL,
	PRIMARY KEY (run_id, seq)
);`, s.runs, s.actions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create job ledger schema: %w", err)
	}
	return nil
}

// StartRun inserts a run in running status.
func (s *JobStore) StartRun(ctx context.Context, run catalog.JobRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, job, fix, status, started_at) VALUES ($1, $2, $3, $4, $5)`, s.runs)
	if _, err := s.pool.Exec(ctx, query, run.ID, run.Job, run.Fix, string(catalog.JobStatusRunning), run.StartedAt); err != nil {
		return fmt.Errorf("start job run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final status and counters of a run.
func (s *JobStore) FinishRun(
	ctx context.Context,
	id string,
	status catalog.JobStatus,
	errText string,
	counters map[string]int,
) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	var finished pgtype.Timestamptz
	if status.Terminal() {
		finished = pgtype.Timestamptz{Time: s.now(), Valid: true}
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $2, error_text = $3, counters = $4, finished_at = $5 WHERE id = $1`, s.runs)
	tag, err := s.pool.Exec(ctx, query, id, string(status), errText, payload, finished)
	if err != nil {
		return fmt.Errorf("finish job run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job run %s: %w", id, catalog.ErrNotFound)
	}
	return nil
}

// RecordAction appends one audit action.
func (s *JobStore) RecordAction(ctx context.Context, id string, action catalog.Action) error {
	query := fmt.Sprintf(`INSERT INTO %s (run_id, kind, item_uuid, resource, detail) VALUES ($1, $2, $3, $4, $5)`, s.actions)
	if _, err := s.pool.Exec(ctx, query, id, action.Kind, action.ItemUUID, action.Resource, action.Detail); err != nil {
		return fmt.Errorf("record action for run %s: %w", id, err)
	}
	return nil
}

const runColumns = "id, job, fix, status, error_text, counters, started_at, finished_at"

// GetRun loads a run with its actions.
func (s *JobStore) GetRun(ctx context.Context, id string) (catalog.JobRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.JobRun{}, fmt.Errorf("job run %s: %w", id, catalog.ErrNotFound)
		}
		return catalog.JobRun{}, fmt.Errorf("get job run %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT kind, item_uuid, resource, detail FROM %s WHERE run_id = $1 ORDER BY seq`, s.actions), id)
	if err != nil {
		return catalog.JobRun{}, fmt.Errorf("list actions of run %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var a catalog.Action
		if err := rows.Scan(&a.Kind, &a.ItemUUID, &a.Resource, &a.Detail); err != nil {
			return catalog.JobRun{}, fmt.Errorf("scan action: %w", err)
		}
		run.Actions = append(run.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return catalog.JobRun{}, fmt.Errorf("iterate actions: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first, without actions. An empty job
// lists every job.
func (s *JobStore) ListRuns(ctx context.Context, job string, limit int) ([]catalog.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR job = $1) ORDER BY started_at DESC LIMIT $2`, runColumns, s.runs)
	rows, err := s.pool.Query(ctx, query, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var out []catalog.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (catalog.JobRun, error) {
	var (
		run      catalog.JobRun
		status   string
		counters []byte
		finished pgtype.Timestamptz
	)
	if err := row.Scan(&run.ID, &run.Job, &run.Fix, &status, &run.ErrorText, &counters, &run.StartedAt, &finished); err != nil {
		return catalog.JobRun{}, err
	}
	run.Status = catalog.JobStatus(status)
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &run.Counters); err != nil {
			return catalog.JobRun{}, fmt.Errorf("decode counters: %w", err)
		}
	}
	if finished.Valid {
		ts := finished.Time.UTC()
		run.FinishedAt = &ts
	}
	return run, nil
}

func (s *JobStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
