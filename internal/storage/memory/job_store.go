package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// JobStore keeps batch job run history in memory.
type JobStore struct {
	mu   sync.RWMutex
	runs map[string]catalog.JobRun
	now  func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		runs: make(map[string]catalog.JobRun),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// StartRun stores a new run in running status.
func (s *JobStore) StartRun(_ context.Context, run catalog.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("job run already exists")
	}
	run.Status = catalog.JobStatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// FinishRun sets the terminal status and counters of a run.
func (s *JobStore) FinishRun(
	_ context.Context,
	id string,
	status catalog.JobStatus,
	errText string,
	counters map[string]int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("job run %s: %w", id, catalog.ErrNotFound)
	}
	run.Status = status
	run.ErrorText = errText
	run.Counters = cloneCounters(counters)
	if status.Terminal() {
		ts := s.now()
		run.FinishedAt = &ts
	}
	s.runs[id] = run
	return nil
}

// RecordAction appends an audit action to a run.
func (s *JobStore) RecordAction(_ context.Context, id string, action catalog.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("job run %s: %w", id, catalog.ErrNotFound)
	}
	run.Actions = append(run.Actions, action)
	s.runs[id] = run
	return nil
}

// GetRun fetches a run by ID.
func (s *JobStore) GetRun(_ context.Context, id string) (catalog.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return catalog.JobRun{}, fmt.Errorf("job run %s: %w", id, catalog.ErrNotFound)
	}
	return cloneRun(run), nil
}

// ListRuns returns the newest runs of job first; an empty job lists all.
func (s *JobStore) ListRuns(_ context.Context, job string, limit int) ([]catalog.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if job == "" || run.Job == job {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRun(run catalog.JobRun) catalog.JobRun {
	out := run
	out.Counters = cloneCounters(run.Counters)
	out.Actions = append([]catalog.Action(nil), run.Actions...)
	return out
}

func cloneCounters(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
