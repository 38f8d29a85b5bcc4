package catalog

import (
	"context"
	"time"
)

// JobStatus tracks a batch job run.
type JobStatus string

// Job run statuses.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether the run has finished.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Action is one auditable change made by a job in fix mode.
type Action struct {
	Kind     string `json:"kind"`
	ItemUUID string `json:"item_uuid,omitempty"`
	Resource string `json:"resource,omitempty"`
	Detail   string `json:"detail"`
}

// JobRun records one execution of a batch job.
type JobRun struct {
	ID         string         `json:"id"`
	Job        string         `json:"job"`
	Fix        bool           `json:"fix"`
	Status     JobStatus      `json:"status"`
	ErrorText  string         `json:"error,omitempty"`
	Counters   map[string]int `json:"counters,omitempty"`
	Actions    []Action       `json:"actions,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// RunLedger persists job run history.
type RunLedger interface {
	StartRun(ctx context.Context, run JobRun) error
	FinishRun(ctx context.Context, id string, status JobStatus, errText string, counters map[string]int) error
	RecordAction(ctx context.Context, id string, action Action) error
	GetRun(ctx context.Context, id string) (JobRun, error)
	ListRuns(ctx context.Context, job string, limit int) ([]JobRun, error)
}
