package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	ledgerTimeout   = 3 * time.Second
)

var knownJobs = map[string]struct{}{
	"integrity": {},
	"purge":     {},
	"migrate":   {},
}

// JobsHandler exposes the batch job ledger read-only.
type JobsHandler struct {
	ledger  catalog.RunLedger
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobsHandler wires the ledger and logger.
func NewJobsHandler(ledger catalog.RunLedger, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{ledger: ledger, timeout: ledgerTimeout, logger: logger}
}

// ListRuns handles GET /v1/jobs?job=&limit=. It returns {"runs": [...]}
// newest first, 400 for an unknown job or bad limit, and 503 without a
// ledger.
func (h *JobsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("job")))
	if job != "" {
		if _, ok := knownJobs[job]; !ok {
			writeError(w, http.StatusBadRequest, "invalid job")
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.ledger.ListRuns(ctx, job, limit)
	if err != nil {
		h.logger.Error("list job runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list job runs")
		return
	}
	if runs == nil {
		runs = []catalog.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/jobs/{id}, including the run's recorded actions.
func (h *JobsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "job ledger unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.ledger.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job run not found")
			return
		}
		h.logger.Error("get job run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
