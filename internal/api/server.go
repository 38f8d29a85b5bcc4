// Package api exposes the HTTP interface for the catalog service.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/extsearch"
	"github.com/JakeFAU/culture-catalog/internal/index"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
	"github.com/JakeFAU/culture-catalog/internal/sites"
)

// Ingester saves an external URL into the catalog.
type Ingester interface {
	Save(ctx context.Context, rawURL string) (resolver.Outcome, error)
}

// Searcher answers catalog search queries.
type Searcher interface {
	Search(ctx context.Context, q index.Query) (index.Results, error)
}

// ExternalSearcher answers searches against external sites.
type ExternalSearcher interface {
	Search(ctx context.Context, q extsearch.Query) (extsearch.Response, error)
}

// URLResolver maps an external URL to a site handle.
type URLResolver interface {
	Resolve(rawURL string) (sites.Handle, error)
}

// Deps are the services behind the routes. Nil optional services answer 503.
type Deps struct {
	Store    catalog.Store
	Sites    URLResolver
	Ingester Ingester
	Index    Searcher
	External ExternalSearcher
	Ledger   catalog.RunLedger
	// Ready reports whether downstream dependencies are usable.
	Ready func(ctx context.Context) error
}

// Options tune the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
	SearchPageSize int
}

// Server wires HTTP handlers to the catalog services.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.SearchPageSize <= 0 {
		opts.SearchPageSize = index.DefaultPageSize
	}
	s := &Server{deps: deps, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/items/{uuid}", s.getItem)
		r.Get("/resolve", s.resolve)
		r.Get("/search", s.search)
		r.Get("/extsearch", s.externalSearch)
		r.Post("/ingest", s.ingest)
		r.Get("/reviews", s.reviews)

		jobs := NewJobsHandler(deps.Ledger, s.logger)
		r.Get("/jobs", jobs.ListRuns)
		r.Get("/jobs/{id}", jobs.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type itemResponse struct {
	Item      catalog.Item               `json:"item"`
	Resources []catalog.ExternalResource `json:"resources"`
}

// getItem serves an item. Merged items redirect permanently to their winner
// and deleted items answer 410.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	item, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	switch item.State {
	case catalog.StateMerged:
		http.Redirect(w, r, "/v1/items/"+item.MergedTo, http.StatusPermanentRedirect)
		return
	case catalog.StateDeleted:
		writeJSON(w, http.StatusGone, map[string]string{"error": "item deleted", "uuid": item.UUID})
		return
	}
	resources, err := s.deps.Store.ResourcesOf(r.Context(), item.UUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itemResponse{Item: item, Resources: resources})
}

type resolveResponse struct {
	Site     string        `json:"site"`
	SiteID   string        `json:"site_id"`
	URL      string        `json:"url"`
	Known    bool          `json:"known"`
	Item     *catalog.Item `json:"item,omitempty"`
	ItemPath string        `json:"item_path,omitempty"`
}

// resolve answers which catalog item, if any, owns an external URL.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("url"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	h, err := s.deps.Sites.Resolve(raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := resolveResponse{Site: h.Site.Name(), SiteID: h.ID, URL: h.URL}
	res, err := s.deps.Store.GetResource(r.Context(), h.Key())
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, resp)
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	if res.ItemUUID == "" {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	item, err := s.deps.Store.Get(r.Context(), res.ItemUUID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if item.State == catalog.StateMerged {
		if item, err = s.deps.Store.Get(r.Context(), item.MergedTo); err != nil {
			s.fail(w, err)
			return
		}
	}
	resp.Known = true
	resp.Item = &item
	resp.ItemPath = "/v1/items/" + item.UUID
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "search index unavailable")
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	size, err := intParam(r, "page_size", s.opts.SearchPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := index.ParseQuery(r.URL.Query().Get("q"), page, size)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Index.Search(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) externalSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.External == nil {
		writeError(w, http.StatusServiceUnavailable, "external search unavailable")
		return
	}
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := extsearch.Query{Text: r.URL.Query().Get("q"), Page: page}
	if raw := r.URL.Query().Get("category"); raw != "" {
		c, err := catalog.ParseCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		q.Category = c
	}
	resp, err := s.deps.External.Search(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type ingestRequest struct {
	URL string `json:"url"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	outcome, err := s.deps.Ingester.Save(r.Context(), req.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if outcome.Kind == resolver.Created {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/v1/items/"+outcome.Item.UUID)
	writeJSON(w, status, outcome)
}

func (s *Server) reviews(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	entries, err := s.deps.Store.Reviews(r.Context(), all)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": entries})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *catalog.FetchError
	var collision *catalog.CollisionError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrUnsupportedSite),
		errors.Is(err, catalog.ErrParseFailure),
		errors.Is(err, extsearch.ErrInvalidQuery):
		return http.StatusUnprocessableEntity
	case errors.As(err, &collision),
		errors.Is(err, catalog.ErrDuplicateConflict),
		errors.Is(err, catalog.ErrResourceOwned),
		errors.Is(err, catalog.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrSiteUnavailable),
		errors.Is(err, catalog.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &fe):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", RequestID(r.Context())),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
