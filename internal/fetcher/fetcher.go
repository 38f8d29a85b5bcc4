// Package fetcher retrieves site pages politely: per-site token buckets, a
// process-wide concurrency cap, retries of transient failures and a circuit
// breaker per site.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/policy/ratelimit"
	"github.com/JakeFAU/culture-catalog/internal/telemetry"
)

// Transport performs one request without retries or politeness.
type Transport interface {
	Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.Page, error)
}

// Config tunes the fetcher.
type Config struct {
	// Timeout bounds a single attempt.
	Timeout     time.Duration
	Concurrency int64
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Breaker     BreakerConfig
}

// Fetcher implements catalog.PageFetcher.
type Fetcher struct {
	cfg      Config
	plain    Transport
	renderer Transport
	promoter Promoter
	limiter  *ratelimit.Limiter
	sem      *semaphore.Weighted
	breakers *Breakers
	retry    *RetryPolicy
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Promoter flags plainly fetched pages that are script shells.
type Promoter interface {
	ShouldPromote(page catalog.Page) bool
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRenderer sets the transport used for requests that need rendering.
func WithRenderer(t Transport) Option {
	return func(f *Fetcher) { f.renderer = t }
}

// WithPromoter re-fetches shell pages through the renderer.
func WithPromoter(p Promoter) Option {
	return func(f *Fetcher) { f.promoter = p }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = fn }
}

// New builds a Fetcher around plain, the default transport.
func New(cfg Config, plain Transport, limiter *ratelimit.Limiter, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		plain:    plain,
		limiter:  limiter,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		breakers: NewBreakers(cfg.Breaker, logger),
		retry:    NewRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay),
		logger:   logger.Named("fetcher"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Breakers exposes the per-site breakers.
func (f *Fetcher) Breakers() *Breakers { return f.breakers }

// Fetch retrieves req.URL. Failures come back as *catalog.FetchError, or
// wrap catalog.ErrSiteUnavailable when the site's breaker is open.
func (f *Fetcher) Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	site := req.Site
	if site == "" {
		site = hostOf(req.URL)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "fetcher.Fetch")
	span.SetAttributes(
		attribute.String("catalog.site", site),
		attribute.String("http.url", req.URL),
		attribute.Bool("catalog.render", req.Render),
	)
	defer span.End()

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		page, err := f.breakers.Execute(site, func() (catalog.Page, error) {
			return f.attempt(ctx, site, req)
		})
		if err == nil {
			metrics.ObserveFetch(site, "ok", len(page.Body), time.Since(start))
			span.SetAttributes(attribute.Int("http.status_code", page.Status), attribute.Int("catalog.attempts", attempt))
			return page, nil
		}
		lastErr = err
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		delay := f.retry.Backoff(attempt - 1)
		f.logger.Debug("retrying fetch",
			zap.String("site", site),
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("fetch %s: %w", req.URL, err)
			break
		}
	}

	metrics.ObserveFetch(site, outcomeOf(lastErr), 0, time.Since(start))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return catalog.Page{}, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, site string, req catalog.FetchRequest) (catalog.Page, error) {
	// Waiting on one site's bucket must not hold a slot other sites need.
	if err := f.limiter.Wait(ctx, site); err != nil {
		return catalog.Page{}, err
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return catalog.Page{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer f.sem.Release(1)

	transport := f.plain
	if req.Render && f.renderer != nil {
		transport = f.renderer
	}
	page, err := f.roundTrip(ctx, transport, req)
	if err == nil && transport == f.plain && f.renderer != nil && f.promoter != nil && f.promoter.ShouldPromote(page) {
		f.logger.Debug("promoting to rendered fetch", zap.String("site", site), zap.String("url", req.URL))
		metrics.ObservePromotion(site)
		page, err = f.roundTrip(ctx, f.renderer, req)
	}
	return page, err
}

func (f *Fetcher) roundTrip(ctx context.Context, transport Transport, req catalog.FetchRequest) (catalog.Page, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	page, err := transport.Fetch(attemptCtx, req)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the site.
		return catalog.Page{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	}
	if err := Classify(req.URL, page.Status, err); err != nil {
		return catalog.Page{}, err
	}
	if page.URL == "" {
		page.URL = req.URL
	}
	if page.FetchedAt.IsZero() {
		page.FetchedAt = time.Now().UTC()
	}
	return page, nil
}

func outcomeOf(err error) string {
	var fe *catalog.FetchError
	switch {
	case errors.Is(err, catalog.ErrSiteUnavailable):
		return "breaker_open"
	case errors.As(err, &fe):
		return fe.Kind.String()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
