// Package ratelimit implements per-site token buckets for fetch politeness.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/culture-catalog/internal/metrics"
)

// SiteRate overrides the default rate for one site.
type SiteRate struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	Sites        map[string]SiteRate
}

// Limiter manages per-site rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	def      SiteRate
	sites    map[string]SiteRate
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	sites := make(map[string]SiteRate, len(cfg.Sites))
	for name, r := range cfg.Sites {
		sites[name] = r
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		def:      SiteRate{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst},
		sites:    sites,
	}
}

// Wait blocks until a token is available for site, respecting the context.
func (l *Limiter) Wait(ctx context.Context, site string) error {
	if site == "" {
		site = "unknown"
	}
	limiter := l.limiterFor(site)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(site, d)
	}
	return nil
}

// Limit reports the effective rate and burst of site.
func (l *Limiter) Limit(site string) (rate.Limit, int) {
	lim := l.limiterFor(site)
	return lim.Limit(), lim.Burst()
}

func (l *Limiter) limiterFor(site string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[site]; ok {
		return lim
	}
	cfg := l.def
	if override, ok := l.sites[site]; ok {
		if override.RPS != 0 {
			cfg.RPS = override.RPS
		}
		if override.Burst > 0 {
			cfg.Burst = override.Burst
		}
	}
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(r, burst)
	l.limiters[site] = lim
	return lim
}
