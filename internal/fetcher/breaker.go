package fetcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
)

// BreakerConfig sets when a site's breaker opens and how long it stays open.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Window clears failure counts while the breaker is closed.
	Window time.Duration
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// HalfOpenRequests may reach a recovering site.
	HalfOpenRequests uint32
}

// Breakers keeps one circuit breaker per site.
type Breakers struct {
	cfg    BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[catalog.Page]
}

// NewBreakers builds an empty per-site breaker set.
func NewBreakers(cfg BreakerConfig, logger *zap.Logger) *Breakers {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breakers{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[catalog.Page]),
	}
}

// Execute runs fn through site's breaker. An open breaker fails fast with
// catalog.ErrSiteUnavailable.
func (b *Breakers) Execute(site string, fn func() (catalog.Page, error)) (catalog.Page, error) {
	page, err := b.get(site).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return catalog.Page{}, fmt.Errorf("%w: %s: %w", catalog.ErrSiteUnavailable, site, err)
	}
	return page, err
}

// State reports site's breaker state.
func (b *Breakers) State(site string) gobreaker.State {
	return b.get(site).State()
}

func (b *Breakers) get(site string) *gobreaker.CircuitBreaker[catalog.Page] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[site]; ok {
		return cb
	}
	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[catalog.Page](gobreaker.Settings{
		Name:        site,
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    b.cfg.Window,
		Timeout:     b.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: healthy,
		IsExcluded:   excludedFromHealth,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("site breaker state changed",
				zap.String("site", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.SetBreakerState(name, int(to))
		},
	})
	b.breakers[site] = cb
	return cb
}

// excludedFromHealth ignores errors that never reached the site, such as
// caller cancellations and limiter waits.
func excludedFromHealth(err error) bool {
	if err == nil {
		return false
	}
	var fe *catalog.FetchError
	return !errors.As(err, &fe)
}

// healthy treats a permanent failure as proof the site answered.
func healthy(err error) bool {
	if err == nil {
		return true
	}
	var fe *catalog.FetchError
	return errors.As(err, &fe) && !fe.Transient()
}
