package fetcher

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// RetryPolicy retries transient fetch failures with jittered exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy; zero values fall back to 3 attempts,
// 250ms base and 5s ceiling.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &RetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// MaxAttempts is the attempt ceiling, first try included.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether attempt (1-based) may be followed by another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, catalog.ErrSiteUnavailable) {
		return false
	}
	var fe *catalog.FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	return false
}

// Backoff returns the wait duration before retrying after attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return status != http.StatusNotImplemented && status != http.StatusHTTPVersionNotSupported
	}
	return false
}

// Classify turns a transport result into a *catalog.FetchError, or nil for a
// usable page.
func Classify(url string, status int, err error) error {
	if err != nil {
		var fe *catalog.FetchError
		if errors.As(err, &fe) {
			return fe
		}
		// Resets, timeouts and refused connections are all worth another try.
		return &catalog.FetchError{URL: url, Status: status, Kind: catalog.FetchTransient, Err: err}
	}
	if status >= 400 {
		kind := catalog.FetchPermanent
		if TransientStatus(status) {
			kind = catalog.FetchTransient
		}
		return &catalog.FetchError{URL: url, Status: status, Kind: kind, Err: errors.New(http.StatusText(status))}
	}
	return nil
}
