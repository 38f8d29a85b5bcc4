package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RobotsHeader is set on pages from hosts whose robots.txt could not be
// read. Those hosts are treated as allowing everything.
const RobotsHeader = "X-Catalog-Robots"

const allowAll = "User-agent: *\nAllow: /"

var robotsBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// robotsGuard retries robots.txt requests that time out and, when they never
// answer, serves an allow-all file and remembers the host so its pages can be
// flagged.
type robotsGuard struct {
	base    http.RoundTripper
	backoff []time.Duration

	mu          sync.Mutex
	unreachable map[string]string
}

func newRobotsGuard(base http.RoundTripper) *robotsGuard {
	return &robotsGuard{base: base, backoff: robotsBackoff, unreachable: map[string]string{}}
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return g.base.RoundTrip(req)
	}
	return g.fetchRobots(req)
}

func (g *robotsGuard) fetchRobots(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= len(g.backoff); attempt++ {
		if attempt > 0 {
			if err := pause(req.Context(), g.backoff[attempt-1]); err != nil {
				return nil, fmt.Errorf("fetch robots %s: %w", req.URL.Host, err)
			}
		}
		resp, err := g.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !timedOut(err) {
			return nil, fmt.Errorf("fetch robots %s: %w", req.URL.Host, err)
		}
		lastErr = err
	}

	g.mu.Lock()
	g.unreachable[strings.ToLower(req.URL.Host)] = "timeout: " + lastErr.Error()
	g.mu.Unlock()
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAll)),
		ContentLength: int64(len(allowAll)),
		Header:        http.Header{},
		Request:       req,
	}, nil
}

// annotate flags header when rawURL's host fell back to allow-all.
func (g *robotsGuard) annotate(rawURL string, header http.Header) http.Header {
	u, err := url.Parse(rawURL)
	if err != nil {
		return header
	}
	g.mu.Lock()
	reason, ok := g.unreachable[strings.ToLower(u.Host)]
	g.mu.Unlock()
	if !ok {
		return header
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set(RobotsHeader, "indeterminate: "+reason)
	return header
}

func timedOut(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
