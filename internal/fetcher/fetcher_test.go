package fetcher

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/policy/ratelimit"
)

type scriptedTransport struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   int
	reqs    []catalog.FetchRequest
}

type scriptedResult struct {
	status int
	body   string
	err    error
}

func (s *scriptedTransport) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	s.reqs = append(s.reqs, req)
	res := s.results[idx]
	if res.err != nil {
		return catalog.Page{}, res.err
	}
	return catalog.Page{Status: res.status, Body: []byte(res.body)}, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestFetcher(cfg Config, plain Transport, opts ...Option) *Fetcher {
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	return New(cfg, plain, ratelimit.New(ratelimit.Config{}), nil, opts...)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{
		{status: http.StatusServiceUnavailable},
		{err: errors.New("connection reset by peer")},
		{status: http.StatusOK, body: "ok"},
	}}
	f := newTestFetcher(Config{MaxAttempts: 3}, tr)

	page, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://openlibrary.org/books/OL1M.json", Site: "openlibrary"})
	require.NoError(t, err)
	require.Equal(t, "ok", string(page.Body))
	require.Equal(t, "https://openlibrary.org/books/OL1M.json", page.URL)
	require.False(t, page.FetchedAt.IsZero())
	require.Equal(t, 3, tr.Calls())
}

func TestFetchGivesUpAtAttemptCeiling(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{{status: http.StatusTooManyRequests}}}
	f := newTestFetcher(Config{MaxAttempts: 2, Breaker: BreakerConfig{ConsecutiveFailures: 10}}, tr)

	_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://x/1", Site: "imdb"})
	var fe *catalog.FetchError
	require.ErrorAs(t, err, &fe)
	require.True(t, fe.Transient())
	require.Equal(t, http.StatusTooManyRequests, fe.Status)
	require.Equal(t, 2, tr.Calls())
}

func TestFetchDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{{status: http.StatusNotFound}}}
	f := newTestFetcher(Config{MaxAttempts: 5, Breaker: BreakerConfig{ConsecutiveFailures: 1}}, tr)

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://x/missing", Site: "musicbrainz"})
		var fe *catalog.FetchError
		require.ErrorAs(t, err, &fe)
		require.False(t, fe.Transient())
		require.ErrorIs(t, err, catalog.ErrFetch)
	}
	// A 404 proves the site answered; the breaker stays closed.
	require.Equal(t, 3, tr.Calls())
	require.Equal(t, gobreaker.StateClosed, f.Breakers().State("musicbrainz"))
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{{status: http.StatusBadGateway}}}
	f := newTestFetcher(Config{
		MaxAttempts: 1,
		Breaker:     BreakerConfig{ConsecutiveFailures: 3, Cooldown: 100 * time.Millisecond},
	}, tr)
	ctx := context.Background()
	req := catalog.FetchRequest{URL: "https://wikidata/Q1", Site: "wikidata"}

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(ctx, req)
		require.ErrorIs(t, err, catalog.ErrFetch)
	}
	require.Equal(t, gobreaker.StateOpen, f.Breakers().State("wikidata"))

	_, err := f.Fetch(ctx, req)
	require.ErrorIs(t, err, catalog.ErrSiteUnavailable)
	require.Equal(t, 3, tr.Calls())

	// Other sites are unaffected.
	_, err = f.Fetch(ctx, catalog.FetchRequest{URL: "https://imdb/tt1", Site: "imdb"})
	require.NotErrorIs(t, err, catalog.ErrSiteUnavailable)

	// After the cool-down a trial request goes through and a success closes it.
	tr.mu.Lock()
	tr.results = []scriptedResult{{status: http.StatusOK, body: "back"}}
	tr.calls = 0
	tr.mu.Unlock()
	require.Eventually(t, func() bool {
		_, err := f.Fetch(ctx, req)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, gobreaker.StateClosed, f.Breakers().State("wikidata"))
}

func TestFetchRoutesRenderedRequests(t *testing.T) {
	t.Parallel()

	plain := &scriptedTransport{results: []scriptedResult{{status: http.StatusOK, body: "plain"}}}
	rendered := &scriptedTransport{results: []scriptedResult{{status: http.StatusOK, body: "rendered"}}}
	f := newTestFetcher(Config{}, plain, WithRenderer(rendered))

	page, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://search.worldcat.org/title/1", Site: "worldcat", Render: true})
	require.NoError(t, err)
	require.Equal(t, "rendered", string(page.Body))

	page, err = f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://openlibrary.org/books/OL1M.json"})
	require.NoError(t, err)
	require.Equal(t, "plain", string(page.Body))
}

type shellPromoter struct{}

func (shellPromoter) ShouldPromote(page catalog.Page) bool { return string(page.Body) == "shell" }

func TestFetchPromotesShellPages(t *testing.T) {
	t.Parallel()

	plain := &scriptedTransport{results: []scriptedResult{
		{status: http.StatusOK, body: "shell"},
		{status: http.StatusOK, body: "full"},
	}}
	rendered := &scriptedTransport{results: []scriptedResult{{status: http.StatusOK, body: "rendered"}}}
	f := newTestFetcher(Config{}, plain, WithRenderer(rendered), WithPromoter(shellPromoter{}))

	page, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://www.goodreads.com/book/show/1", Site: "goodreads"})
	require.NoError(t, err)
	require.Equal(t, "rendered", string(page.Body))
	require.Equal(t, 1, rendered.Calls())

	page, err = f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://www.goodreads.com/book/show/2", Site: "goodreads"})
	require.NoError(t, err)
	require.Equal(t, "full", string(page.Body))
	require.Equal(t, 1, rendered.Calls())
}

type slowTransport struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *slowTransport) Fetch(ctx context.Context, _ catalog.FetchRequest) (catalog.Page, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
	}
	return catalog.Page{Status: http.StatusOK}, nil
}

func TestFetchCapsConcurrency(t *testing.T) {
	t.Parallel()

	tr := &slowTransport{}
	f := newTestFetcher(Config{Concurrency: 2}, tr)

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.Fetch(context.Background(), catalog.FetchRequest{URL: "https://x/", Site: "s"}); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failed.Load())
	require.LessOrEqual(t, tr.peak.Load(), int32(2))
}

func TestFetchRateWaitDoesNotBlockOtherSites(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{{status: http.StatusOK, body: "ok"}}}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   1000,
		DefaultBurst: 1,
		Sites:        map[string]ratelimit.SiteRate{"slow": {RPS: 0.5, Burst: 1}},
	})
	f := New(Config{Concurrency: 2}, tr, limiter, nil, WithSleep(noSleep))

	// The first slow fetch spends the burst; the next two wait on the bucket.
	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.Fetch(ctx, catalog.FetchRequest{URL: "https://slow.test/0", Site: "slow"})
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.Fetch(ctx, catalog.FetchRequest{URL: "https://slow.test/1", Site: "slow"})
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	time.Sleep(50 * time.Millisecond)

	fastCtx, fastCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer fastCancel()
	start := time.Now()
	page, err := f.Fetch(fastCtx, catalog.FetchRequest{URL: "https://fast.test/", Site: "fast"})
	require.NoError(t, err)
	require.Equal(t, "ok", string(page.Body))
	require.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestFetchStopsOnCancellation(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{results: []scriptedResult{{status: http.StatusServiceUnavailable}}}
	f := New(Config{MaxAttempts: 5}, tr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Fetch(ctx, catalog.FetchRequest{URL: "https://x/", Site: "s"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, tr.Calls())
	require.Equal(t, gobreaker.StateClosed, f.Breakers().State("s"))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.NoError(t, Classify("u", http.StatusOK, nil))
	require.NoError(t, Classify("u", http.StatusNotModified, nil))

	cases := []struct {
		status    int
		err       error
		transient bool
	}{
		{status: http.StatusInternalServerError, transient: true},
		{status: http.StatusServiceUnavailable, transient: true},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusRequestTimeout, transient: true},
		{status: http.StatusNotImplemented, transient: false},
		{status: http.StatusNotFound, transient: false},
		{status: http.StatusGone, transient: false},
		{status: http.StatusForbidden, transient: false},
		{err: context.DeadlineExceeded, transient: true},
		{err: errors.New("connection refused"), transient: true},
		{err: &catalog.FetchError{Kind: catalog.FetchPermanent, Err: errors.New("blocked")}, transient: false},
	}
	for _, tc := range cases {
		err := Classify("u", tc.status, tc.err)
		var fe *catalog.FetchError
		require.ErrorAs(t, err, &fe)
		require.Equal(t, tc.transient, fe.Transient(), "status %d err %v", tc.status, tc.err)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 100*time.Millisecond, time.Second)
	transient := &catalog.FetchError{Kind: catalog.FetchTransient}
	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(transient, 3))
	require.False(t, p.ShouldRetry(&catalog.FetchError{Kind: catalog.FetchPermanent}, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}
