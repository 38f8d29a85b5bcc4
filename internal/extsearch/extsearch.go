// Package extsearch fans a free-text query out to every external site that
// exposes a search API and merges their answers. Responses are cached for a
// short TTL so repeated lookups from the UI do not hit the sites again.
package extsearch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/sites"
)

// Limits on a query.
const (
	MaxQueryLength = 100
	MaxPage        = 10
)

// ErrInvalidQuery is returned for empty, oversized or out-of-range queries.
var ErrInvalidQuery = errors.New("invalid external search query")

// Config tunes the fan-out.
type Config struct {
	// Timeout bounds each site's search.
	Timeout time.Duration
	// CacheTTL is how long a complete response is reused.
	CacheTTL time.Duration
	// PageSize overrides the per-site page size. Zero picks 5 when all
	// categories are searched and 10 for a single one.
	PageSize int
	// Concurrency caps simultaneous site searches.
	Concurrency int
	// MaxCacheEntries bounds the cache.
	MaxCacheEntries int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 300 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = 1024
	}
	return c
}

// Query is an external search request.
type Query struct {
	Text     string           `json:"q"`
	Category catalog.Category `json:"category,omitempty"`
	Page     int              `json:"page"`
}

// Response merges the sites' answers. Sites that failed are listed in Errors
// and do not fail the whole search.
type Response struct {
	Query   Query                `json:"query"`
	Results []sites.SearchResult `json:"results"`
	Errors  map[string]string    `json:"errors,omitempty"`
	Cached  bool                 `json:"cached"`
}

type entry struct {
	resp    Response
	expires time.Time
}

// Service runs external searches.
type Service struct {
	registry *sites.Registry
	fetcher  catalog.PageFetcher
	clock    catalog.Clock
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// New builds a Service over the registry's searchable sites.
func New(registry *sites.Registry, fetcher catalog.PageFetcher, clock catalog.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: registry,
		fetcher:  fetcher,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		cache:    make(map[string]entry),
	}
}

// Normalize validates q and fills defaults.
func Normalize(q Query) (Query, error) {
	q.Text = strings.Join(strings.Fields(q.Text), " ")
	if q.Text == "" {
		return q, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(q.Text) > MaxQueryLength {
		return q, fmt.Errorf("%w: query longer than %d characters", ErrInvalidQuery, MaxQueryLength)
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 || q.Page > MaxPage {
		return q, fmt.Errorf("%w: page must be between 1 and %d", ErrInvalidQuery, MaxPage)
	}
	if q.Category != "" && !q.Category.Valid() {
		return q, fmt.Errorf("%w: unknown category %q", ErrInvalidQuery, q.Category)
	}
	return q, nil
}

func (s *Service) pageSize(category catalog.Category) int {
	switch {
	case s.cfg.PageSize > 0:
		return s.cfg.PageSize
	case category == "":
		return 5
	default:
		return 10
	}
}

// Search queries every searchable site for q concurrently, each bounded by
// the configured timeout.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q, err := Normalize(q)
	if err != nil {
		return Response{}, err
	}
	key := cacheKey(q)
	if resp, ok := s.cached(key); ok {
		metrics.ObserveExternalSearch("cache", "cached")
		return resp, nil
	}

	targets := s.registry.Searchers(q.Category)
	found := make([][]sites.SearchResult, len(targets))
	failures := make([]error, len(targets))
	size := s.pageSize(q.Category)

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, site := range targets {
		g.Go(func() error {
			searcher := site.(sites.Searcher)
			siteCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			results, err := searcher.Search(siteCtx, s.fetcher, sites.SearchQuery{
				Text:     q.Text,
				Category: q.Category,
				Page:     q.Page,
				PageSize: size,
			})
			switch {
			case err == nil:
				metrics.ObserveExternalSearch(site.Name(), "ok")
				found[i] = filterCategory(results, q.Category, size)
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				metrics.ObserveExternalSearch(site.Name(), "timeout")
				failures[i] = fmt.Errorf("timed out after %s", s.cfg.Timeout)
			default:
				metrics.ObserveExternalSearch(site.Name(), "error")
				failures[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	resp := Response{Query: q, Results: []sites.SearchResult{}}
	seen := map[catalog.ResourceKey]struct{}{}
	for i, site := range targets {
		if failures[i] != nil {
			if resp.Errors == nil {
				resp.Errors = map[string]string{}
			}
			resp.Errors[site.Name()] = failures[i].Error()
			s.logger.Warn("external search failed", zap.String("site", site.Name()), zap.Error(failures[i]))
			continue
		}
		for _, r := range found[i] {
			k := catalog.ResourceKey{Site: r.Site, SiteID: r.SiteID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			resp.Results = append(resp.Results, r)
		}
	}
	// Partial answers are not cached so a flaky site gets another chance.
	if len(resp.Errors) == 0 {
		s.store(key, resp)
	}
	s.logger.Debug("external search",
		zap.String("query", q.Text),
		zap.String("category", string(q.Category)),
		zap.Int("page", q.Page),
		zap.Int("sites", len(targets)),
		zap.Int("results", len(resp.Results)),
	)
	return resp, nil
}

func filterCategory(results []sites.SearchResult, category catalog.Category, size int) []sites.SearchResult {
	out := make([]sites.SearchResult, 0, len(results))
	for _, r := range results {
		if category != "" && r.Category != "" && r.Category != category {
			continue
		}
		out = append(out, r)
		if len(out) == size {
			break
		}
	}
	return out
}

func cacheKey(q Query) string {
	return string(q.Category) + "|" + strconv.Itoa(q.Page) + "|" + catalog.NormalizeText(q.Text)
}

func (s *Service) cached(key string) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return Response{}, false
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.cache, key)
		return Response{}, false
	}
	resp := e.resp
	resp.Results = append([]sites.SearchResult{}, e.resp.Results...)
	resp.Cached = true
	return resp, true
}

func (s *Service) store(key string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if len(s.cache) >= s.cfg.MaxCacheEntries {
		for k, e := range s.cache {
			if !now.Before(e.expires) {
				delete(s.cache, k)
			}
		}
	}
	if len(s.cache) >= s.cfg.MaxCacheEntries {
		var oldest string
		var oldestAt time.Time
		for k, e := range s.cache {
			if oldest == "" || e.expires.Before(oldestAt) {
				oldest, oldestAt = k, e.expires
			}
		}
		delete(s.cache, oldest)
	}
	resp.Results = append([]sites.SearchResult{}, resp.Results...)
	s.cache[key] = entry{resp: resp, expires: now.Add(s.cfg.CacheTTL)}
}

// Purge drops every cached response.
func (s *Service) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
}
