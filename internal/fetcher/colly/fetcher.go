// Package collyfetcher fetches catalog pages over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Fetcher retrieves pages with a clone of one base collector per request.
// Clones share the HTTP backend and the robots.txt cache.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	robots *robotsGuard
	now    func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.MaxBodySize > 0 {
		base.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{cfg: cfg, base: base, now: func() time.Time { return time.Now().UTC() }}
	transport := http.RoundTripper(newHTTPTransport())
	if cfg.RespectRobots {
		f.robots = newRobotsGuard(transport)
		transport = f.robots
	}
	base.WithTransport(transport)
	return f
}

// visit collects what the hooks saw for one request.
type visit struct {
	page catalog.Page
	err  error
}

// Fetch executes a single HTTP GET. Error statuses come back as a page with
// their status set; only transport failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	collector := f.base.Clone()
	collector.Context = ctx
	v := &visit{}
	f.register(collector, req, v)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(req.URL) }()

	var err error
	select {
	case <-ctx.Done():
		return catalog.Page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err = <-done:
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked), errors.Is(err, colly.ErrMissingURL):
		return catalog.Page{}, &catalog.FetchError{URL: req.URL, Kind: catalog.FetchPermanent, Err: err}
	case err != nil:
		return catalog.Page{}, fmt.Errorf("colly visit: %w", err)
	case v.err != nil:
		return catalog.Page{}, fmt.Errorf("colly response: %w", v.err)
	}

	v.page.URL = req.URL
	if f.robots != nil {
		v.page.Header = f.robots.annotate(req.URL, v.page.Header)
	}
	return v.page, nil
}

func (f *Fetcher) register(hooks collectorHooks, req catalog.FetchRequest, v *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(req, r)
	})
	hooks.OnResponse(func(r *colly.Response) {
		v.page = catalog.Page{
			FinalURL:  r.Request.URL.String(),
			Status:    r.StatusCode,
			Body:      append([]byte(nil), r.Body...),
			FetchedAt: f.now(),
		}
		if r.Headers != nil {
			v.page.Header = r.Headers.Clone()
		}
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}

func copyHeaders(req catalog.FetchRequest, r *colly.Request) {
	for key, values := range req.Header {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   8,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
