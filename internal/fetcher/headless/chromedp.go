// Package headless renders pages whose content is built client side.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

const (
	defaultNavTimeout  = 45 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// blockedResources are never loaded while rendering; catalog pages only need
// the DOM and its scripts.
var blockedResources = []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.woff", "*.woff2", "*.mp4"}

// Config controls the renderer.
type Config struct {
	// MaxParallel caps open browser tabs. Zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long scripts get to populate the DOM after load.
	SettleDelay time.Duration
}

// Chrome renders pages in headless Chrome through chromedp.
type Chrome struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChrome starts an allocator for headless Chrome. The browser itself is
// launched lazily by the first render.
func NewChrome(cfg Config) (*Chrome, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	c := &Chrome{cfg: cfg}
	if cfg.MaxParallel > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	c.allocator, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return c, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() {
	c.allocCancel()
}

// Fetch renders req.URL and returns the DOM as it stands after the settle
// delay. Status and headers come from the main document response.
func (c *Chrome) Fetch(ctx context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	if c.slots != nil {
		if err := c.slots.Acquire(ctx, 1); err != nil {
			return catalog.Page{}, &catalog.FetchError{URL: req.URL, Kind: catalog.FetchTransient, Err: err}
		}
		defer c.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(c.allocator)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, c.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	var html, location string
	err := chromedp.Run(tab,
		c.prepare(req.Header),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return catalog.Page{}, renderError(ctx, req.URL, err)
	}

	status, header, finalURL := doc.result()
	if finalURL == "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = req.URL
	}
	return catalog.Page{
		URL:       req.URL,
		FinalURL:  finalURL,
		Status:    status,
		Header:    header,
		Body:      []byte(html),
		FetchedAt: time.Now().UTC(),
		Rendered:  true,
	}, nil
}

// prepare enables the network domain, applies the user agent and extra
// headers and blocks media downloads.
func (c *Chrome) prepare(header http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if err := network.SetBlockedURLs(blockedResources).Do(ctx); err != nil {
			return fmt.Errorf("block media: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(header) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(header)).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

// renderError classifies a failed render. Timeouts are worth retrying;
// everything else, including a missing browser, is not.
func renderError(ctx context.Context, url string, err error) error {
	kind := catalog.FetchPermanent
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		kind = catalog.FetchTransient
	}
	return &catalog.FetchError{URL: url, Kind: kind, Err: fmt.Errorf("render: %w", err)}
}

// documentResponse records the response of the top-level document. Later
// responses, such as redirects landing, replace earlier ones.
type documentResponse struct {
	mu     sync.Mutex
	status int
	header http.Header
	url    string
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	header := headerFromNetwork(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.header = header
	d.url = resp.Response.URL
}

// result returns what was seen, assuming 200 when the browser reported no
// document response.
func (d *documentResponse) result() (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	header := d.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return status, header, d.url
}

func headerFromNetwork(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, s := range v {
				out.Add(key, s)
			}
		case []any:
			for _, s := range v {
				out.Add(key, fmt.Sprint(s))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
