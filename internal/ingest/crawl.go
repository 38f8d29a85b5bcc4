package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
)

// CrawlOptions bounds a crawl.
type CrawlOptions struct {
	// Depth is how many link hops to follow from the seed.
	Depth int
	// Max caps the number of URLs visited, seed included.
	Max int
	// Concurrency caps URLs processed at once.
	Concurrency int
}

// CrawlResult reports what happened to one visited URL. Outcome is nil for
// pages that were only traversed for links.
type CrawlResult struct {
	URL     string
	Depth   int
	Outcome *resolver.Outcome
	Err     error
}

// Crawl ingests seed and every supported resource reachable from it within
// opts.Depth hops. Links are followed when they point at a supported site or
// stay on the seed's host. Per-URL failures are reported, not returned.
func (p *Pipeline) Crawl(ctx context.Context, seed string, opts CrawlOptions) ([]CrawlResult, error) {
	if opts.Max <= 0 {
		opts.Max = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	start, err := NormalizeURL(seed)
	if err != nil {
		return nil, fmt.Errorf("crawl seed %q: %w", seed, err)
	}
	seedURL, _ := url.Parse(start)

	var (
		mu      sync.Mutex
		results []CrawlResult
		seen    = map[string]struct{}{start: {}}
		claimed = map[catalog.ResourceKey]struct{}{}
	)
	frontier := []string{start}

	for depth := 0; depth <= opts.Depth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		var next []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for _, u := range frontier {
			g.Go(func() error {
				res, links := p.visit(gctx, u, depth, depth < opts.Depth, &mu, claimed)
				mu.Lock()
				defer mu.Unlock()
				results = append(results, res)
				for _, link := range links {
					if _, ok := seen[link]; ok {
						continue
					}
					if !sameHost(seedURL, mustParse(link)) && !p.supported(link) {
						continue
					}
					if len(seen) >= opts.Max {
						break
					}
					seen[link] = struct{}{}
					next = append(next, link)
				}
				if errors.Is(res.Err, context.Canceled) {
					return res.Err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return sortResults(results), err
		}
		sort.Strings(next)
		frontier = next
	}
	return sortResults(results), nil
}

func (p *Pipeline) supported(link string) bool {
	_, err := p.registry.Resolve(link)
	return err == nil
}

// visit ingests u when it belongs to a supported site and, when follow is
// set, returns the absolute links found on the page.
func (p *Pipeline) visit(
	ctx context.Context,
	u string,
	depth int,
	follow bool,
	mu *sync.Mutex,
	claimed map[catalog.ResourceKey]struct{},
) (CrawlResult, []string) {
	res := CrawlResult{URL: u, Depth: depth}
	h, err := p.registry.Resolve(u)
	if err == nil {
		mu.Lock()
		_, dup := claimed[h.Key()]
		claimed[h.Key()] = struct{}{}
		mu.Unlock()
		if !dup {
			out, err := p.SaveHandle(ctx, h)
			if err != nil {
				res.Err = err
				p.logger.Warn("crawl ingest failed", zap.String("url", u), zap.Error(err))
			} else {
				res.Outcome = &out
			}
		}
	}
	if !follow {
		return res, nil
	}
	req := catalog.FetchRequest{URL: u}
	if err == nil {
		req.Site = h.Site.Name()
	}
	page, ferr := p.fetcher.Fetch(ctx, req)
	if ferr != nil {
		if res.Err == nil && res.Outcome == nil {
			res.Err = ferr
		}
		return res, nil
	}
	links, lerr := extractLinks(page)
	if lerr != nil {
		p.logger.Debug("link extraction failed", zap.String("url", u), zap.Error(lerr))
	}
	return res, links
}

// extractLinks returns the normalized absolute href targets of page.
func extractLinks(page catalog.Page) ([]string, error) {
	base := page.FinalURL
	if base == "" {
		base = page.URL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs, err := NormalizeURL(baseURL.ResolveReference(ref).String())
		if err != nil {
			return
		}
		out = append(out, abs)
	})
	return out, nil
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

func sortResults(results []CrawlResult) []CrawlResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Depth != results[j].Depth {
			return results[i].Depth < results[j].Depth
		}
		return results[i].URL < results[j].URL
	})
	return results
}
