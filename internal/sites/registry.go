// Package sites holds the per-site parsers and the registry that maps a URL to
// the parser able to turn its page into a catalog draft.
package sites

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Site is the capability every external source implements.
type Site interface {
	// Name is the stable site identifier stored on external resources.
	Name() string
	// IDType names the id space the site's ids live in.
	IDType() catalog.IDType
	// Patterns match page URLs; the first capture group is the site id.
	Patterns() []*regexp.Regexp
	// IDToURL returns the canonical human-facing URL of id.
	IDToURL(id string) string
	// FetchURL returns the URL fetched to parse id, often an API endpoint.
	FetchURL(id string) string
	// Parse turns a fetched page into a draft.
	Parse(id string, page catalog.Page) (catalog.Draft, error)
}

// Renderer is implemented by sites whose pages need a headless browser.
type Renderer interface {
	Render() bool
}

// Exclusive is implemented by sites that assign one id per real-world work,
// so one item can never own two of their ids.
type Exclusive interface {
	Exclusive() bool
}

// SearchQuery is a request against a site's own search.
type SearchQuery struct {
	Text     string
	Category catalog.Category
	Page     int
	PageSize int
}

// SearchResult is one hit from a site's search.
type SearchResult struct {
	Site     string           `json:"site"`
	SiteID   string           `json:"site_id"`
	URL      string           `json:"url"`
	Category catalog.Category `json:"category"`
	Title    string           `json:"title"`
	People   []string         `json:"people,omitempty"`
	Year     int              `json:"year,omitempty"`
	CoverURL string           `json:"cover_url,omitempty"`
}

// Searcher is implemented by sites that expose a search API.
type Searcher interface {
	SearchCategories() []catalog.Category
	Search(ctx context.Context, fetcher catalog.PageFetcher, q SearchQuery) ([]SearchResult, error)
}

// Handle binds a site to one of its ids.
type Handle struct {
	Site Site
	ID   string
	URL  string
}

// Key returns the resource key of the handle.
func (h Handle) Key() catalog.ResourceKey {
	return catalog.ResourceKey{Site: h.Site.Name(), SiteID: h.ID}
}

// Request builds the fetch request for the handle.
func (h Handle) Request() catalog.FetchRequest {
	req := catalog.FetchRequest{URL: h.Site.FetchURL(h.ID), Site: h.Site.Name()}
	if r, ok := h.Site.(Renderer); ok {
		req.Render = r.Render()
	}
	return req
}

// Registry maps URLs to sites. Registration happens at startup; lookups are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	order   []Site
	byName  map[string]Site
	idTypes map[catalog.IDType]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]Site),
		idTypes: make(map[catalog.IDType]string),
	}
}

// Register adds a site. Two sites may not share a name or an id space.
func (r *Registry) Register(site Site) error {
	if site == nil || site.Name() == "" {
		return errors.New("site name is required")
	}
	if len(site.Patterns()) == 0 {
		return fmt.Errorf("site %s declares no url patterns", site.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[site.Name()]; exists {
		return fmt.Errorf("site %s already registered", site.Name())
	}
	if owner, exists := r.idTypes[site.IDType()]; exists {
		return fmt.Errorf("site %s claims id space %s already owned by %s", site.Name(), site.IDType(), owner)
	}
	r.byName[site.Name()] = site
	r.idTypes[site.IDType()] = site.Name()
	r.order = append(r.order, site)
	return nil
}

// MustRegister is Register for startup wiring; it panics on conflict.
func (r *Registry) MustRegister(sites ...Site) *Registry {
	for _, s := range sites {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Resolve finds the first site whose pattern matches rawURL.
func (r *Registry) Resolve(rawURL string) (Handle, error) {
	u := strings.TrimSpace(rawURL)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, site := range r.order {
		for _, p := range site.Patterns() {
			m := p.FindStringSubmatch(u)
			if len(m) < 2 || m[1] == "" {
				continue
			}
			return Handle{Site: site, ID: m[1], URL: site.IDToURL(m[1])}, nil
		}
	}
	return Handle{}, fmt.Errorf("%w: %s", catalog.ErrUnsupportedSite, rawURL)
}

// Lookup builds a handle from a site name and id.
func (r *Registry) Lookup(site, id string) (Handle, error) {
	s, ok := r.ByName(site)
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", catalog.ErrUnsupportedSite, site)
	}
	return Handle{Site: s, ID: id, URL: s.IDToURL(id)}, nil
}

// ByName returns a registered site.
func (r *Registry) ByName(name string) (Site, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// Sites returns the registered sites in registration order.
func (r *Registry) Sites() []Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Site(nil), r.order...)
}

// Searchers returns the sites able to search category ("" for any).
func (r *Registry) Searchers(category catalog.Category) []Site {
	var out []Site
	for _, s := range r.Sites() {
		searcher, ok := s.(Searcher)
		if !ok {
			continue
		}
		if category == "" {
			out = append(out, s)
			continue
		}
		for _, c := range searcher.SearchCategories() {
			if c == category {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Exclusive reports whether site assigns one id per work.
func (r *Registry) Exclusive(site string) bool {
	s, ok := r.ByName(site)
	if !ok {
		return false
	}
	e, ok := s.(Exclusive)
	return ok && e.Exclusive()
}

// Parse runs the handle's parser and fills the fields every draft shares.
func Parse(h Handle, page catalog.Page) (catalog.Draft, error) {
	draft, err := h.Site.Parse(h.ID, page)
	if err != nil {
		var pe *catalog.ParseError
		if errors.As(err, &pe) {
			return catalog.Draft{}, err
		}
		return catalog.Draft{}, &catalog.ParseError{Site: h.Site.Name(), URL: page.URL, Err: err}
	}
	draft.Site = h.Site.Name()
	draft.SiteID = h.ID
	if draft.URL == "" {
		draft.URL = h.URL
	}
	if draft.FetchedAt.IsZero() {
		draft.FetchedAt = page.FetchedAt
	}
	if draft.FetchedAt.IsZero() {
		draft.FetchedAt = time.Now().UTC()
	}
	if draft.LookupIDs == nil {
		draft.LookupIDs = catalog.LookupIDs{}
	}
	draft.LookupIDs.Set(h.Site.IDType(), h.ID)
	if err := draft.Validate(); err != nil {
		return catalog.Draft{}, &catalog.ParseError{Site: h.Site.Name(), URL: page.URL, Err: err}
	}
	return draft, nil
}

// Default returns a registry with every shipped site. Order matters where
// patterns overlap: the episode parser claims podcast URLs carrying ?i=.
func Default() *Registry {
	return NewRegistry().MustRegister(
		NewOpenLibrary(),
		NewMusicBrainz(),
		NewAppleMusic(),
		NewApplePodcastEpisode(),
		NewApplePodcast(),
		NewWikidata(),
		NewWorldCat(),
		NewIMDb(),
	)
}
