package sites

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// MusicBrainz parses release groups through the MusicBrainz web service.
type MusicBrainz struct {
	base     string
	patterns []*regexp.Regexp
}

// NewMusicBrainz returns the MusicBrainz site.
func NewMusicBrainz() *MusicBrainz {
	return &MusicBrainz{
		base: "https://musicbrainz.org",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:beta\.)?musicbrainz\.org/release-group/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (m *MusicBrainz) WithBase(base string) *MusicBrainz {
	m.base = strings.TrimRight(base, "/")
	return m
}

func (m *MusicBrainz) Name() string               { return "musicbrainz" }
func (m *MusicBrainz) IDType() catalog.IDType     { return catalog.IDTypeMusicBrainz }
func (m *MusicBrainz) Patterns() []*regexp.Regexp { return m.patterns }
func (m *MusicBrainz) Exclusive() bool            { return true }

func (m *MusicBrainz) IDToURL(id string) string {
	return "https://musicbrainz.org/release-group/" + id
}

func (m *MusicBrainz) FetchURL(id string) string {
	return m.base + "/ws/2/release-group/" + id + "?fmt=json&inc=artist-credits+genres+tags"
}

type mbCredit struct {
	Name string `json:"name"`
}

type mbNamed struct {
	Name string `json:"name"`
}

type mbReleaseGroup struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	FirstReleaseDate string     `json:"first-release-date"`
	PrimaryType      string     `json:"primary-type"`
	ArtistCredit     []mbCredit `json:"artist-credit"`
	Genres           []mbNamed  `json:"genres"`
	Tags             []mbNamed  `json:"tags"`
	Disambiguation   string     `json:"disambiguation"`
}

func (m *MusicBrainz) Parse(id string, page catalog.Page) (catalog.Draft, error) {
	var rg mbReleaseGroup
	if err := json.Unmarshal(page.Body, &rg); err != nil {
		return catalog.Draft{}, catalog.NewParseError(m.Name(), page.URL, "decode release group: %v", err)
	}
	if rg.Title == "" {
		return catalog.Draft{}, catalog.NewParseError(m.Name(), page.URL, "release group %s has no title", id)
	}
	meta := catalog.Metadata{
		Title:    rg.Title,
		People:   creditNames(rg.ArtistCredit),
		Year:     yearOf(rg.FirstReleaseDate),
		Genres:   names(rg.Genres),
		Tags:     names(rg.Tags),
		CoverURL: "https://coverartarchive.org/release-group/" + id + "/front-500",
		Extra:    map[string]string{},
	}
	if rg.PrimaryType != "" {
		meta.Extra["type"] = rg.PrimaryType
	}
	if rg.Disambiguation != "" {
		meta.Brief = rg.Disambiguation
	}
	return catalog.Draft{
		Category: catalog.CategoryMusic,
		Metadata: meta,
		Raw:      page.Body,
	}, nil
}

func (m *MusicBrainz) SearchCategories() []catalog.Category {
	return []catalog.Category{catalog.CategoryMusic}
}

func (m *MusicBrainz) Search(ctx context.Context, fetcher catalog.PageFetcher, q SearchQuery) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("query", q.Text)
	params.Set("fmt", "json")
	params.Set("limit", strconv.Itoa(q.PageSize))
	params.Set("offset", strconv.Itoa((max(q.Page, 1)-1)*q.PageSize))
	page, err := fetcher.Fetch(ctx, catalog.FetchRequest{URL: m.base + "/ws/2/release-group?" + params.Encode(), Site: m.Name()})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Groups []mbReleaseGroup `json:"release-groups"`
	}
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, catalog.NewParseError(m.Name(), page.URL, "decode search: %v", err)
	}
	out := make([]SearchResult, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		out = append(out, SearchResult{
			Site:     m.Name(),
			SiteID:   g.ID,
			URL:      m.IDToURL(g.ID),
			Category: catalog.CategoryMusic,
			Title:    g.Title,
			People:   creditNames(g.ArtistCredit),
			Year:     yearOf(g.FirstReleaseDate),
		})
	}
	return out, nil
}

func creditNames(credits []mbCredit) []string {
	out := make([]string, 0, len(credits))
	for _, c := range credits {
		if c.Name != "" {
			out = append(out, c.Name)
		}
	}
	return out
}

func names(in []mbNamed) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		if n.Name != "" {
			out = append(out, n.Name)
		}
	}
	return out
}
