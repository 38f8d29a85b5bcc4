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

// AppleMusic parses album pages from music.apple.com via their JSON-LD.
type AppleMusic struct {
	patterns []*regexp.Regexp
	base     string
}

// NewAppleMusic returns the Apple Music site.
func NewAppleMusic() *AppleMusic {
	return &AppleMusic{
		base: "https://music.apple.com",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:geo\.)?music\.apple\.com/(?:[a-z]{2}/)?album/(?:[^/?#]+/)?(\d+)`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (a *AppleMusic) WithBase(base string) *AppleMusic {
	a.base = strings.TrimRight(base, "/")
	return a
}

func (a *AppleMusic) Name() string               { return "apple_music" }
func (a *AppleMusic) IDType() catalog.IDType     { return catalog.IDTypeAppleMusic }
func (a *AppleMusic) Patterns() []*regexp.Regexp { return a.patterns }
func (a *AppleMusic) Exclusive() bool            { return true }

func (a *AppleMusic) IDToURL(id string) string {
	return "https://music.apple.com/us/album/" + id
}

func (a *AppleMusic) FetchURL(id string) string {
	return a.base + "/us/album/" + id
}

func (a *AppleMusic) Parse(_ string, page catalog.Page) (catalog.Draft, error) {
	node, raw, err := jsonLD(page.Body, "MusicAlbum")
	if err != nil {
		return catalog.Draft{}, catalog.NewParseError(a.Name(), page.URL, "%v", err)
	}
	meta := catalog.Metadata{
		Title:    ldString(node["name"]),
		People:   ldNames(node["byArtist"]),
		Year:     yearOf(ldString(node["datePublished"])),
		Genres:   ldNames(node["genre"]),
		Brief:    ldString(node["description"]),
		CoverURL: ldString(node["image"]),
	}
	ids := catalog.LookupIDs{}
	if upc := ldString(node["gtin"]); upc != "" {
		ids.Set(catalog.IDTypeGTIN, upc)
	}
	return catalog.Draft{
		Category:  catalog.CategoryMusic,
		Metadata:  meta,
		LookupIDs: ids,
		Raw:       raw,
	}, nil
}

// itunesResult is one entry of the iTunes lookup/search APIs.
type itunesResult struct {
	WrapperType    string   `json:"wrapperType"`
	Kind           string   `json:"kind"`
	CollectionID   int64    `json:"collectionId"`
	TrackID        int64    `json:"trackId"`
	CollectionName string   `json:"collectionName"`
	TrackName      string   `json:"trackName"`
	ArtistName     string   `json:"artistName"`
	FeedURL        string   `json:"feedUrl"`
	Artwork600     string   `json:"artworkUrl600"`
	ReleaseDate    string   `json:"releaseDate"`
	PrimaryGenre   string   `json:"primaryGenreName"`
	Genres         []string `json:"genres"`
	Description    string   `json:"description"`
	ShortDesc      string   `json:"shortDescription"`
	EpisodeURL     string   `json:"episodeUrl"`
	DurationMillis int64    `json:"trackTimeMillis"`
	CollectionURL  string   `json:"collectionViewUrl"`
}

type itunesResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []itunesResult `json:"results"`
}

func decodeITunes(site string, page catalog.Page) (itunesResponse, error) {
	var resp itunesResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return resp, catalog.NewParseError(site, page.URL, "decode itunes response: %v", err)
	}
	return resp, nil
}

// ApplePodcast parses podcast shows through the iTunes lookup API.
type ApplePodcast struct {
	patterns []*regexp.Regexp
	base     string
}

// NewApplePodcast returns the Apple Podcasts show site.
func NewApplePodcast() *ApplePodcast {
	return &ApplePodcast{
		base: "https://itunes.apple.com",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://podcasts\.apple\.com/(?:[a-z]{2}/)?podcast/(?:[^/?#]+/)?id(\d+)`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (p *ApplePodcast) WithBase(base string) *ApplePodcast {
	p.base = strings.TrimRight(base, "/")
	return p
}

func (p *ApplePodcast) Name() string               { return "apple_podcast" }
func (p *ApplePodcast) IDType() catalog.IDType     { return catalog.IDTypeApplePodcast }
func (p *ApplePodcast) Patterns() []*regexp.Regexp { return p.patterns }
func (p *ApplePodcast) Exclusive() bool            { return true }

func (p *ApplePodcast) IDToURL(id string) string {
	return "https://podcasts.apple.com/us/podcast/id" + id
}

func (p *ApplePodcast) FetchURL(id string) string {
	return p.base + "/lookup?entity=podcast&id=" + id
}

func (p *ApplePodcast) Parse(id string, page catalog.Page) (catalog.Draft, error) {
	resp, err := decodeITunes(p.Name(), page)
	if err != nil {
		return catalog.Draft{}, err
	}
	for _, r := range resp.Results {
		if strconv.FormatInt(r.CollectionID, 10) != id || r.Kind != "podcast" {
			continue
		}
		meta := catalog.Metadata{
			Title:    r.CollectionName,
			People:   nonEmpty(r.ArtistName),
			Year:     yearOf(r.ReleaseDate),
			Genres:   withoutPodcastGenre(r.Genres),
			CoverURL: r.Artwork600,
		}
		ids := catalog.LookupIDs{}
		ids.Set(catalog.IDTypeRSS, r.FeedURL)
		raw, _ := json.Marshal(r)
		return catalog.Draft{
			Category:  catalog.CategoryPodcast,
			Metadata:  meta,
			LookupIDs: ids,
			Raw:       raw,
		}, nil
	}
	return catalog.Draft{}, catalog.NewParseError(p.Name(), page.URL, "podcast %s not in lookup response", id)
}

func (p *ApplePodcast) SearchCategories() []catalog.Category {
	return []catalog.Category{catalog.CategoryPodcast}
}

func (p *ApplePodcast) Search(ctx context.Context, fetcher catalog.PageFetcher, q SearchQuery) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("entity", "podcast")
	params.Set("term", q.Text)
	// The search API has no offset; fetch through the requested page and slice.
	params.Set("limit", strconv.Itoa(max(q.Page, 1)*q.PageSize))
	page, err := fetcher.Fetch(ctx, catalog.FetchRequest{URL: p.base + "/search?" + params.Encode(), Site: p.Name()})
	if err != nil {
		return nil, err
	}
	resp, err := decodeITunes(p.Name(), page)
	if err != nil {
		return nil, err
	}
	start := (max(q.Page, 1) - 1) * q.PageSize
	if start >= len(resp.Results) {
		return nil, nil
	}
	out := make([]SearchResult, 0, q.PageSize)
	for _, r := range resp.Results[start:] {
		if len(out) == q.PageSize {
			break
		}
		id := strconv.FormatInt(r.CollectionID, 10)
		out = append(out, SearchResult{
			Site:     p.Name(),
			SiteID:   id,
			URL:      p.IDToURL(id),
			Category: catalog.CategoryPodcast,
			Title:    r.CollectionName,
			People:   nonEmpty(r.ArtistName),
			CoverURL: r.Artwork600,
		})
	}
	return out, nil
}

// ApplePodcastEpisode parses single episodes. The parent show is declared as
// a required resource so it is resolved before the episode.
type ApplePodcastEpisode struct {
	patterns []*regexp.Regexp
	base     string
}

// NewApplePodcastEpisode returns the Apple Podcasts episode site.
func NewApplePodcastEpisode() *ApplePodcastEpisode {
	return &ApplePodcastEpisode{
		base: "https://itunes.apple.com",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://podcasts\.apple\.com/(?:[a-z]{2}/)?podcast/(?:[^/?#]+/)?id\d+\?(?:[^#]*&)?i=(\d+)`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (e *ApplePodcastEpisode) WithBase(base string) *ApplePodcastEpisode {
	e.base = strings.TrimRight(base, "/")
	return e
}

func (e *ApplePodcastEpisode) Name() string               { return "apple_podcast_episode" }
func (e *ApplePodcastEpisode) IDType() catalog.IDType     { return catalog.IDTypeAppleEpisode }
func (e *ApplePodcastEpisode) Patterns() []*regexp.Regexp { return e.patterns }
func (e *ApplePodcastEpisode) Exclusive() bool            { return true }

func (e *ApplePodcastEpisode) IDToURL(id string) string {
	return "https://podcasts.apple.com/us/podcast/episode?i=" + id
}

func (e *ApplePodcastEpisode) FetchURL(id string) string {
	return e.base + "/lookup?entity=podcastEpisode&id=" + id
}

func (e *ApplePodcastEpisode) Parse(id string, page catalog.Page) (catalog.Draft, error) {
	resp, err := decodeITunes(e.Name(), page)
	if err != nil {
		return catalog.Draft{}, err
	}
	for _, r := range resp.Results {
		if strconv.FormatInt(r.TrackID, 10) != id || r.WrapperType != "podcastEpisode" {
			continue
		}
		show := strconv.FormatInt(r.CollectionID, 10)
		brief := r.Description
		if brief == "" {
			brief = r.ShortDesc
		}
		meta := catalog.Metadata{
			Title:     r.TrackName,
			People:    nonEmpty(r.ArtistName),
			Companies: nonEmpty(r.CollectionName),
			Year:      yearOf(r.ReleaseDate),
			Brief:     brief,
			CoverURL:  r.Artwork600,
			Extra:     map[string]string{"show": r.CollectionName},
		}
		if r.EpisodeURL != "" {
			meta.Extra["media_url"] = r.EpisodeURL
		}
		if r.DurationMillis > 0 {
			meta.Extra["duration_ms"] = strconv.FormatInt(r.DurationMillis, 10)
		}
		raw, _ := json.Marshal(r)
		return catalog.Draft{
			Category: catalog.CategoryPodcastEpisode,
			Metadata: meta,
			Raw:      raw,
			Required: []catalog.ResourceRef{{
				Site:   "apple_podcast",
				SiteID: show,
				URL:    "https://podcasts.apple.com/us/podcast/id" + show,
			}},
		}, nil
	}
	return catalog.Draft{}, catalog.NewParseError(e.Name(), page.URL, "episode %s not in lookup response", id)
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func withoutPodcastGenre(genres []string) []string {
	var out []string
	for _, g := range genres {
		if g != "Podcasts" {
			out = append(out, g)
		}
	}
	return out
}
