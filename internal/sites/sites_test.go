package sites

import (
	"context"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

func TestDefaultRegistryResolvesURLs(t *testing.T) {
	t.Parallel()

	reg := Default()
	cases := []struct {
		url, site, id string
	}{
		{"https://openlibrary.org/books/OL7353617M/Fantastic_Mr._Fox", "openlibrary", "OL7353617M"},
		{"https://openlibrary.org/works/OL45804W", "openlibrary", "OL45804W"},
		{"https://musicbrainz.org/release-group/f5093c06-23e3-404f-aeaa-40f72885ee3a", "musicbrainz", "f5093c06-23e3-404f-aeaa-40f72885ee3a"},
		{"https://music.apple.com/us/album/kid-a/1097863001", "apple_music", "1097863001"},
		{"https://podcasts.apple.com/us/podcast/the-daily/id1200361736", "apple_podcast", "1200361736"},
		{"https://podcasts.apple.com/us/podcast/the-daily/id1200361736?i=1000650000000", "apple_podcast_episode", "1000650000000"},
		{"https://www.wikidata.org/wiki/Q190192", "wikidata", "Q190192"},
		{"https://search.worldcat.org/title/12345678", "worldcat", "12345678"},
		{"https://m.imdb.com/title/tt0111161/", "imdb", "tt0111161"},
	}
	for _, tc := range cases {
		h, err := reg.Resolve(tc.url)
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.site, h.Site.Name(), tc.url)
		require.Equal(t, tc.id, h.ID, tc.url)
		require.Equal(t, catalog.ResourceKey{Site: tc.site, SiteID: tc.id}, h.Key())
	}

	_, err := reg.Resolve("https://example.com/nothing")
	require.ErrorIs(t, err, catalog.ErrUnsupportedSite)

	h, err := reg.Resolve("https://worldcat.org/title/42")
	require.NoError(t, err)
	require.True(t, h.Request().Render)
	require.True(t, reg.Exclusive("imdb"))
	require.False(t, reg.Exclusive("openlibrary"))
	require.False(t, reg.Exclusive("unknown"))
}

type stubSite struct {
	name string
	typ  catalog.IDType
	expr string
}

func (s stubSite) Name() string               { return s.name }
func (s stubSite) IDType() catalog.IDType     { return s.typ }
func (s stubSite) Patterns() []*regexp.Regexp { return []*regexp.Regexp{regexp.MustCompile(s.expr)} }
func (s stubSite) IDToURL(id string) string   { return "https://" + s.name + "/" + id }
func (s stubSite) FetchURL(id string) string  { return s.IDToURL(id) }
func (s stubSite) Parse(string, catalog.Page) (catalog.Draft, error) {
	return catalog.Draft{Category: catalog.CategoryBook, Metadata: catalog.Metadata{Title: "T"}}, nil
}

func TestRegistryRejectsOverlappingIDSpaces(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(stubSite{name: "a", typ: "a", expr: `^https://a/(\d+)`}))
	require.Error(t, reg.Register(stubSite{name: "a", typ: "other", expr: `^https://a/(\d+)`}))
	require.Error(t, reg.Register(stubSite{name: "b", typ: "a", expr: `^https://b/(\d+)`}))
	require.Panics(t, func() {
		reg.MustRegister(stubSite{name: "a", typ: "a", expr: `x(\d)`})
	})
}

func TestRegistryFirstMatchWins(t *testing.T) {
	t.Parallel()

	reg := NewRegistry().MustRegister(
		stubSite{name: "narrow", typ: "narrow", expr: `^https://x/special/(\d+)`},
		stubSite{name: "broad", typ: "broad", expr: `^https://x/(?:special/)?(\d+)`},
	)
	h, err := reg.Resolve("https://x/special/7")
	require.NoError(t, err)
	require.Equal(t, "narrow", h.Site.Name())
	h, err = reg.Resolve("https://x/7")
	require.NoError(t, err)
	require.Equal(t, "broad", h.Site.Name())
}

func TestParseFillsSharedFieldsAndWrapsFailures(t *testing.T) {
	t.Parallel()

	reg := Default()
	h, err := reg.Resolve("https://openlibrary.org/books/OL1M")
	require.NoError(t, err)

	draft, err := Parse(h, catalog.Page{URL: h.Site.FetchURL(h.ID), Body: []byte(`{"title":"Foo","isbn_10":["0306406152"]}`)})
	require.NoError(t, err)
	require.Equal(t, "openlibrary", draft.Site)
	require.Equal(t, "OL1M", draft.SiteID)
	require.Equal(t, "https://openlibrary.org/books/OL1M", draft.URL)
	require.Equal(t, "OL1M", draft.LookupIDs[catalog.IDTypeOpenLibrary])
	require.Equal(t, "9780306406157", draft.LookupIDs[catalog.IDTypeISBN])
	require.False(t, draft.FetchedAt.IsZero())

	_, err = Parse(h, catalog.Page{Body: []byte(`<html>not json</html>`)})
	require.ErrorIs(t, err, catalog.ErrParseFailure)
	_, err = Parse(h, catalog.Page{Body: []byte(`{"title":""}`)})
	require.ErrorIs(t, err, catalog.ErrParseFailure)
}

func TestOpenLibraryParse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"title": "Dune",
		"subtitle": "Deluxe Edition",
		"by_statement": "Frank Herbert.",
		"publish_date": "August 2, 2005",
		"publishers": ["Ace"],
		"isbn_13": ["978-0-441-17271-9"],
		"oclc_numbers": ["61748924"],
		"languages": [{"key": "/languages/eng"}],
		"covers": [12345],
		"number_of_pages": 528,
		"description": {"type": "/type/text", "value": "Desert planet."}
	}`)
	d, err := NewOpenLibrary().Parse("OL1M", catalog.Page{Body: body})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryBook, d.Category)
	require.Equal(t, "Dune", d.Metadata.Title)
	require.Equal(t, []string{"Frank Herbert"}, d.Metadata.People)
	require.Equal(t, 2005, d.Metadata.Year)
	require.Equal(t, "eng", d.Metadata.Language)
	require.Equal(t, "Desert planet.", d.Metadata.Brief)
	require.Equal(t, "528", d.Metadata.Extra["pages"])
	require.Equal(t, "9780441172719", d.LookupIDs[catalog.IDTypeISBN])
	require.Equal(t, "61748924", d.LookupIDs[catalog.IDTypeOCLC])
	require.Contains(t, d.Metadata.CoverURL, "12345")
}

func TestMusicBrainzParse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"id": "f5093c06-23e3-404f-aeaa-40f72885ee3a",
		"title": "Kid A",
		"first-release-date": "2000-10-02",
		"primary-type": "Album",
		"artist-credit": [{"name": "Radiohead"}],
		"genres": [{"name": "electronic"}],
		"tags": [{"name": "experimental"}]
	}`)
	d, err := NewMusicBrainz().Parse("f5093c06-23e3-404f-aeaa-40f72885ee3a", catalog.Page{Body: body})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryMusic, d.Category)
	require.Equal(t, []string{"Radiohead"}, d.Metadata.People)
	require.Equal(t, 2000, d.Metadata.Year)
	require.Equal(t, "Album", d.Metadata.Extra["type"])
	require.Equal(t, []string{"electronic"}, d.Metadata.Genres)
}

func TestAppleMusicParsesJSONLD(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head>
<script type="application/ld+json">{"@context":"http://schema.org","@type":"WebSite","name":"Apple Music"}</script>
<script type="application/ld+json">{"@context":"http://schema.org","@type":"MusicAlbum","name":"Kid A",
 "byArtist":[{"@type":"MusicGroup","name":"Radiohead"}],"datePublished":"2000-10-02","genre":["Alternative","Music"],
 "image":"https://img/kid-a.jpg"}</script>
</head><body></body></html>`)
	d, err := NewAppleMusic().Parse("1097863001", catalog.Page{Body: body})
	require.NoError(t, err)
	require.Equal(t, "Kid A", d.Metadata.Title)
	require.Equal(t, []string{"Radiohead"}, d.Metadata.People)
	require.Equal(t, 2000, d.Metadata.Year)
	require.Equal(t, "https://img/kid-a.jpg", d.Metadata.CoverURL)
	require.Contains(t, string(d.Raw), "MusicAlbum")

	_, err = NewAppleMusic().Parse("1", catalog.Page{Body: []byte("<html></html>")})
	require.ErrorIs(t, err, catalog.ErrParseFailure)
}

func TestApplePodcastAndEpisodeParse(t *testing.T) {
	t.Parallel()

	show := []byte(`{"resultCount":1,"results":[{"wrapperType":"track","kind":"podcast","collectionId":1200361736,
		"collectionName":"The Daily","artistName":"The New York Times","feedUrl":"https://feeds.simplecast.com/54nAGcIl",
		"releaseDate":"2024-05-01T10:00:00Z","genres":["News","Podcasts"]}]}`)
	d, err := NewApplePodcast().Parse("1200361736", catalog.Page{Body: show})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryPodcast, d.Category)
	require.Equal(t, "The Daily", d.Metadata.Title)
	require.Equal(t, []string{"News"}, d.Metadata.Genres)
	require.Equal(t, "https://feeds.simplecast.com/54nagcil", d.LookupIDs[catalog.IDTypeRSS])

	episode := []byte(`{"resultCount":2,"results":[
		{"wrapperType":"track","kind":"podcast","collectionId":1200361736,"collectionName":"The Daily"},
		{"wrapperType":"podcastEpisode","kind":"podcast-episode","trackId":1000650000000,"collectionId":1200361736,
		 "collectionName":"The Daily","trackName":"A Big Day","releaseDate":"2024-05-02T10:00:00Z",
		 "episodeUrl":"https://cdn/ep.mp3","trackTimeMillis":1800000,"description":"News."}]}`)
	e, err := NewApplePodcastEpisode().Parse("1000650000000", catalog.Page{Body: episode})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryPodcastEpisode, e.Category)
	require.Equal(t, "A Big Day", e.Metadata.Title)
	require.Equal(t, "1800000", e.Metadata.Extra["duration_ms"])
	require.Equal(t, []catalog.ResourceRef{{
		Site:   "apple_podcast",
		SiteID: "1200361736",
		URL:    "https://podcasts.apple.com/us/podcast/id1200361736",
	}}, e.Required)

	_, err = NewApplePodcastEpisode().Parse("42", catalog.Page{Body: episode})
	require.ErrorIs(t, err, catalog.ErrParseFailure)
}

func TestWikidataParse(t *testing.T) {
	t.Parallel()

	body := []byte(`{"entities":{"Q190192":{
		"id":"Q190192",
		"labels":{"en":{"language":"en","value":"Dune"}},
		"descriptions":{"en":{"language":"en","value":"1965 novel by Frank Herbert"}},
		"aliases":{"en":[{"value":"Dune (novel)"}]},
		"claims":{
			"P31":[{"mainsnak":{"datavalue":{"type":"wikibase-entityid","value":{"id":"Q7725634"}}}}],
			"P577":[{"mainsnak":{"datavalue":{"type":"time","value":{"time":"+1965-08-01T00:00:00Z"}}}}],
			"P212":[{"mainsnak":{"datavalue":{"type":"string","value":"978-0-441-17271-9"}}}],
			"P345":[{"mainsnak":{"datavalue":{"type":"string","value":"tt0087182"}}}]
		}}}}`)
	d, err := NewWikidata().Parse("Q190192", catalog.Page{Body: body})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryBook, d.Category)
	require.Equal(t, "Dune", d.Metadata.Title)
	require.Equal(t, 1965, d.Metadata.Year)
	require.Equal(t, []string{"Dune (novel)"}, d.Metadata.OtherTitles)
	require.Equal(t, "9780441172719", d.LookupIDs[catalog.IDTypeISBN])
	require.Equal(t, "tt0087182", d.LookupIDs[catalog.IDTypeIMDb])

	unknown := []byte(`{"entities":{"Q1":{"id":"Q1","labels":{"en":{"value":"Universe"}},
		"claims":{"P31":[{"mainsnak":{"datavalue":{"value":{"id":"Q36906466"}}}}]}}}}`)
	_, err = NewWikidata().Parse("Q1", catalog.Page{Body: unknown})
	require.ErrorIs(t, err, catalog.ErrParseFailure)
}

func TestWorldCatAndIMDbParse(t *testing.T) {
	t.Parallel()

	wc := []byte(`<script type="application/ld+json">{"@graph":[{"@type":"Book","name":"Dune",
		"author":[{"name":"Frank Herbert"}],"datePublished":"1965","isbn":["0441172717","9780441172719"],
		"inLanguage":"EN","publisher":{"name":"Chilton"}}]}</script>`)
	d, err := NewWorldCat().Parse("123", catalog.Page{Body: wc})
	require.NoError(t, err)
	require.Equal(t, "Dune", d.Metadata.Title)
	require.Equal(t, []string{"Chilton"}, d.Metadata.Companies)
	require.Equal(t, "en", d.Metadata.Language)
	require.Equal(t, "9780441172719", d.LookupIDs[catalog.IDTypeISBN])
	require.Equal(t, "0441172717", d.LookupIDs[catalog.IDTypeISBN10])

	imdb := []byte(`<script type="application/ld+json">{"@type":"TVSeries","name":"The Wire",
		"alternateName":"Bodymore","datePublished":"2002-06-02","creator":[{"@type":"Person","name":"David Simon"},
		{"@type":"Organization","name":""}],"genre":["Crime","Drama"],"keywords":"baltimore,police",
		"actor":[{"name":"Dominic West"}]}</script>`)
	m, err := NewIMDb().Parse("tt0306414", catalog.Page{Body: imdb})
	require.NoError(t, err)
	require.Equal(t, catalog.CategoryTVShow, m.Category)
	require.Equal(t, "The Wire", m.Metadata.Title)
	require.Equal(t, []string{"Bodymore"}, m.Metadata.OtherTitles)
	require.Equal(t, []string{"David Simon"}, m.Metadata.People)
	require.Equal(t, []string{"baltimore", "police"}, m.Metadata.Tags)
	require.Equal(t, "Dominic West", m.Metadata.Extra["cast"])
}

type cannedFetcher struct {
	mu    sync.Mutex
	body  []byte
	calls []catalog.FetchRequest
}

func (c *cannedFetcher) Fetch(_ context.Context, req catalog.FetchRequest) (catalog.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	return catalog.Page{URL: req.URL, Status: 200, Body: c.body}, nil
}

func TestSearchers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ol := &cannedFetcher{body: []byte(`{"docs":[{"key":"/works/OL45804W","title":"Dune","author_name":["Frank Herbert"],"first_publish_year":1965,"cover_i":7}]}`)}
	res, err := NewOpenLibrary().Search(ctx, ol, SearchQuery{Text: "dune", Page: 2, PageSize: 5})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "OL45804W", res[0].SiteID)
	require.Equal(t, "https://openlibrary.org/works/OL45804W", res[0].URL)
	u, err := url.Parse(ol.calls[0].URL)
	require.NoError(t, err)
	require.Equal(t, "2", u.Query().Get("page"))
	require.Equal(t, "openlibrary", ol.calls[0].Site)

	mb := &cannedFetcher{body: []byte(`{"release-groups":[{"id":"abc","title":"Kid A","first-release-date":"2000","artist-credit":[{"name":"Radiohead"}]}]}`)}
	res, err = NewMusicBrainz().Search(ctx, mb, SearchQuery{Text: "kid a", Page: 3, PageSize: 10})
	require.NoError(t, err)
	require.Equal(t, "Kid A", res[0].Title)
	u, err = url.Parse(mb.calls[0].URL)
	require.NoError(t, err)
	require.Equal(t, "20", u.Query().Get("offset"))

	pod := &cannedFetcher{body: []byte(`{"results":[{"collectionId":1,"collectionName":"A"},{"collectionId":2,"collectionName":"B"}]}`)}
	res, err = NewApplePodcast().Search(ctx, pod, SearchQuery{Text: "x", Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "2", res[0].SiteID)

	reg := Default()
	require.Len(t, reg.Searchers(catalog.CategoryMusic), 1)
	require.Len(t, reg.Searchers(""), 3)
}
