package sites

import (
	"html"
	"regexp"
	"strings"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// IMDb parses title pages from imdb.com via their JSON-LD.
type IMDb struct {
	patterns []*regexp.Regexp
	base     string
}

// NewIMDb returns the IMDb site.
func NewIMDb() *IMDb {
	return &IMDb{
		base: "https://www.imdb.com",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:www\.|m\.)?imdb\.com/(?:[a-z]{2}/)?title/(tt\d+)`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (i *IMDb) WithBase(base string) *IMDb {
	i.base = strings.TrimRight(base, "/")
	return i
}

func (i *IMDb) Name() string               { return "imdb" }
func (i *IMDb) IDType() catalog.IDType     { return catalog.IDTypeIMDb }
func (i *IMDb) Patterns() []*regexp.Regexp { return i.patterns }
func (i *IMDb) Exclusive() bool            { return true }

func (i *IMDb) IDToURL(id string) string {
	return "https://www.imdb.com/title/" + id + "/"
}

func (i *IMDb) FetchURL(id string) string {
	return i.base + "/title/" + id + "/"
}

var imdbTypes = map[string]catalog.Category{
	"Movie":        catalog.CategoryMovie,
	"TVSeries":     catalog.CategoryTVShow,
	"TVMiniSeries": catalog.CategoryTVShow,
	"TVSeason":     catalog.CategoryTVSeason,
	"TVEpisode":    catalog.CategoryTVEpisode,
	"VideoGame":    catalog.CategoryGame,
	"TheaterEvent": catalog.CategoryPerformance,
}

func (i *IMDb) Parse(_ string, page catalog.Page) (catalog.Draft, error) {
	types := make([]string, 0, len(imdbTypes))
	for t := range imdbTypes {
		types = append(types, t)
	}
	node, raw, err := jsonLD(page.Body, types...)
	if err != nil {
		return catalog.Draft{}, catalog.NewParseError(i.Name(), page.URL, "%v", err)
	}
	category := imdbTypes[ldString(node["@type"])]
	if category == "" {
		category = catalog.CategoryMovie
	}
	people := ldNames(node["director"])
	people = append(people, ldNames(node["creator"])...)
	meta := catalog.Metadata{
		Title:    html.UnescapeString(ldString(node["name"])),
		People:   filterPeople(people),
		Year:     yearOf(ldString(node["datePublished"])),
		Genres:   ldNames(node["genre"]),
		Tags:     splitList(ldString(node["keywords"])),
		Brief:    html.UnescapeString(ldString(node["description"])),
		CoverURL: ldString(node["image"]),
	}
	if alt := html.UnescapeString(ldString(node["alternateName"])); alt != "" && alt != meta.Title {
		meta.OtherTitles = []string{alt}
	}
	if cast := ldNames(node["actor"]); len(cast) > 0 {
		meta.Extra = map[string]string{"cast": strings.Join(cast, ", ")}
	}
	return catalog.Draft{
		Category: category,
		Metadata: meta,
		Raw:      raw,
	}, nil
}

// filterPeople drops blanks and repeated credits.
func filterPeople(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range in {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
