package sites

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// instanceCategories maps Wikidata "instance of" (P31) values to categories.
var instanceCategories = map[string]catalog.Category{
	"Q571":      catalog.CategoryBook,
	"Q7725634":  catalog.CategoryBook,
	"Q47461344": catalog.CategoryBook,
	"Q11424":    catalog.CategoryMovie,
	"Q24869":    catalog.CategoryMovie,
	"Q5398426":  catalog.CategoryTVShow,
	"Q3464665":  catalog.CategoryTVSeason,
	"Q21191270": catalog.CategoryTVEpisode,
	"Q482994":   catalog.CategoryMusic,
	"Q208569":   catalog.CategoryMusic,
	"Q7889":     catalog.CategoryGame,
	"Q24634210": catalog.CategoryPodcast,
	"Q61855877": catalog.CategoryPodcastEpisode,
	"Q7777570":  catalog.CategoryPerformance,
	"Q25379":    catalog.CategoryPerformance,
}

// claimIDs maps Wikidata external-id properties to lookup id types.
var claimIDs = map[string]catalog.IDType{
	"P212":  catalog.IDTypeISBN,
	"P957":  catalog.IDTypeISBN10,
	"P243":  catalog.IDTypeOCLC,
	"P345":  catalog.IDTypeIMDb,
	"P4947": catalog.IDTypeTMDB,
	"P436":  catalog.IDTypeMusicBrainz,
	"P648":  catalog.IDTypeOpenLibrary,
	"P1825": catalog.IDTypeRSS,
}

// Wikidata parses entity JSON from wikidata.org for any category.
type Wikidata struct {
	patterns []*regexp.Regexp
	base     string
	language string
}

// NewWikidata returns the Wikidata site.
func NewWikidata() *Wikidata {
	return &Wikidata{
		base:     "https://www.wikidata.org",
		language: "en",
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:www\.|m\.)?wikidata\.org/(?:wiki|entity)/(Q\d+)\b`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (w *Wikidata) WithBase(base string) *Wikidata {
	w.base = strings.TrimRight(base, "/")
	return w
}

func (w *Wikidata) Name() string               { return "wikidata" }
func (w *Wikidata) IDType() catalog.IDType     { return catalog.IDTypeWikidata }
func (w *Wikidata) Patterns() []*regexp.Regexp { return w.patterns }
func (w *Wikidata) Exclusive() bool            { return true }

func (w *Wikidata) IDToURL(id string) string {
	return "https://www.wikidata.org/wiki/" + id
}

func (w *Wikidata) FetchURL(id string) string {
	return w.base + "/wiki/Special:EntityData/" + id + ".json"
}

type wdText struct {
	Value string `json:"value"`
}

type wdClaim struct {
	Mainsnak struct {
		Datavalue struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
}

type wdEntity struct {
	ID           string               `json:"id"`
	Labels       map[string]wdText    `json:"labels"`
	Descriptions map[string]wdText    `json:"descriptions"`
	Aliases      map[string][]wdText  `json:"aliases"`
	Claims       map[string][]wdClaim `json:"claims"`
}

func (w *Wikidata) Parse(id string, page catalog.Page) (catalog.Draft, error) {
	var doc struct {
		Entities map[string]wdEntity `json:"entities"`
	}
	if err := json.Unmarshal(page.Body, &doc); err != nil {
		return catalog.Draft{}, catalog.NewParseError(w.Name(), page.URL, "decode entity: %v", err)
	}
	entity, ok := doc.Entities[id]
	if !ok {
		// Redirected entities are keyed by their new id.
		for _, e := range doc.Entities {
			entity = e
			ok = true
			break
		}
	}
	if !ok {
		return catalog.Draft{}, catalog.NewParseError(w.Name(), page.URL, "entity %s missing", id)
	}
	category := ""
	for _, c := range entity.Claims["P31"] {
		if cat, found := instanceCategories[entityIDValue(c)]; found {
			category = string(cat)
			break
		}
	}
	if category == "" {
		return catalog.Draft{}, catalog.NewParseError(w.Name(), page.URL, "entity %s has no supported instance-of", id)
	}
	meta := catalog.Metadata{
		Title: entity.Labels[w.language].Value,
		Brief: entity.Descriptions[w.language].Value,
	}
	for _, a := range entity.Aliases[w.language] {
		if a.Value != "" && a.Value != meta.Title {
			meta.OtherTitles = append(meta.OtherTitles, a.Value)
		}
	}
	for _, c := range entity.Claims["P577"] {
		if y := yearOf(timeValue(c)); y > 0 {
			meta.Year = y
			break
		}
	}
	ids := catalog.LookupIDs{}
	for prop, typ := range claimIDs {
		for _, c := range entity.Claims[prop] {
			if v := stringValue(c); v != "" {
				ids.Set(typ, v)
				break
			}
		}
	}
	raw, _ := json.Marshal(entity)
	return catalog.Draft{
		Category:  catalog.Category(category),
		Metadata:  meta,
		LookupIDs: ids,
		Raw:       raw,
	}, nil
}

func entityIDValue(c wdClaim) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &v); err != nil {
		return ""
	}
	return v.ID
}

func timeValue(c wdClaim) string {
	var v struct {
		Time string `json:"time"`
	}
	if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &v); err != nil {
		return ""
	}
	return v.Time
}

func stringValue(c wdClaim) string {
	var s string
	if err := json.Unmarshal(c.Mainsnak.Datavalue.Value, &s); err != nil {
		return ""
	}
	return s
}
