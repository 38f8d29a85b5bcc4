package sites

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// WorldCat parses library records. Its pages build the JSON-LD client side,
// so fetches go through the headless renderer.
type WorldCat struct {
	patterns []*regexp.Regexp
}

// NewWorldCat returns the WorldCat site.
func NewWorldCat() *WorldCat {
	return &WorldCat{
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:www\.|search\.)?worldcat\.org/(?:[a-z]{2}/)?(?:title|oclc)/(\d+)`),
		},
	}
}

func (w *WorldCat) Name() string               { return "worldcat" }
func (w *WorldCat) IDType() catalog.IDType     { return catalog.IDTypeOCLC }
func (w *WorldCat) Patterns() []*regexp.Regexp { return w.patterns }
func (w *WorldCat) Render() bool               { return true }

func (w *WorldCat) IDToURL(id string) string {
	return "https://search.worldcat.org/title/" + id
}

func (w *WorldCat) FetchURL(id string) string {
	return w.IDToURL(id)
}

func (w *WorldCat) Parse(_ string, page catalog.Page) (catalog.Draft, error) {
	node, raw, err := jsonLD(page.Body, "Book", "CreativeWork")
	if err != nil {
		return catalog.Draft{}, catalog.NewParseError(w.Name(), page.URL, "%v", err)
	}
	meta := catalog.Metadata{
		Title:     ldString(node["name"]),
		People:    ldNames(node["author"]),
		Companies: ldNames(node["publisher"]),
		Year:      yearOf(ldString(node["datePublished"])),
		Language:  strings.ToLower(ldString(node["inLanguage"])),
		Brief:     ldString(node["description"]),
		Genres:    ldNames(node["genre"]),
	}
	ids := catalog.LookupIDs{}
	for _, isbn := range ldNames(node["isbn"]) {
		switch len(strings.NewReplacer("-", "", " ", "").Replace(isbn)) {
		case 13:
			if _, ok := ids[catalog.IDTypeISBN]; !ok {
				ids.Set(catalog.IDTypeISBN, isbn)
			}
		case 10:
			ids.Set(catalog.IDTypeISBN10, isbn)
		}
	}
	return catalog.Draft{
		Category:  catalog.CategoryBook,
		Metadata:  meta,
		LookupIDs: ids,
		Raw:       raw,
	}, nil
}
