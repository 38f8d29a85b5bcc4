package sites

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

const openLibraryBase = "https://openlibrary.org"

// OpenLibrary parses book editions and works from openlibrary.org.
type OpenLibrary struct {
	base     string
	patterns []*regexp.Regexp
}

// NewOpenLibrary returns the OpenLibrary site.
func NewOpenLibrary() *OpenLibrary {
	return &OpenLibrary{
		base: openLibraryBase,
		patterns: []*regexp.Regexp{
			mustPattern(`^https?://(?:www\.)?openlibrary\.org/(?:books|works)/(OL\d+[MW])\b`),
		},
	}
}

// WithBase points the site at another host, for tests.
func (o *OpenLibrary) WithBase(base string) *OpenLibrary {
	o.base = strings.TrimRight(base, "/")
	return o
}

func (o *OpenLibrary) Name() string               { return "openlibrary" }
func (o *OpenLibrary) IDType() catalog.IDType     { return catalog.IDTypeOpenLibrary }
func (o *OpenLibrary) Patterns() []*regexp.Regexp { return o.patterns }

func (o *OpenLibrary) IDToURL(id string) string {
	kind := "books"
	if strings.HasSuffix(id, "W") {
		kind = "works"
	}
	return fmt.Sprintf("%s/%s/%s", openLibraryBase, kind, id)
}

func (o *OpenLibrary) FetchURL(id string) string {
	return strings.Replace(o.IDToURL(id), openLibraryBase, o.base, 1) + ".json"
}

type olText struct {
	Value string
}

func (t *olText) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		t.Value = s
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	t.Value = obj.Value
	return nil
}

type olRecord struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	ByStatement   string   `json:"by_statement"`
	PublishDate   string   `json:"publish_date"`
	FirstPublish  string   `json:"first_publish_date"`
	Publishers    []string `json:"publishers"`
	ISBN13        []string `json:"isbn_13"`
	ISBN10        []string `json:"isbn_10"`
	OCLC          []string `json:"oclc_numbers"`
	Covers        []int64  `json:"covers"`
	Subjects      []string `json:"subjects"`
	NumberOfPages int      `json:"number_of_pages"`
	Description   olText   `json:"description"`
	Languages     []struct {
		Key string `json:"key"`
	} `json:"languages"`
	Works []struct {
		Key string `json:"key"`
	} `json:"works"`
}

func (o *OpenLibrary) Parse(id string, page catalog.Page) (catalog.Draft, error) {
	var rec olRecord
	if err := json.Unmarshal(page.Body, &rec); err != nil {
		return catalog.Draft{}, catalog.NewParseError(o.Name(), page.URL, "decode record: %v", err)
	}
	if rec.Title == "" {
		return catalog.Draft{}, catalog.NewParseError(o.Name(), page.URL, "record has no title")
	}
	meta := catalog.Metadata{
		Title:     rec.Title,
		Companies: rec.Publishers,
		Year:      yearOf(rec.PublishDate),
		Tags:      rec.Subjects,
		Brief:     rec.Description.Value,
		Extra:     map[string]string{},
	}
	if meta.Year == 0 {
		meta.Year = yearOf(rec.FirstPublish)
	}
	if rec.Subtitle != "" {
		meta.Extra["subtitle"] = rec.Subtitle
	}
	if rec.NumberOfPages > 0 {
		meta.Extra["pages"] = strconv.Itoa(rec.NumberOfPages)
	}
	if by := strings.TrimSuffix(strings.TrimSpace(rec.ByStatement), "."); by != "" {
		meta.People = []string{by}
	}
	if len(rec.Languages) > 0 {
		meta.Language = strings.TrimPrefix(rec.Languages[0].Key, "/languages/")
	}
	if len(rec.Covers) > 0 && rec.Covers[0] > 0 {
		meta.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", rec.Covers[0])
	}
	ids := catalog.LookupIDs{}
	if len(rec.ISBN13) > 0 {
		ids.Set(catalog.IDTypeISBN, rec.ISBN13[0])
	}
	if len(rec.ISBN10) > 0 {
		ids.Set(catalog.IDTypeISBN10, rec.ISBN10[0])
	}
	if len(rec.OCLC) > 0 {
		ids.Set(catalog.IDTypeOCLC, rec.OCLC[0])
	}
	return catalog.Draft{
		Category:  catalog.CategoryBook,
		Metadata:  meta,
		LookupIDs: ids,
		Raw:       page.Body,
	}, nil
}

func (o *OpenLibrary) SearchCategories() []catalog.Category {
	return []catalog.Category{catalog.CategoryBook}
}

func (o *OpenLibrary) Search(ctx context.Context, fetcher catalog.PageFetcher, q SearchQuery) ([]SearchResult, error) {
	params := url.Values{}
	params.Set("q", q.Text)
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	params.Set("limit", strconv.Itoa(q.PageSize))
	params.Set("fields", "key,title,author_name,first_publish_year,cover_i")
	page, err := fetcher.Fetch(ctx, catalog.FetchRequest{URL: o.base + "/search.json?" + params.Encode(), Site: o.Name()})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Docs []struct {
			Key       string   `json:"key"`
			Title     string   `json:"title"`
			Authors   []string `json:"author_name"`
			FirstYear int      `json:"first_publish_year"`
			Cover     int64    `json:"cover_i"`
		} `json:"docs"`
	}
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, catalog.NewParseError(o.Name(), page.URL, "decode search: %v", err)
	}
	out := make([]SearchResult, 0, len(resp.Docs))
	for _, d := range resp.Docs {
		id := d.Key[strings.LastIndex(d.Key, "/")+1:]
		if id == "" {
			continue
		}
		r := SearchResult{
			Site:     o.Name(),
			SiteID:   id,
			URL:      o.IDToURL(id),
			Category: catalog.CategoryBook,
			Title:    d.Title,
			People:   d.Authors,
			Year:     d.FirstYear,
		}
		if d.Cover > 0 {
			r.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-M.jpg", d.Cover)
		}
		out = append(out, r)
	}
	return out, nil
}
