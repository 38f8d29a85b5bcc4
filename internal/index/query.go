package index

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Default paging.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Query is a parsed search request.
type Query struct {
	Text     string
	Terms    []string
	Category catalog.Category
	YearFrom int
	YearTo   int
	Tags     []string
	Page     int
	PageSize int
}

// ParseQuery splits raw into free text and filters. Recognized filters are
// category:NAME, year:YYYY, year:A..B and tag:NAME (repeatable).
func ParseQuery(raw string, page, pageSize int) (Query, error) {
	q := Query{Page: page, PageSize: pageSize}
	var text []string
	for _, field := range strings.Fields(raw) {
		key, value, ok := strings.Cut(field, ":")
		if !ok || value == "" {
			text = append(text, field)
			continue
		}
		switch strings.ToLower(key) {
		case "category":
			c, err := catalog.ParseCategory(value)
			if err != nil {
				return Query{}, fmt.Errorf("parse query: %w", err)
			}
			q.Category = c
		case "year":
			from, to, err := parseYears(value)
			if err != nil {
				return Query{}, fmt.Errorf("parse query: %w", err)
			}
			q.YearFrom, q.YearTo = from, to
		case "tag":
			q.Tags = append(q.Tags, catalog.NormalizeText(value))
		default:
			text = append(text, field)
		}
	}
	q.Text = strings.Join(text, " ")
	q.Terms = Tokenize(q.Text)
	q.normalizePaging()
	return q, nil
}

func (q *Query) normalizePaging() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
}

// Offset returns the number of hits skipped before the page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// Matches applies the filters (not the text) to doc.
func (q Query) Matches(doc Document) bool {
	if q.Category != "" && doc.Category != q.Category {
		return false
	}
	if q.YearFrom > 0 && doc.Year < q.YearFrom {
		return false
	}
	if q.YearTo > 0 && doc.Year > q.YearTo {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, tag := range doc.Tags {
			if catalog.NormalizeText(tag) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseYears(value string) (int, int, error) {
	if from, to, ok := strings.Cut(value, ".."); ok {
		a, err := parseYear(from)
		if err != nil {
			return 0, 0, err
		}
		b, err := parseYear(to)
		if err != nil {
			return 0, 0, err
		}
		if a > b {
			a, b = b, a
		}
		return a, b, nil
	}
	y, err := parseYear(value)
	return y, y, err
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil || y < 1 || y > 9999 {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	return y, nil
}

// Tokenize normalizes s and splits it into search terms.
func Tokenize(s string) []string {
	norm := catalog.NormalizeText(s)
	fields := strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
