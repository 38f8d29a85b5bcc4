package catalog

import (
	"sort"
	"strings"
)

// IDType names a cross-site identifier vocabulary.
type IDType string

// Known lookup id types, strongest first where it matters.
const (
	IDTypeISBN         IDType = "isbn"
	IDTypeISBN10       IDType = "isbn10"
	IDTypeASIN         IDType = "asin"
	IDTypeOCLC         IDType = "oclc"
	IDTypeGTIN         IDType = "gtin"
	IDTypeIMDb         IDType = "imdb"
	IDTypeTMDB         IDType = "tmdb"
	IDTypeWikidata     IDType = "wikidata"
	IDTypeMusicBrainz  IDType = "musicbrainz"
	IDTypeOpenLibrary  IDType = "openlibrary"
	IDTypeAppleMusic   IDType = "apple_music"
	IDTypeApplePodcast IDType = "apple_podcast"
	IDTypeAppleEpisode IDType = "apple_episode"
	IDTypeRSS          IDType = "rss"
)

// lookupPriority orders types when choosing a primary identifier.
var lookupPriority = []IDType{
	IDTypeISBN,
	IDTypeIMDb,
	IDTypeTMDB,
	IDTypeGTIN,
	IDTypeMusicBrainz,
	IDTypeRSS,
	IDTypeWikidata,
	IDTypeOCLC,
	IDTypeASIN,
	IDTypeOpenLibrary,
	IDTypeAppleMusic,
	IDTypeApplePodcast,
	IDTypeAppleEpisode,
}

// LookupIDs maps an identifier vocabulary to a value.
type LookupIDs map[IDType]string

// Clone copies the map.
func (l LookupIDs) Clone() LookupIDs {
	if l == nil {
		return nil
	}
	out := make(LookupIDs, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Set stores a normalized value, ignoring blanks. ISBN-10 values are also
// recorded as ISBN-13 so that editions from different sites line up.
func (l LookupIDs) Set(t IDType, value string) {
	value = normalizeLookupValue(t, value)
	if value == "" {
		return
	}
	l[t] = value
	if t == IDTypeISBN10 {
		if isbn13 := ISBN10To13(value); isbn13 != "" {
			if _, ok := l[IDTypeISBN]; !ok {
				l[IDTypeISBN] = isbn13
			}
		}
	}
}

// Primary returns the strongest identifier present.
func (l LookupIDs) Primary() (IDType, string) {
	for _, t := range lookupPriority {
		if v, ok := l[t]; ok && v != "" {
			return t, v
		}
	}
	return "", ""
}

// Types returns the id types in a stable order.
func (l LookupIDs) Types() []IDType {
	out := make([]IDType, 0, len(l))
	for t := range l {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union returns a copy of l with every type of other that l lacks.
func (l LookupIDs) Union(other LookupIDs) LookupIDs {
	out := l.Clone()
	if out == nil {
		out = LookupIDs{}
	}
	for t, v := range other {
		if _, ok := out[t]; !ok && v != "" {
			out[t] = v
		}
	}
	return out
}

// Overlay returns a copy of l where every type present in other replaces l's value.
func (l LookupIDs) Overlay(other LookupIDs) LookupIDs {
	out := l.Clone()
	if out == nil {
		out = LookupIDs{}
	}
	for t, v := range other {
		if v != "" {
			out[t] = v
		}
	}
	return out
}

func normalizeLookupValue(t IDType, value string) string {
	value = strings.TrimSpace(value)
	switch t {
	case IDTypeISBN, IDTypeISBN10, IDTypeGTIN:
		value = strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(value))
	case IDTypeIMDb, IDTypeMusicBrainz, IDTypeRSS:
		value = strings.ToLower(value)
	case IDTypeWikidata, IDTypeOpenLibrary, IDTypeASIN:
		value = strings.ToUpper(value)
	}
	return value
}

// ISBN10To13 converts a valid ISBN-10 to its ISBN-13 form or returns "".
func ISBN10To13(isbn10 string) string {
	s := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(isbn10))
	if len(s) != 10 || !validISBN10(s) {
		return ""
	}
	core := "978" + s[:9]
	sum := 0
	for i, r := range core {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return core + string(rune('0'+check))
}

func validISBN10(s string) bool {
	sum := 0
	for i := 0; i < 10; i++ {
		c := s[i]
		var d int
		switch {
		case c >= '0' && c <= '9':
			d = int(c - '0')
		case c == 'X' && i == 9:
			d = 10
		default:
			return false
		}
		sum += d * (10 - i)
	}
	return sum%11 == 0
}
