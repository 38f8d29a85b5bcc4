package catalog

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// identityTypes are the lookup id vocabularies strong enough to identify a work
// across sites.
var identityTypes = map[IDType]struct{}{
	IDTypeISBN:        {},
	IDTypeASIN:        {},
	IDTypeOCLC:        {},
	IDTypeGTIN:        {},
	IDTypeIMDb:        {},
	IDTypeTMDB:        {},
	IDTypeWikidata:    {},
	IDTypeMusicBrainz: {},
	IDTypeRSS:         {},
}

// NormalizeText folds case, strips diacritics and collapses whitespace so that
// "  Les Misérables " and "les miserables" compare equal.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// IdentityKeys derives the cross-site identity keys of a work: one key per
// strong lookup id plus a category/title/people/year tuple when all parts are
// known. Keys are sorted and unique.
func IdentityKeys(category Category, meta Metadata, ids LookupIDs) []string {
	keys := make([]string, 0, len(ids)+1)
	for t, v := range ids {
		if _, ok := identityTypes[t]; !ok || v == "" {
			continue
		}
		keys = append(keys, "id:"+string(t)+":"+v)
	}
	if tuple := identityTuple(category, meta); tuple != "" {
		keys = append(keys, tuple)
	}
	sort.Strings(keys)
	return dedupeSorted(keys)
}

// KeysOf is IdentityKeys for an existing item.
func KeysOf(item Item) []string {
	return IdentityKeys(item.Category, item.Metadata, item.LookupIDs)
}

func identityTuple(category Category, meta Metadata) string {
	title := NormalizeText(meta.Title)
	if title == "" || meta.Year == 0 || len(meta.People) == 0 {
		return ""
	}
	people := make([]string, 0, len(meta.People))
	for _, p := range meta.People {
		if n := NormalizeText(p); n != "" {
			people = append(people, n)
		}
	}
	if len(people) == 0 {
		return ""
	}
	sort.Strings(people)
	people = dedupeSorted(people)
	return "tuple:" + string(category) + "|" + title + "|" + strings.Join(people, ",") + "|" + strconv.Itoa(meta.Year)
}

func dedupeSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
