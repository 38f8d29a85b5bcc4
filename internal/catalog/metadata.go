package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := m
	out.OtherTitles = cloneStrings(m.OtherTitles)
	out.People = cloneStrings(m.People)
	out.Companies = cloneStrings(m.Companies)
	out.Genres = cloneStrings(m.Genres)
	out.Tags = cloneStrings(m.Tags)
	if m.Extra != nil {
		out.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Overlay returns base updated with every field present in update. Absent
// (zero) fields in update leave base untouched.
func Overlay(base, update Metadata) Metadata {
	out := base.Clone()
	if update.Title != "" {
		out.Title = update.Title
	}
	if len(update.OtherTitles) > 0 {
		out.OtherTitles = cloneStrings(update.OtherTitles)
	}
	if len(update.People) > 0 {
		out.People = cloneStrings(update.People)
	}
	if len(update.Companies) > 0 {
		out.Companies = cloneStrings(update.Companies)
	}
	if update.Year != 0 {
		out.Year = update.Year
	}
	if update.Language != "" {
		out.Language = update.Language
	}
	if len(update.Genres) > 0 {
		out.Genres = cloneStrings(update.Genres)
	}
	if len(update.Tags) > 0 {
		out.Tags = cloneStrings(update.Tags)
	}
	if update.Brief != "" {
		out.Brief = update.Brief
	}
	if update.CoverURL != "" {
		out.CoverURL = update.CoverURL
	}
	for k, v := range update.Extra {
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		out.Extra[k] = v
	}
	return out
}

// FillGaps returns primary with empty scalar fields taken from secondary and
// list fields unioned (primary entries first).
func FillGaps(primary, secondary Metadata) Metadata {
	out := primary.Clone()
	if out.Title == "" {
		out.Title = secondary.Title
	} else if secondary.Title != "" && !strings.EqualFold(secondary.Title, out.Title) {
		out.OtherTitles = unionStrings(out.OtherTitles, []string{secondary.Title})
	}
	out.OtherTitles = unionStrings(out.OtherTitles, secondary.OtherTitles)
	out.People = unionStrings(out.People, secondary.People)
	out.Companies = unionStrings(out.Companies, secondary.Companies)
	if out.Year == 0 {
		out.Year = secondary.Year
	}
	if out.Language == "" {
		out.Language = secondary.Language
	}
	out.Genres = unionStrings(out.Genres, secondary.Genres)
	out.Tags = unionStrings(out.Tags, secondary.Tags)
	if out.Brief == "" {
		out.Brief = secondary.Brief
	}
	if out.CoverURL == "" {
		out.CoverURL = secondary.CoverURL
	}
	for k, v := range secondary.Extra {
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		if _, ok := out.Extra[k]; !ok {
			out.Extra[k] = v
		}
	}
	return out
}

// MergePolicy decides metadata precedence when items are merged.
type MergePolicy string

// Merge policies.
const (
	// MergeWinnerFirst keeps the winner's non-empty fields and lets losers fill gaps.
	MergeWinnerFirst MergePolicy = "winner_first"
	// MergeNewestFirst lets the most recently updated item's fields win.
	MergeNewestFirst MergePolicy = "newest_first"
)

// ParseMergePolicy validates a configured policy name.
func ParseMergePolicy(raw string) (MergePolicy, error) {
	switch MergePolicy(strings.TrimSpace(raw)) {
	case "", MergeWinnerFirst:
		return MergeWinnerFirst, nil
	case MergeNewestFirst:
		return MergeNewestFirst, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", raw)
	}
}

// Merge combines the winner with its losers according to the policy. The
// winner's title is kept under both policies so that the canonical name of an
// item never changes because of a merge.
func (p MergePolicy) Merge(winner Item, losers []Item) (Metadata, LookupIDs) {
	ordered := make([]Item, 0, len(losers)+1)
	ordered = append(ordered, winner)
	ordered = append(ordered, losers...)
	if p == MergeNewestFirst {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
		})
	}
	meta := ordered[0].Metadata.Clone()
	ids := ordered[0].LookupIDs.Clone()
	for _, it := range ordered[1:] {
		meta = FillGaps(meta, it.Metadata)
		ids = ids.Union(it.LookupIDs)
	}
	if winner.Metadata.Title != "" && meta.Title != winner.Metadata.Title {
		meta.OtherTitles = unionStrings(removeString(meta.OtherTitles, winner.Metadata.Title), []string{meta.Title})
		meta.Title = winner.Metadata.Title
	}
	if ids == nil {
		ids = LookupIDs{}
	}
	return meta, ids
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			key := strings.ToLower(strings.TrimSpace(v))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if !strings.EqualFold(s, v) {
			out = append(out, s)
		}
	}
	return out
}
