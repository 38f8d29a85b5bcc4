package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

func TestParseQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Query
	}{
		{
			name: "plain text",
			raw:  "Dune  Herbert",
			want: Query{Text: "Dune Herbert", Terms: []string{"dune", "herbert"}},
		},
		{
			name: "filters",
			raw:  "category:book year:1965 tag:Classic dune",
			want: Query{
				Text:     "dune",
				Terms:    []string{"dune"},
				Category: catalog.CategoryBook,
				YearFrom: 1965,
				YearTo:   1965,
				Tags:     []string{"classic"},
			},
		},
		{
			name: "reversed year range",
			raw:  "year:2001..1999 matrix",
			want: Query{Text: "matrix", Terms: []string{"matrix"}, YearFrom: 1999, YearTo: 2001},
		},
		{
			name: "unknown keys stay in text",
			raw:  "re:zero",
			want: Query{Text: "re:zero", Terms: []string{"re", "zero"}},
		},
		{
			name: "category alias",
			raw:  "category:tv",
			want: Query{Category: catalog.CategoryTVShow, Terms: []string{}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseQuery(tc.raw, 0, 0)
			require.NoError(t, err)
			tc.want.Page = 1
			tc.want.PageSize = DefaultPageSize
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseQueryRejectsBadFilters(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"category:pamphlet", "year:abc", "year:1990..x", "year:0"} {
		_, err := ParseQuery(raw, 1, 10)
		require.Error(t, err, raw)
	}
}

func TestQueryPaging(t *testing.T) {
	t.Parallel()
	q, err := ParseQuery("x", 3, 500)
	require.NoError(t, err)
	require.Equal(t, MaxPageSize, q.PageSize)
	require.Equal(t, 200, q.Offset())
}

func TestTokenizeFoldsAccentsAndDedupes(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"amelie", "poulain"}, Tokenize("Amélie, Amelie & POULAIN!"))
}

func TestMessageFor(t *testing.T) {
	t.Parallel()
	item := catalog.Item{
		UUID:     "a",
		Category: catalog.CategoryBook,
		Metadata: catalog.Metadata{Title: "Dune"},
		State:    catalog.StateActive,
		Version:  4,
	}
	up := MessageFor(catalog.Change{Kind: catalog.ChangeUpdated, Item: item})
	require.Equal(t, OpUpsert, up.Op)
	require.NotNil(t, up.Document)
	require.Equal(t, "Dune", up.Document.Title)

	item.State = catalog.StateMerged
	item.MergedTo = "b"
	item.Version = 5
	rm := MessageFor(catalog.Change{Kind: catalog.ChangeMerged, Item: item})
	require.Equal(t, OpRemove, rm.Op)
	require.Equal(t, int64(5), rm.Version)
	require.Nil(t, rm.Document)
}
