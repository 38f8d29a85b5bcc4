package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/index"
)

var _ index.Backend = (*Backend)(nil)

func openTest(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func doc(uuid, title string, version int64) index.Document {
	return index.Document{UUID: uuid, Category: catalog.CategoryBook, Title: title, Version: version}
}

func mustQuery(t *testing.T, raw string) index.Query {
	t.Helper()
	q, err := index.ParseQuery(raw, 1, 10)
	require.NoError(t, err)
	return q
}

func TestBackendRejectsStaleWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t)

	ok, err := b.Upsert(ctx, doc("a", "Dune", 2))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Upsert(ctx, doc("a", "Dune (old)", 1))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Dune", got.Title)
	require.Equal(t, int64(2), got.Version)

	ok, err = b.Remove(ctx, "a", 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = b.Remove(ctx, "a", 3)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = b.Get(ctx, "a")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	ok, err = b.Upsert(ctx, doc("a", "Dune", 3))
	require.NoError(t, err)
	require.False(t, ok)

	info, err := b.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, index.Info{Backend: "sqlite", Documents: 0, Removed: 1}, info)
}

func TestBackendSearch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openTest(t)

	dune := doc("1", "Dune", 1)
	dune.People = []string{"Frank Herbert"}
	dune.Year = 1965
	dune.Tags = []string{"Classic"}
	messiah := doc("2", "Dune Messiah", 1)
	messiah.People = []string{"Frank Herbert"}
	messiah.Year = 1969
	film := doc("3", "Dune", 1)
	film.Category = catalog.CategoryMovie
	film.Year = 2021
	amelie := doc("4", "Le Fabuleux Destin d'Amélie Poulain", 1)
	amelie.Category = catalog.CategoryMovie
	for _, d := range []index.Document{dune, messiah, film, amelie} {
		_, err := b.Upsert(ctx, d)
		require.NoError(t, err)
	}

	res, err := b.Search(ctx, mustQuery(t, "dune"))
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Len(t, res.Hits, 3)

	res, err = b.Search(ctx, mustQuery(t, "dune herbert category:book year:1960..1966"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "1", res.Hits[0].UUID)
	require.Equal(t, []string{"Frank Herbert"}, res.Hits[0].People)

	res, err = b.Search(ctx, mustQuery(t, "tag:classic"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)

	res, err = b.Search(ctx, mustQuery(t, "amelie"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "4", res.Hits[0].UUID)

	q, err := index.ParseQuery("category:movie", 2, 1)
	require.NoError(t, err)
	res, err = b.Search(ctx, q)
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "4", res.Hits[0].UUID, "unranked results are ordered by title")
}

func TestBackendLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, err := Open(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.Upsert(ctx, doc("a", "Dune", 1))
	require.NoError(t, err)
	require.NoError(t, b.DeleteAll(ctx))
	info, err := b.Info(ctx)
	require.NoError(t, err)
	require.Zero(t, info.Documents)

	require.NoError(t, b.Destroy(ctx))
	_, err = b.Info(ctx)
	require.Error(t, err)

	require.NoError(t, b.Init(ctx))
	ok, err := b.Upsert(ctx, doc("a", "Dune", 1))
	require.NoError(t, err)
	require.True(t, ok)
}
