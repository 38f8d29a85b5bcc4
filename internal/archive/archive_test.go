package archive_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/archive"
	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/hash/sha256"
	"github.com/JakeFAU/culture-catalog/internal/storage/memory"
)

func TestArchiverStoresContentAddressedPages(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	a := archive.New(blobs, sha256.New(), "")
	ctx := context.Background()

	page := catalog.Page{
		URL:    "https://openlibrary.org/works/OL1W.json",
		Header: http.Header{"Content-Type": []string{"application/json; charset=utf-8"}},
		Body:   []byte("hello world"),
	}
	uri, err := a.Archive(ctx, "openlibrary", page)
	require.NoError(t, err)
	require.Equal(t, "memory://raw/openlibrary/b9/b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9.json", uri)

	again, err := a.Archive(ctx, "openlibrary", page)
	require.NoError(t, err)
	require.Equal(t, uri, again)
	require.Equal(t, 1, blobs.Len())

	data, _, err := blobs.GetObject(ctx, strings.TrimPrefix(uri, "memory://"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestArchiverDisabled(t *testing.T) {
	t.Parallel()

	a := archive.New(nil, sha256.New(), "pages")
	require.False(t, a.Enabled())
	uri, err := a.Archive(context.Background(), "imdb", catalog.Page{Body: []byte("x")})
	require.NoError(t, err)
	require.Empty(t, uri)
	require.Equal(t, "pages/imdb/ab/abcd.html", a.Path("imdb", "abcd", "text/html"))
}
