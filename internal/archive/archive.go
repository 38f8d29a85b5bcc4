// Package archive keeps the raw bytes of every fetched page so that parsers
// can be re-run without touching the source site. Pages are content
// addressed: the object path is derived from a digest of the body.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// BlobStore persists archived objects.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher digests page bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archiver writes pages to a blob store under raw/<site>/<xx>/<digest><ext>.
type Archiver struct {
	store  BlobStore
	hasher Hasher
	prefix string
}

// New builds an Archiver. A nil store disables archiving.
func New(store BlobStore, hasher Hasher, prefix string) *Archiver {
	if prefix == "" {
		prefix = "raw"
	}
	return &Archiver{store: store, hasher: hasher, prefix: strings.Trim(prefix, "/")}
}

// Enabled reports whether pages are stored anywhere.
func (a *Archiver) Enabled() bool {
	return a != nil && a.store != nil
}

// Archive stores page and returns the object URI, or "" when disabled.
func (a *Archiver) Archive(ctx context.Context, site string, page catalog.Page) (string, error) {
	if !a.Enabled() || len(page.Body) == 0 {
		return "", nil
	}
	digest, err := a.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash page %s: %w", page.URL, err)
	}
	contentType := page.Header.Get("Content-Type")
	path := a.Path(site, digest, contentType)
	uri, err := a.store.PutObject(ctx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive page %s: %w", page.URL, err)
	}
	return uri, nil
}

// Path returns the object path for a digest.
func (a *Archiver) Path(site, digest, contentType string) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("%s/%s/%s/%s%s", a.prefix, site, shard, digest, extension(contentType))
}

func extension(contentType string) string {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".html"
	}
	switch {
	case strings.Contains(media, "json"):
		return ".json"
	case strings.Contains(media, "xml"):
		return ".xml"
	default:
		return ".html"
	}
}
