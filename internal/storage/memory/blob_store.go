// Package memory holds in-process stores used in development and tests: the
// catalog arena, the raw page archive and the job run ledger.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

type blob struct {
	contentType string
	data        []byte
}

// BlobStore keeps archived pages in memory and returns memory:// URIs.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]blob)}
}

// PutObject stores the content under path. Re-putting a path overwrites it.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	s.blobs[path] = blob{contentType: contentType, data: data}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns the stored content of path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	if !ok {
		return nil, "", fmt.Errorf("object %s: %w", path, catalog.ErrNotFound)
	}
	return append([]byte(nil), b.data...), b.contentType, nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
