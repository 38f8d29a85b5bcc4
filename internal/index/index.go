// Package index keeps a search index consistent with the catalog. Store
// commits are turned into versioned messages, queued, and applied by a worker
// pool to a pluggable backend that ignores stale writes.
package index

import (
	"context"
	"time"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Document is the denormalized, searchable form of an active item.
type Document struct {
	UUID        string            `json:"uuid"`
	Category    catalog.Category  `json:"category"`
	Title       string            `json:"title"`
	OtherTitles []string          `json:"other_titles,omitempty"`
	People      []string          `json:"people,omitempty"`
	Companies   []string          `json:"companies,omitempty"`
	Year        int               `json:"year,omitempty"`
	Language    string            `json:"language,omitempty"`
	Genres      []string          `json:"genres,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Brief       string            `json:"brief,omitempty"`
	CoverURL    string            `json:"cover_url,omitempty"`
	LookupIDs   catalog.LookupIDs `json:"lookup_ids,omitempty"`
	ParentUUID  string            `json:"parent_uuid,omitempty"`
	Version     int64             `json:"version"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// FromItem builds the document for item.
func FromItem(item catalog.Item) Document {
	m := item.Metadata.Clone()
	return Document{
		UUID:        item.UUID,
		Category:    item.Category,
		Title:       m.Title,
		OtherTitles: m.OtherTitles,
		People:      m.People,
		Companies:   m.Companies,
		Year:        m.Year,
		Language:    m.Language,
		Genres:      m.Genres,
		Tags:        m.Tags,
		Brief:       m.Brief,
		CoverURL:    m.CoverURL,
		LookupIDs:   item.LookupIDs.Clone(),
		ParentUUID:  item.ParentUUID,
		Version:     item.Version,
		UpdatedAt:   item.UpdatedAt,
	}
}

// Results is one page of search hits.
type Results struct {
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Hits     []Document `json:"hits"`
}

// Info describes the state of a backend.
type Info struct {
	Backend   string `json:"backend"`
	Documents int    `json:"documents"`
	Removed   int    `json:"removed"`
	Pending   int    `json:"pending"`
}

// Backend stores documents. Upsert and Remove return false without error
// when the write is older than, or as old as, what the backend already saw
// for the uuid.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Destroy(ctx context.Context) error
	DeleteAll(ctx context.Context) error
	Upsert(ctx context.Context, doc Document) (bool, error)
	Remove(ctx context.Context, uuid string, version int64) (bool, error)
	Get(ctx context.Context, uuid string) (Document, error)
	Search(ctx context.Context, q Query) (Results, error)
	Info(ctx context.Context) (Info, error)
	Close() error
}
