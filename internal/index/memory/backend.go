// Package memory is an in-process inverted index for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/index"
)

type entry struct {
	doc    index.Document
	terms  map[string]struct{}
	titles map[string]struct{}
}

// Backend implements index.Backend.
type Backend struct {
	mu         sync.RWMutex
	docs       map[string]*entry
	tombstones map[string]int64
	postings   map[string]map[string]struct{}
}

// NewBackend returns an empty, initialized index.
func NewBackend() *Backend {
	b := &Backend{}
	b.reset()
	return b
}

func (b *Backend) reset() {
	b.docs = make(map[string]*entry)
	b.tombstones = make(map[string]int64)
	b.postings = make(map[string]map[string]struct{})
}

// Name implements index.Backend.
func (b *Backend) Name() string { return "memory" }

// Init implements index.Backend. The index is always ready.
func (b *Backend) Init(context.Context) error { return nil }

// Destroy implements index.Backend.
func (b *Backend) Destroy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	return nil
}

// DeleteAll implements index.Backend.
func (b *Backend) DeleteAll(ctx context.Context) error {
	return b.Destroy(ctx)
}

// Upsert implements index.Backend.
func (b *Backend) Upsert(_ context.Context, doc index.Document) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.tombstones[doc.UUID]; ok && doc.Version <= v {
		return false, nil
	}
	if cur, ok := b.docs[doc.UUID]; ok {
		if doc.Version <= cur.doc.Version {
			return false, nil
		}
		b.unlink(cur)
	}
	e := &entry{
		doc:    doc,
		terms:  make(map[string]struct{}),
		titles: make(map[string]struct{}),
	}
	for _, t := range index.Tokenize(doc.Title) {
		e.titles[t] = struct{}{}
	}
	for _, t := range index.Tokenize(searchText(doc)) {
		e.terms[t] = struct{}{}
		if b.postings[t] == nil {
			b.postings[t] = make(map[string]struct{})
		}
		b.postings[t][doc.UUID] = struct{}{}
	}
	b.docs[doc.UUID] = e
	delete(b.tombstones, doc.UUID)
	return true, nil
}

// Remove implements index.Backend.
func (b *Backend) Remove(_ context.Context, uuid string, version int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.tombstones[uuid]; ok && version <= v {
		return false, nil
	}
	if cur, ok := b.docs[uuid]; ok {
		if version < cur.doc.Version {
			return false, nil
		}
		b.unlink(cur)
		delete(b.docs, uuid)
	}
	b.tombstones[uuid] = version
	return true, nil
}

func (b *Backend) unlink(e *entry) {
	for t := range e.terms {
		delete(b.postings[t], e.doc.UUID)
		if len(b.postings[t]) == 0 {
			delete(b.postings, t)
		}
	}
}

// Get implements index.Backend.
func (b *Backend) Get(_ context.Context, uuid string) (index.Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.docs[uuid]
	if !ok {
		return index.Document{}, fmt.Errorf("document %s: %w", uuid, catalog.ErrNotFound)
	}
	return e.doc, nil
}

type scored struct {
	doc   index.Document
	score int
}

// Search implements index.Backend. Every term must appear in the document;
// title matches rank higher.
func (b *Backend) Search(_ context.Context, q index.Query) (index.Results, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var candidates map[string]struct{}
	if len(q.Terms) == 0 {
		candidates = make(map[string]struct{}, len(b.docs))
		for id := range b.docs {
			candidates[id] = struct{}{}
		}
	} else {
		candidates = b.intersect(q.Terms)
	}

	matches := make([]scored, 0, len(candidates))
	for id := range candidates {
		e := b.docs[id]
		if !q.Matches(e.doc) {
			continue
		}
		score := 0
		for _, t := range q.Terms {
			if _, ok := e.titles[t]; ok {
				score += 3
			} else {
				score++
			}
		}
		matches = append(matches, scored{doc: e.doc, score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if matches[i].doc.Title != matches[j].doc.Title {
			return matches[i].doc.Title < matches[j].doc.Title
		}
		return matches[i].doc.UUID < matches[j].doc.UUID
	})

	res := index.Results{Total: len(matches), Page: q.Page, PageSize: q.PageSize, Hits: []index.Document{}}
	start := q.Offset()
	if start >= len(matches) {
		return res, nil
	}
	end := min(start+q.PageSize, len(matches))
	for _, m := range matches[start:end] {
		res.Hits = append(res.Hits, m.doc)
	}
	return res, nil
}

func (b *Backend) intersect(terms []string) map[string]struct{} {
	out := make(map[string]struct{})
	first, ok := b.postings[terms[0]]
	if !ok {
		return out
	}
	for id := range first {
		out[id] = struct{}{}
	}
	for _, t := range terms[1:] {
		posting := b.postings[t]
		for id := range out {
			if _, ok := posting[id]; !ok {
				delete(out, id)
			}
		}
	}
	return out
}

// Info implements index.Backend.
func (b *Backend) Info(context.Context) (index.Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return index.Info{Backend: b.Name(), Documents: len(b.docs), Removed: len(b.tombstones)}, nil
}

// Close implements index.Backend.
func (b *Backend) Close() error { return nil }

func searchText(doc index.Document) string {
	parts := []string{doc.Title, doc.Brief, doc.Language}
	parts = append(parts, doc.OtherTitles...)
	parts = append(parts, doc.People...)
	parts = append(parts, doc.Companies...)
	parts = append(parts, doc.Genres...)
	parts = append(parts, doc.Tags...)
	for _, t := range doc.LookupIDs.Types() {
		parts = append(parts, doc.LookupIDs[t])
	}
	return strings.Join(parts, " ")
}
