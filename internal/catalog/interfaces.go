package catalog

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes one outbound page request.
type FetchRequest struct {
	URL    string
	Site   string
	Render bool
	Header http.Header
}

// Page is the content returned by a fetch.
type Page struct {
	URL       string
	FinalURL  string
	Status    int
	Header    http.Header
	Body      []byte
	FetchedAt time.Time
	Rendered  bool
}

// PageFetcher retrieves pages with politeness and retry handling.
type PageFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Page, error)
}

// IDGenerator issues new item identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Notifier receives the final state of items after a store commit.
type Notifier interface {
	Notify(ctx context.Context, changes []Change)
}

// Notifiers fans changes out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, changes []Change) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, changes)
		}
	}
}

// ItemFilter narrows an item scan.
type ItemFilter struct {
	After        string
	Limit        int
	States       []State
	Category     Category
	UpdatedSince time.Time
}

// Matches reports whether item passes the filter (ignoring paging fields).
func (f ItemFilter) Matches(item Item) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if item.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Category != "" && item.Category != f.Category {
		return false
	}
	if !f.UpdatedSince.IsZero() && item.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}

// Tx is a read-write view of the store scoped to a single transaction. Writes
// are validated against the catalog invariants and become visible to others
// only when the enclosing Update returns nil.
type Tx interface {
	Get(ctx context.Context, uuid string) (Item, error)
	GetResource(ctx context.Context, key ResourceKey) (ExternalResource, error)
	ResourcesOf(ctx context.Context, uuid string) ([]ExternalResource, error)
	MergedInto(ctx context.Context, uuid string) ([]Item, error)
	ChildrenOf(ctx context.Context, uuid string) ([]Item, error)
	FindByIdentity(ctx context.Context, keys []string) ([]Item, error)
	FindByLookupID(ctx context.Context, t IDType, value string) ([]Item, error)

	Create(ctx context.Context, item Item) (Item, error)
	Save(ctx context.Context, item Item) (Item, error)
	PutResource(ctx context.Context, res ExternalResource) error
	AddReview(ctx context.Context, entry ReviewEntry) error
	ResolveReview(ctx context.Context, uuid string) error
}

// Store owns durable catalog state.
type Store interface {
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, uuid string) (Item, error)
	GetResource(ctx context.Context, key ResourceKey) (ExternalResource, error)
	ResourcesOf(ctx context.Context, uuid string) ([]ExternalResource, error)
	MergedInto(ctx context.Context, uuid string) ([]Item, error)
	ScanItems(ctx context.Context, filter ItemFilter) ([]Item, error)
	ScanResources(ctx context.Context, after ResourceKey, limit int) ([]ExternalResource, error)
	Reviews(ctx context.Context, includeResolved bool) ([]ReviewEntry, error)

	// HardDelete removes an item and its review entry permanently. Only the
	// purge job calls it.
	HardDelete(ctx context.Context, uuid string) error

	MigrationApplied(ctx context.Context, name string, version int) (bool, error)
	RecordMigration(ctx context.Context, name string, version int, at time.Time) error

	Close()
}
