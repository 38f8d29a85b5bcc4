package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// CatalogStore is an in-memory arena of catalog items keyed by uuid. Writes are
// serialized by a single lock and rolled back from an undo log when the
// transaction function fails.
type CatalogStore struct {
	mu         sync.RWMutex
	items      map[string]catalog.Item
	resources  map[catalog.ResourceKey]catalog.ExternalResource
	byOwner    map[string]map[catalog.ResourceKey]struct{}
	mergedInto map[string]map[string]struct{}
	children   map[string]map[string]struct{}
	identity   map[string]map[string]struct{}
	lookup     map[string]map[string]struct{}
	reviews    map[string]catalog.ReviewEntry
	migrations map[string]int

	clock    catalog.Clock
	notifyMu sync.RWMutex
	notifier catalog.Notifier
}

// NewCatalogStore constructs an empty store.
func NewCatalogStore(clock catalog.Clock) *CatalogStore {
	return &CatalogStore{
		items:      make(map[string]catalog.Item),
		resources:  make(map[catalog.ResourceKey]catalog.ExternalResource),
		byOwner:    make(map[string]map[catalog.ResourceKey]struct{}),
		mergedInto: make(map[string]map[string]struct{}),
		children:   make(map[string]map[string]struct{}),
		identity:   make(map[string]map[string]struct{}),
		lookup:     make(map[string]map[string]struct{}),
		reviews:    make(map[string]catalog.ReviewEntry),
		migrations: make(map[string]int),
		clock:      clock,
	}
}

// SetNotifier registers the receiver of post-commit changes.
func (s *CatalogStore) SetNotifier(n catalog.Notifier) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.notifier = n
}

// Load replaces the store contents with a snapshot without validating it, so
// inconsistent data loads as-is. No changes are emitted.
func (s *CatalogStore) Load(items []catalog.Item, resources []catalog.ExternalResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]catalog.Item, len(items))
	s.resources = make(map[catalog.ResourceKey]catalog.ExternalResource, len(resources))
	s.byOwner = make(map[string]map[catalog.ResourceKey]struct{})
	s.mergedInto = make(map[string]map[string]struct{})
	s.children = make(map[string]map[string]struct{})
	s.identity = make(map[string]map[string]struct{})
	s.lookup = make(map[string]map[string]struct{})
	s.reviews = make(map[string]catalog.ReviewEntry)
	for _, item := range items {
		item = item.Clone()
		if item.Version == 0 {
			item.Version = 1
		}
		s.putItem(item)
	}
	for _, res := range resources {
		s.putResource(cloneResource(res))
	}
}

// Close is a no-op for the memory store.
func (s *CatalogStore) Close() {}

// Update runs fn in a write transaction. A panicking fn rolls back and
// releases the store before the panic continues.
func (s *CatalogStore) Update(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	changes, err := s.apply(ctx, fn)
	if err != nil {
		return err
	}
	s.notify(ctx, changes)
	return nil
}

func (s *CatalogStore) apply(ctx context.Context, fn func(context.Context, catalog.Tx) error) ([]catalog.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, now: s.now(), touched: map[string]*catalog.Item{}}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	committed = true
	return tx.changes(), nil
}

// View runs fn in a read-only transaction.
func (s *CatalogStore) View(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &memTx{s: s, readOnly: true, now: s.now()})
}

// Get returns an item by uuid.
func (s *CatalogStore) Get(_ context.Context, uuid string) (catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(uuid)
}

// GetResource returns a resource by (site, id).
func (s *CatalogStore) GetResource(_ context.Context, key catalog.ResourceKey) (catalog.ExternalResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getResourceLocked(key)
}

// ResourcesOf lists the resources owned by uuid.
func (s *CatalogStore) ResourcesOf(_ context.Context, uuid string) ([]catalog.ExternalResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resourcesOfLocked(uuid), nil
}

// MergedInto lists the items whose merge pointer targets uuid.
func (s *CatalogStore) MergedInto(_ context.Context, uuid string) ([]catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.itemsFromSet(s.mergedInto[uuid]), nil
}

// ScanItems pages through items ordered by uuid.
func (s *CatalogStore) ScanItems(_ context.Context, filter catalog.ItemFilter) ([]catalog.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		if id > filter.After {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]catalog.Item, 0)
	for _, id := range ids {
		item := s.items[id]
		if !filter.Matches(item) {
			continue
		}
		out = append(out, item.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ScanResources pages through resources ordered by (site, id).
func (s *CatalogStore) ScanResources(_ context.Context, after catalog.ResourceKey, limit int) ([]catalog.ExternalResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]catalog.ResourceKey, 0, len(s.resources))
	for k := range s.resources {
		if keyLess(after, k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]catalog.ExternalResource, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneResource(s.resources[k]))
	}
	return out, nil
}

// Reviews lists review entries, oldest first.
func (s *CatalogStore) Reviews(_ context.Context, includeResolved bool) ([]catalog.ReviewEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.ReviewEntry, 0, len(s.reviews))
	for _, r := range s.reviews {
		if r.Resolved() && !includeResolved {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ItemUUID < out[j].ItemUUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// HardDelete permanently removes a deleted item.
func (s *CatalogStore) HardDelete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	item, ok := s.items[uuid]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("hard delete %s: %w", uuid, catalog.ErrNotFound)
	}
	if item.State != catalog.StateDeleted {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot purge %s item %s", catalog.ErrInvalidTransition, item.State, uuid)
	}
	for key := range s.byOwner[uuid] {
		delete(s.resources, key)
	}
	delete(s.byOwner, uuid)
	s.unindex(item)
	delete(s.items, uuid)
	delete(s.reviews, uuid)
	s.mu.Unlock()
	s.notify(ctx, []catalog.Change{{Kind: catalog.ChangePurged, Item: item}})
	return nil
}

// MigrationApplied reports whether name has been applied at version or later.
func (s *CatalogStore) MigrationApplied(_ context.Context, name string, version int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.migrations[name]
	return ok && v >= version, nil
}

// RecordMigration stores a completed migration.
func (s *CatalogStore) RecordMigration(_ context.Context, name string, version int, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrations[name] = version
	return nil
}

func (s *CatalogStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func (s *CatalogStore) notify(ctx context.Context, changes []catalog.Change) {
	if len(changes) == 0 {
		return
	}
	s.notifyMu.RLock()
	n := s.notifier
	s.notifyMu.RUnlock()
	if n != nil {
		n.Notify(ctx, changes)
	}
}

func (s *CatalogStore) getLocked(uuid string) (catalog.Item, error) {
	item, ok := s.items[uuid]
	if !ok {
		return catalog.Item{}, fmt.Errorf("item %s: %w", uuid, catalog.ErrNotFound)
	}
	return item.Clone(), nil
}

func (s *CatalogStore) getResourceLocked(key catalog.ResourceKey) (catalog.ExternalResource, error) {
	res, ok := s.resources[key]
	if !ok {
		return catalog.ExternalResource{}, fmt.Errorf("resource %s: %w", key, catalog.ErrNotFound)
	}
	return cloneResource(res), nil
}

func (s *CatalogStore) resourcesOfLocked(uuid string) []catalog.ExternalResource {
	keys := make([]catalog.ResourceKey, 0, len(s.byOwner[uuid]))
	for k := range s.byOwner[uuid] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	out := make([]catalog.ExternalResource, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneResource(s.resources[k]))
	}
	return out
}

func (s *CatalogStore) itemsFromSet(set map[string]struct{}) []catalog.Item {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]catalog.Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			out = append(out, item.Clone())
		}
	}
	return out
}

func (s *CatalogStore) putItem(next catalog.Item) {
	if prev, ok := s.items[next.UUID]; ok {
		s.unindex(prev)
	}
	s.items[next.UUID] = next
	s.index(next)
}

func (s *CatalogStore) removeItem(uuid string) {
	if prev, ok := s.items[uuid]; ok {
		s.unindex(prev)
		delete(s.items, uuid)
	}
}

func (s *CatalogStore) index(item catalog.Item) {
	if item.State == catalog.StateMerged && item.MergedTo != "" {
		addToSet(s.mergedInto, item.MergedTo, item.UUID)
	}
	if item.ParentUUID != "" {
		addToSet(s.children, item.ParentUUID, item.UUID)
	}
	if item.State != catalog.StateActive {
		return
	}
	for _, k := range catalog.KeysOf(item) {
		addToSet(s.identity, k, item.UUID)
	}
	for t, v := range item.LookupIDs {
		addToSet(s.lookup, lookupKey(t, v), item.UUID)
	}
}

func (s *CatalogStore) unindex(item catalog.Item) {
	if item.MergedTo != "" {
		removeFromSet(s.mergedInto, item.MergedTo, item.UUID)
	}
	if item.ParentUUID != "" {
		removeFromSet(s.children, item.ParentUUID, item.UUID)
	}
	for _, k := range catalog.KeysOf(item) {
		removeFromSet(s.identity, k, item.UUID)
	}
	for t, v := range item.LookupIDs {
		removeFromSet(s.lookup, lookupKey(t, v), item.UUID)
	}
}

func (s *CatalogStore) putResource(res catalog.ExternalResource) {
	if prev, ok := s.resources[res.Key()]; ok && prev.ItemUUID != "" {
		if owned := s.byOwner[prev.ItemUUID]; owned != nil {
			delete(owned, res.Key())
			if len(owned) == 0 {
				delete(s.byOwner, prev.ItemUUID)
			}
		}
	}
	s.resources[res.Key()] = res
	if res.ItemUUID != "" {
		if s.byOwner[res.ItemUUID] == nil {
			s.byOwner[res.ItemUUID] = make(map[catalog.ResourceKey]struct{})
		}
		s.byOwner[res.ItemUUID][res.Key()] = struct{}{}
	}
}

func (s *CatalogStore) removeResource(key catalog.ResourceKey) {
	prev, ok := s.resources[key]
	if !ok {
		return
	}
	if owned := s.byOwner[prev.ItemUUID]; owned != nil {
		delete(owned, key)
		if len(owned) == 0 {
			delete(s.byOwner, prev.ItemUUID)
		}
	}
	delete(s.resources, key)
}

// memTx implements catalog.Tx directly on the store maps while the store lock
// is held. Every write pushes an undo step.
type memTx struct {
	s        *CatalogStore
	readOnly bool
	now      time.Time
	undo     []func()
	order    []string
	touched  map[string]*catalog.Item
}

var errReadOnly = errors.New("write in read-only transaction")

func (t *memTx) Get(_ context.Context, uuid string) (catalog.Item, error) {
	return t.s.getLocked(uuid)
}

func (t *memTx) GetResource(_ context.Context, key catalog.ResourceKey) (catalog.ExternalResource, error) {
	return t.s.getResourceLocked(key)
}

func (t *memTx) ResourcesOf(_ context.Context, uuid string) ([]catalog.ExternalResource, error) {
	return t.s.resourcesOfLocked(uuid), nil
}

func (t *memTx) MergedInto(_ context.Context, uuid string) ([]catalog.Item, error) {
	return t.s.itemsFromSet(t.s.mergedInto[uuid]), nil
}

func (t *memTx) ChildrenOf(_ context.Context, uuid string) ([]catalog.Item, error) {
	return t.s.itemsFromSet(t.s.children[uuid]), nil
}

func (t *memTx) FindByIdentity(_ context.Context, keys []string) ([]catalog.Item, error) {
	set := map[string]struct{}{}
	for _, k := range keys {
		for id := range t.s.identity[k] {
			set[id] = struct{}{}
		}
	}
	return t.s.itemsFromSet(set), nil
}

func (t *memTx) FindByLookupID(_ context.Context, typ catalog.IDType, value string) ([]catalog.Item, error) {
	return t.s.itemsFromSet(t.s.lookup[lookupKey(typ, value)]), nil
}

func (t *memTx) Create(_ context.Context, item catalog.Item) (catalog.Item, error) {
	if t.readOnly {
		return catalog.Item{}, errReadOnly
	}
	if _, exists := t.s.items[item.UUID]; exists {
		return catalog.Item{}, fmt.Errorf("item %s already exists", item.UUID)
	}
	created, err := catalog.PrepareCreate(item, t.now)
	if err != nil {
		return catalog.Item{}, err
	}
	if created.ParentUUID != "" {
		if _, ok := t.s.items[created.ParentUUID]; !ok {
			return catalog.Item{}, fmt.Errorf("parent %s: %w", created.ParentUUID, catalog.ErrNotFound)
		}
	}
	t.s.putItem(created)
	t.undo = append(t.undo, func() { t.s.removeItem(created.UUID) })
	t.touch(nil, created)
	return created.Clone(), nil
}

func (t *memTx) Save(ctx context.Context, item catalog.Item) (catalog.Item, error) {
	if t.readOnly {
		return catalog.Item{}, errReadOnly
	}
	prev, ok := t.s.items[item.UUID]
	if !ok {
		return catalog.Item{}, fmt.Errorf("save item %s: %w", item.UUID, catalog.ErrNotFound)
	}
	next, err := catalog.ApplyWrite(ctx, t, prev, item, t.now)
	if err != nil {
		return catalog.Item{}, err
	}
	t.s.putItem(next)
	t.undo = append(t.undo, func() { t.s.putItem(prev) })
	t.touch(&prev, next)
	return next.Clone(), nil
}

func (t *memTx) PutResource(_ context.Context, res catalog.ExternalResource) error {
	if t.readOnly {
		return errReadOnly
	}
	var existing *catalog.ExternalResource
	var existingOwner *catalog.Item
	if prev, ok := t.s.resources[res.Key()]; ok {
		existing = &prev
		if owner, ok := t.s.items[prev.ItemUUID]; ok {
			existingOwner = &owner
		}
	}
	var owner *catalog.Item
	if it, ok := t.s.items[res.ItemUUID]; ok {
		owner = &it
	}
	if err := catalog.CheckResource(existing, existingOwner, res, owner); err != nil {
		return err
	}
	stored := cloneResource(res)
	t.s.putResource(stored)
	if existing != nil {
		prev := *existing
		t.undo = append(t.undo, func() { t.s.putResource(prev) })
	} else {
		t.undo = append(t.undo, func() { t.s.removeResource(stored.Key()) })
	}
	return nil
}

func (t *memTx) AddReview(_ context.Context, entry catalog.ReviewEntry) error {
	if t.readOnly {
		return errReadOnly
	}
	prev, had := t.s.reviews[entry.ItemUUID]
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	t.s.reviews[entry.ItemUUID] = entry
	t.undo = append(t.undo, func() {
		if had {
			t.s.reviews[entry.ItemUUID] = prev
		} else {
			delete(t.s.reviews, entry.ItemUUID)
		}
	})
	return nil
}

func (t *memTx) ResolveReview(_ context.Context, uuid string) error {
	if t.readOnly {
		return errReadOnly
	}
	prev, ok := t.s.reviews[uuid]
	if !ok || prev.Resolved() {
		return nil
	}
	next := prev
	ts := t.now
	next.ResolvedAt = &ts
	t.s.reviews[uuid] = next
	t.undo = append(t.undo, func() { t.s.reviews[uuid] = prev })
	return nil
}

func (t *memTx) touch(prev *catalog.Item, next catalog.Item) {
	if _, seen := t.touched[next.UUID]; !seen {
		t.order = append(t.order, next.UUID)
		if prev != nil {
			cp := prev.Clone()
			t.touched[next.UUID] = &cp
		} else {
			t.touched[next.UUID] = nil
		}
	}
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) changes() []catalog.Change {
	out := make([]catalog.Change, 0, len(t.order))
	for _, id := range t.order {
		item, ok := t.s.items[id]
		if !ok {
			continue
		}
		out = append(out, catalog.Change{Kind: catalog.ChangeFor(t.touched[id], item), Item: item.Clone()})
	}
	return out
}

func addToSet(m map[string]map[string]struct{}, key, id string) {
	if m[key] == nil {
		m[key] = make(map[string]struct{})
	}
	m[key][id] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, id string) {
	set := m[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func lookupKey(t catalog.IDType, v string) string {
	return string(t) + ":" + v
}

func keyLess(a, b catalog.ResourceKey) bool {
	if a.Site != b.Site {
		return a.Site < b.Site
	}
	return a.SiteID < b.SiteID
}

func cloneResource(r catalog.ExternalResource) catalog.ExternalResource {
	out := r
	if r.Raw != nil {
		out.Raw = append([]byte(nil), r.Raw...)
	}
	return out
}
