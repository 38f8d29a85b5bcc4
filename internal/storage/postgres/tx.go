package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

var errReadOnly = errors.New("write in read-only transaction")

// pgTx implements catalog.Tx on a pgx transaction.
type pgTx struct {
	s        *CatalogStore
	tx       pgx.Tx
	r        reader
	readOnly bool
	now      time.Time
	order    []string
	first    map[string]*catalog.Item
	last     map[string]catalog.Item
	keyLocks map[string]struct{}
}

func newPgTx(s *CatalogStore, tx pgx.Tx, readOnly bool) *pgTx {
	return &pgTx{
		s:        s,
		tx:       tx,
		r:        s.reader(tx, !readOnly),
		readOnly: readOnly,
		now:      s.now(),
		first:    map[string]*catalog.Item{},
		last:     map[string]catalog.Item{},
		keyLocks: map[string]struct{}{},
	}
}

func (t *pgTx) Get(ctx context.Context, uuid string) (catalog.Item, error) {
	return t.r.get(ctx, uuid)
}

func (t *pgTx) GetResource(ctx context.Context, key catalog.ResourceKey) (catalog.ExternalResource, error) {
	return t.r.getResource(ctx, key)
}

func (t *pgTx) ResourcesOf(ctx context.Context, uuid string) ([]catalog.ExternalResource, error) {
	return t.r.resourcesOf(ctx, uuid)
}

func (t *pgTx) MergedInto(ctx context.Context, uuid string) ([]catalog.Item, error) {
	return t.r.mergedInto(ctx, uuid)
}

func (t *pgTx) ChildrenOf(ctx context.Context, uuid string) ([]catalog.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE parent_uuid = $1 ORDER BY uuid", itemColumns, t.s.t.items)
	return t.r.items(ctx, query, uuid)
}

// FindByIdentity lists active items sharing any of keys. Write transactions
// first take an advisory lock per key, so writers in other processes that
// look up the same identity wait for this commit.
func (t *pgTx) FindByIdentity(ctx context.Context, keys []string) ([]catalog.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if !t.readOnly {
		if err := t.lockIdentities(ctx, keys); err != nil {
			return nil, err
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE state = 'active' AND identity_keys && $1 ORDER BY uuid",
		itemColumns, t.s.t.items)
	return t.r.items(ctx, query, keys)
}

// lockIdentities takes pg_advisory_xact_lock on each key in sorted order.
// The locks are released when the transaction ends.
func (t *pgTx) lockIdentities(ctx context.Context, keys []string) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, key := range sorted {
		name := t.s.t.items + ":" + key
		if _, held := t.keyLocks[name]; held {
			continue
		}
		if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", name); err != nil {
			return fmt.Errorf("lock identity %s: %w", key, err)
		}
		t.keyLocks[name] = struct{}{}
	}
	return nil
}

func (t *pgTx) FindByLookupID(ctx context.Context, typ catalog.IDType, value string) ([]catalog.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE state = 'active' AND lookup_ids ->> $1 = $2 ORDER BY uuid",
		itemColumns, t.s.t.items)
	return t.r.items(ctx, query, string(typ), value)
}

func (t *pgTx) Create(ctx context.Context, item catalog.Item) (catalog.Item, error) {
	if t.readOnly {
		return catalog.Item{}, errReadOnly
	}
	created, err := catalog.PrepareCreate(item, t.now)
	if err != nil {
		return catalog.Item{}, err
	}
	if created.ParentUUID != "" {
		if _, err := t.r.get(ctx, created.ParentUUID); err != nil {
			return catalog.Item{}, fmt.Errorf("load parent: %w", err)
		}
	}
	meta, ids, err := encodeItem(created)
	if err != nil {
		return catalog.Item{}, err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	uuid, category, state, merged_to, needs_review, parent_uuid, version,
	metadata, lookup_ids, identity_keys, created_at, updated_at, deleted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, t.s.t.items)
	_, err = t.tx.Exec(ctx, query,
		created.UUID,
		string(created.Category),
		string(created.State),
		text(created.MergedTo),
		created.NeedsReview,
		text(created.ParentUUID),
		created.Version,
		meta,
		ids,
		identityKeys(created),
		created.CreatedAt,
		created.UpdatedAt,
		timestamptz(created.DeletedAt),
	)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("insert item %s: %w", created.UUID, err)
	}
	t.touch(nil, created)
	return created, nil
}

func (t *pgTx) Save(ctx context.Context, item catalog.Item) (catalog.Item, error) {
	if t.readOnly {
		return catalog.Item{}, errReadOnly
	}
	prev, err := t.r.get(ctx, item.UUID)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("save: %w", err)
	}
	next, err := catalog.ApplyWrite(ctx, t, prev, item, t.now)
	if err != nil {
		return catalog.Item{}, err
	}
	meta, ids, err := encodeItem(next)
	if err != nil {
		return catalog.Item{}, err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	state = $2, merged_to = $3, needs_review = $4, parent_uuid = $5, version = $6,
	metadata = $7, lookup_ids = $8, identity_keys = $9, updated_at = $10, deleted_at = $11
WHERE uuid = $1 AND version = $12`, t.s.t.items)
	tag, err := t.tx.Exec(ctx, query,
		next.UUID,
		string(next.State),
		text(next.MergedTo),
		next.NeedsReview,
		text(next.ParentUUID),
		next.Version,
		meta,
		ids,
		identityKeys(next),
		next.UpdatedAt,
		timestamptz(next.DeletedAt),
		prev.Version,
	)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("update item %s: %w", next.UUID, err)
	}
	if tag.RowsAffected() != 1 {
		return catalog.Item{}, fmt.Errorf("update item %s: version %d is stale", next.UUID, prev.Version)
	}
	t.touch(&prev, next)
	return next, nil
}

func (t *pgTx) PutResource(ctx context.Context, res catalog.ExternalResource) error {
	if t.readOnly {
		return errReadOnly
	}
	var existing *catalog.ExternalResource
	var existingOwner *catalog.Item
	prev, err := t.r.getResource(ctx, res.Key())
	switch {
	case err == nil:
		existing = &prev
		if prev.ItemUUID != "" {
			if owner, err := t.r.get(ctx, prev.ItemUUID); err == nil {
				existingOwner = &owner
			} else if !errors.Is(err, catalog.ErrNotFound) {
				return err
			}
		}
	case !errors.Is(err, catalog.ErrNotFound):
		return err
	}
	var owner *catalog.Item
	if res.ItemUUID != "" {
		it, err := t.r.get(ctx, res.ItemUUID)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if err == nil {
			owner = &it
		}
	}
	if err := catalog.CheckResource(existing, existingOwner, res, owner); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (site, site_id, url, raw, archive_uri, fetched_at, item_uuid)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (site, site_id) DO UPDATE SET
	url = EXCLUDED.url,
	raw = EXCLUDED.raw,
	archive_uri = EXCLUDED.archive_uri,
	fetched_at = EXCLUDED.fetched_at,
	item_uuid = EXCLUDED.item_uuid`, t.s.t.resources)
	_, err = t.tx.Exec(ctx, query, res.Site, res.SiteID, res.URL, res.Raw, res.ArchiveURI, res.FetchedAt, text(res.ItemUUID))
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", res.Key(), err)
	}
	return nil
}

func (t *pgTx) AddReview(ctx context.Context, entry catalog.ReviewEntry) error {
	if t.readOnly {
		return errReadOnly
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now
	}
	query := fmt.Sprintf(`
INSERT INTO %s (item_uuid, candidates, keys, created_at, resolved_at)
VALUES ($1,$2,$3,$4,NULL)
ON CONFLICT (item_uuid) DO UPDATE SET
	candidates = EXCLUDED.candidates, keys = EXCLUDED.keys, resolved_at = NULL`, t.s.t.reviews)
	if _, err := t.tx.Exec(ctx, query, entry.ItemUUID, entry.Candidates, entry.Keys, entry.CreatedAt); err != nil {
		return fmt.Errorf("add review %s: %w", entry.ItemUUID, err)
	}
	return nil
}

func (t *pgTx) ResolveReview(ctx context.Context, uuid string) error {
	if t.readOnly {
		return errReadOnly
	}
	query := fmt.Sprintf("UPDATE %s SET resolved_at = $2 WHERE item_uuid = $1 AND resolved_at IS NULL", t.s.t.reviews)
	if _, err := t.tx.Exec(ctx, query, uuid, t.now); err != nil {
		return fmt.Errorf("resolve review %s: %w", uuid, err)
	}
	return nil
}

func (t *pgTx) touch(prev *catalog.Item, next catalog.Item) {
	if _, seen := t.last[next.UUID]; !seen {
		t.order = append(t.order, next.UUID)
		t.first[next.UUID] = prev
	}
	t.last[next.UUID] = next
}

func (t *pgTx) changes() []catalog.Change {
	out := make([]catalog.Change, 0, len(t.order))
	for _, id := range t.order {
		item := t.last[id]
		out = append(out, catalog.Change{Kind: catalog.ChangeFor(t.first[id], item), Item: item})
	}
	return out
}

func encodeItem(item catalog.Item) ([]byte, []byte, error) {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata of %s: %w", item.UUID, err)
	}
	ids := item.LookupIDs
	if ids == nil {
		ids = catalog.LookupIDs{}
	}
	encodedIDs, err := json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("encode lookup ids of %s: %w", item.UUID, err)
	}
	return meta, encodedIDs, nil
}

// identityKeys are only indexed for active items so that merged and deleted
// rows never match an incoming draft.
func identityKeys(item catalog.Item) []string {
	if item.State != catalog.StateActive {
		return []string{}
	}
	keys := catalog.KeysOf(item)
	if keys == nil {
		return []string{}
	}
	return keys
}
