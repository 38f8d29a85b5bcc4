// Package postgres provides the Postgres-backed catalog store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used by the catalog.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

type tables struct {
	schema     string
	items      string
	resources  string
	reviews    string
	migrations string
}

func newTables(schema string) (tables, error) {
	if schema == "" {
		schema = "public"
	}
	if !validSchemaName.MatchString(schema) {
		return tables{}, fmt.Errorf("invalid schema name %q", schema)
	}
	return tables{
		schema:     schema,
		items:      schema + ".catalog_items",
		resources:  schema + ".external_resources",
		reviews:    schema + ".review_queue",
		migrations: schema + ".catalog_migrations",
	}, nil
}

// CatalogStore persists the catalog in Postgres. Rows read inside Update are
// locked with SELECT ... FOR UPDATE, so callers that visit items in sorted
// uuid order never deadlock each other.
type CatalogStore struct {
	pool   pool
	t      tables
	clock  catalog.Clock
	mu     sync.RWMutex
	notify catalog.Notifier
}

// NewCatalogStore connects to Postgres using cfg.
func NewCatalogStore(ctx context.Context, cfg Config, clock catalog.Clock) (*CatalogStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	t, err := newTables(cfg.Schema)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &CatalogStore{pool: p, t: t, clock: clock}, nil
}

// NewCatalogStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCatalogStoreWithPool(p pool, schema string, clock catalog.Clock) (*CatalogStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := newTables(schema)
	if err != nil {
		return nil, err
	}
	return &CatalogStore{pool: p, t: t, clock: clock}, nil
}

// SetNotifier registers the receiver of post-commit changes.
func (s *CatalogStore) SetNotifier(n catalog.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = n
}

// Ping checks that Postgres is reachable.
func (s *CatalogStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CatalogStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the catalog tables when they are missing.
func (s *CatalogStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	uuid          text PRIMARY KEY,
	category      text NOT NULL,
	state         text NOT NULL,
	merged_to     text,
	needs_review  boolean NOT NULL DEFAULT false,
	parent_uuid   text,
	version       bigint NOT NULL,
	metadata      jsonb NOT NULL,
	lookup_ids    jsonb NOT NULL,
	identity_keys text[] NOT NULL DEFAULT '{}',
	created_at    timestamptz NOT NULL,
	updated_at    timestamptz NOT NULL,
	deleted_at    timestamptz
);
CREATE INDEX IF NOT EXISTS catalog_items_merged_to_idx ON %[1]s (merged_to) WHERE merged_to IS NOT NULL;
CREATE INDEX IF NOT EXISTS catalog_items_parent_idx ON %[1]s (parent_uuid) WHERE parent_uuid IS NOT NULL;
CREATE INDEX IF NOT EXISTS catalog_items_identity_idx ON %[1]s USING gin (identity_keys);
CREATE INDEX IF NOT EXISTS catalog_items_updated_idx ON %[1]s (updated_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	site        text NOT NULL,
	site_id     text NOT NULL,
	url         text NOT NULL,
	raw         bytea,
	archive_uri text NOT NULL DEFAULT '',
	fetched_at  timestamptz NOT NULL,
	item_uuid   text,
	PRIMARY KEY (site, site_id)
);
CREATE INDEX IF NOT EXISTS external_resources_item_idx ON %[2]s (item_uuid);
CREATE TABLE IF NOT EXISTS %[3]s (
	item_uuid   text PRIMARY KEY,
	candidates  text[] NOT NULL,
	keys        text[] NOT NULL,
	created_at  timestamptz NOT NULL,
	resolved_at timestamptz
);
CREATE TABLE IF NOT EXISTS %[4]s (
	name       text PRIMARY KEY,
	version    integer NOT NULL,
	applied_at timestamptz NOT NULL
);`, s.t.items, s.t.resources, s.t.reviews, s.t.migrations)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}
	return nil
}

// Update runs fn inside a database transaction.
func (s *CatalogStore) Update(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	tx := newPgTx(s, dbTx, false)
	if err := fn(ctx, tx); err != nil {
		if rbErr := dbTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	s.emit(ctx, tx.changes())
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (s *CatalogStore) View(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()
	return fn(ctx, newPgTx(s, dbTx, true))
}

// Get returns an item by uuid.
func (s *CatalogStore) Get(ctx context.Context, uuid string) (catalog.Item, error) {
	return s.reader(s.pool, false).get(ctx, uuid)
}

// GetResource returns a resource by (site, id).
func (s *CatalogStore) GetResource(ctx context.Context, key catalog.ResourceKey) (catalog.ExternalResource, error) {
	return s.reader(s.pool, false).getResource(ctx, key)
}

// ResourcesOf lists the resources owned by uuid.
func (s *CatalogStore) ResourcesOf(ctx context.Context, uuid string) ([]catalog.ExternalResource, error) {
	return s.reader(s.pool, false).resourcesOf(ctx, uuid)
}

// MergedInto lists the items whose merge pointer targets uuid.
func (s *CatalogStore) MergedInto(ctx context.Context, uuid string) ([]catalog.Item, error) {
	return s.reader(s.pool, false).mergedInto(ctx, uuid)
}

// ScanItems pages through items ordered by uuid.
func (s *CatalogStore) ScanItems(ctx context.Context, filter catalog.ItemFilter) ([]catalog.Item, error) {
	var (
		where = []string{"uuid > $1"}
		args  = []any{filter.After}
	)
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if !filter.UpdatedSince.IsZero() {
		args = append(args, filter.UpdatedSince)
		where = append(where, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY uuid", itemColumns, s.t.items, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.reader(s.pool, false).items(ctx, query, args...)
}

// ScanResources pages through resources ordered by (site, id).
func (s *CatalogStore) ScanResources(ctx context.Context, after catalog.ResourceKey, limit int) ([]catalog.ExternalResource, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE (site, site_id) > ($1, $2) ORDER BY site, site_id LIMIT $3",
		resourceColumns, s.t.resources)
	return s.reader(s.pool, false).resources(ctx, query, after.Site, after.SiteID, limit)
}

// Reviews lists review entries, oldest first.
func (s *CatalogStore) Reviews(ctx context.Context, includeResolved bool) ([]catalog.ReviewEntry, error) {
	query := fmt.Sprintf("SELECT item_uuid, candidates, keys, created_at, resolved_at FROM %s", s.t.reviews)
	if !includeResolved {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY created_at, item_uuid"
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	var out []catalog.ReviewEntry
	for rows.Next() {
		var (
			entry    catalog.ReviewEntry
			resolved pgtype.Timestamptz
		)
		if err := rows.Scan(&entry.ItemUUID, &entry.Candidates, &entry.Keys, &entry.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		entry.ResolvedAt = timePtr(resolved)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, nil
}

// HardDelete permanently removes a deleted item with its resources and review entry.
func (s *CatalogStore) HardDelete(ctx context.Context, uuid string) error {
	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	item, err := s.reader(dbTx, true).get(ctx, uuid)
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	if item.State != catalog.StateDeleted {
		return fmt.Errorf("%w: cannot purge %s item %s", catalog.ErrInvalidTransition, item.State, uuid)
	}
	stmts := []string{
		fmt.Sprintf("DELETE FROM %s WHERE item_uuid = $1", s.t.resources),
		fmt.Sprintf("DELETE FROM %s WHERE item_uuid = $1", s.t.reviews),
		fmt.Sprintf("DELETE FROM %s WHERE uuid = $1", s.t.items),
	}
	for _, stmt := range stmts {
		if _, err := dbTx.Exec(ctx, stmt, uuid); err != nil {
			return fmt.Errorf("purge item %s: %w", uuid, err)
		}
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit purge tx: %w", err)
	}
	s.emit(ctx, []catalog.Change{{Kind: catalog.ChangePurged, Item: item}})
	return nil
}

// MigrationApplied reports whether name has been applied at version or later.
func (s *CatalogStore) MigrationApplied(ctx context.Context, name string, version int) (bool, error) {
	var applied int
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s WHERE name = $1", s.t.migrations)
	if err := s.pool.QueryRow(ctx, query, name).Scan(&applied); err != nil {
		return false, fmt.Errorf("load migration %s: %w", name, err)
	}
	return applied >= version, nil
}

// RecordMigration stores a completed migration.
func (s *CatalogStore) RecordMigration(ctx context.Context, name string, version int, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (name, version, applied_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version, applied_at = EXCLUDED.applied_at`, s.t.migrations)
	if _, err := s.pool.Exec(ctx, query, name, version, at); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

func (s *CatalogStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func (s *CatalogStore) emit(ctx context.Context, changes []catalog.Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	n := s.notify
	s.mu.RUnlock()
	if n != nil {
		n.Notify(ctx, changes)
	}
}

func (s *CatalogStore) reader(q querier, lock bool) reader {
	return reader{q: q, t: s.t, lock: lock}
}

const itemColumns = "uuid, category, state, merged_to, needs_review, parent_uuid, version, metadata, lookup_ids, created_at, updated_at, deleted_at"

const resourceColumns = "site, site_id, url, raw, archive_uri, fetched_at, item_uuid"

// reader runs the shared lookups against either the pool or a transaction.
type reader struct {
	q    querier
	t    tables
	lock bool
}

func (r reader) suffix() string {
	if r.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (r reader) get(ctx context.Context, uuid string) (catalog.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE uuid = $1%s", itemColumns, r.t.items, r.suffix())
	item, err := scanItem(r.q.QueryRow(ctx, query, uuid))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.Item{}, fmt.Errorf("item %s: %w", uuid, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("load item %s: %w", uuid, err)
	}
	return item, nil
}

func (r reader) getResource(ctx context.Context, key catalog.ResourceKey) (catalog.ExternalResource, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE site = $1 AND site_id = $2%s", resourceColumns, r.t.resources, r.suffix())
	res, err := scanResource(r.q.QueryRow(ctx, query, key.Site, key.SiteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ExternalResource{}, fmt.Errorf("resource %s: %w", key, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.ExternalResource{}, fmt.Errorf("load resource %s: %w", key, err)
	}
	return res, nil
}

func (r reader) resourcesOf(ctx context.Context, uuid string) ([]catalog.ExternalResource, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE item_uuid = $1 ORDER BY site, site_id", resourceColumns, r.t.resources)
	return r.resources(ctx, query, uuid)
}

func (r reader) mergedInto(ctx context.Context, uuid string) ([]catalog.Item, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE merged_to = $1 ORDER BY uuid", itemColumns, r.t.items)
	return r.items(ctx, query, uuid)
}

func (r reader) items(ctx context.Context, query string, args ...any) ([]catalog.Item, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	out := make([]catalog.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func (r reader) resources(ctx context.Context, query string, args ...any) ([]catalog.ExternalResource, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()
	out := make([]catalog.ExternalResource, 0)
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (catalog.Item, error) {
	var (
		item               catalog.Item
		category, state    string
		mergedTo, parent   pgtype.Text
		metadata, lookupID []byte
		deletedAt          pgtype.Timestamptz
	)
	err := row.Scan(&item.UUID, &category, &state, &mergedTo, &item.NeedsReview, &parent,
		&item.Version, &metadata, &lookupID, &item.CreatedAt, &item.UpdatedAt, &deletedAt)
	if err != nil {
		return catalog.Item{}, err
	}
	item.Category = catalog.Category(category)
	item.State = catalog.State(state)
	item.MergedTo = mergedTo.String
	item.ParentUUID = parent.String
	item.DeletedAt = timePtr(deletedAt)
	if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
		return catalog.Item{}, fmt.Errorf("decode metadata of %s: %w", item.UUID, err)
	}
	item.LookupIDs = catalog.LookupIDs{}
	if len(lookupID) > 0 {
		if err := json.Unmarshal(lookupID, &item.LookupIDs); err != nil {
			return catalog.Item{}, fmt.Errorf("decode lookup ids of %s: %w", item.UUID, err)
		}
	}
	return item, nil
}

func scanResource(row scanner) (catalog.ExternalResource, error) {
	var (
		res   catalog.ExternalResource
		owner pgtype.Text
	)
	if err := row.Scan(&res.Site, &res.SiteID, &res.URL, &res.Raw, &res.ArchiveURI, &res.FetchedAt, &owner); err != nil {
		return catalog.ExternalResource{}, err
	}
	res.ItemUUID = owner.String
	return res, nil
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}
