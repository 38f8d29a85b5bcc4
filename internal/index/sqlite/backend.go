// Package sqlite stores the search index in SQLite, using an FTS5 virtual
// table for text matching and plain tables for filters and versions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/index"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		uuid     TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		title    TEXT NOT NULL,
		year     INTEGER NOT NULL DEFAULT 0,
		version  INTEGER NOT NULL,
		body     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS documents_category ON documents(category, year)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		uuid    TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS document_tags (
		uuid TEXT NOT NULL,
		tag  TEXT NOT NULL,
		PRIMARY KEY (uuid, tag)
	)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		uuid UNINDEXED,
		title,
		extra,
		tokenize = 'unicode61 remove_diacritics 2'
	)`,
	// Title matches weigh three times the rest.
	`INSERT INTO documents_fts(documents_fts, rank) VALUES ('rank', 'bm25(0.0, 3.0, 1.0)')`,
}

var tables = []string{"documents_fts", "document_tags", "tombstones", "documents"}

// Backend implements index.Backend.
type Backend struct {
	db   *sql.DB
	path string
}

// Open opens the database at path (":memory:" for a private in-memory
// index) and creates the schema if needed.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite index: %w", err)
		}
	}
	b := &Backend{db: db, path: path}
	if err := b.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Name implements index.Backend.
func (b *Backend) Name() string { return "sqlite" }

// Init implements index.Backend.
func (b *Backend) Init(ctx context.Context) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create index schema: %w", err)
			}
		}
		return nil
	})
}

// Destroy implements index.Backend.
func (b *Backend) Destroy(ctx context.Context) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("drop %s: %w", table, err)
			}
		}
		return nil
	})
}

// DeleteAll implements index.Backend.
func (b *Backend) DeleteAll(ctx context.Context) error {
	return b.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// Upsert implements index.Backend.
func (b *Backend) Upsert(ctx context.Context, doc index.Document) (bool, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode document %s: %w", doc.UUID, err)
	}
	applied := false
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		seen, err := seenVersion(ctx, tx, doc.UUID)
		if err != nil {
			return err
		}
		if seen >= doc.Version {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (uuid, category, title, year, version, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(uuid) DO UPDATE SET
				category = excluded.category,
				title    = excluded.title,
				year     = excluded.year,
				version  = excluded.version,
				body     = excluded.body`,
			doc.UUID, string(doc.Category), doc.Title, doc.Year, doc.Version, string(body),
		); err != nil {
			return fmt.Errorf("write document %s: %w", doc.UUID, err)
		}
		if err := unlink(ctx, tx, doc.UUID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents_fts (uuid, title, extra) VALUES (?, ?, ?)`,
			doc.UUID,
			strings.Join(index.Tokenize(doc.Title), " "),
			strings.Join(index.Tokenize(extraText(doc)), " "),
		); err != nil {
			return fmt.Errorf("write document text %s: %w", doc.UUID, err)
		}
		for _, tag := range doc.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO document_tags (uuid, tag) VALUES (?, ?)`,
				doc.UUID, catalog.NormalizeText(tag),
			); err != nil {
				return fmt.Errorf("write document tags %s: %w", doc.UUID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE uuid = ?`, doc.UUID); err != nil {
			return fmt.Errorf("clear tombstone %s: %w", doc.UUID, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// Remove implements index.Backend.
func (b *Backend) Remove(ctx context.Context, uuid string, version int64) (bool, error) {
	applied := false
	err := b.inTx(ctx, func(tx *sql.Tx) error {
		var tomb int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM tombstones WHERE uuid = ?`, uuid).Scan(&tomb)
		switch {
		case err == nil:
			if version <= tomb {
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read tombstone %s: %w", uuid, err)
		}
		var current int64
		err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE uuid = ?`, uuid).Scan(&current)
		switch {
		case err == nil:
			if version < current {
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read document version %s: %w", uuid, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE uuid = ?`, uuid); err != nil {
			return fmt.Errorf("delete document %s: %w", uuid, err)
		}
		if err := unlink(ctx, tx, uuid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tombstones (uuid, version) VALUES (?, ?)
			ON CONFLICT(uuid) DO UPDATE SET version = excluded.version`,
			uuid, version,
		); err != nil {
			return fmt.Errorf("write tombstone %s: %w", uuid, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// Get implements index.Backend.
func (b *Backend) Get(ctx context.Context, uuid string) (index.Document, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE uuid = ?`, uuid).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return index.Document{}, fmt.Errorf("document %s: %w", uuid, catalog.ErrNotFound)
	}
	if err != nil {
		return index.Document{}, fmt.Errorf("read document %s: %w", uuid, err)
	}
	var doc index.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return index.Document{}, fmt.Errorf("decode document %s: %w", uuid, err)
	}
	return doc, nil
}

// Search implements index.Backend.
func (b *Backend) Search(ctx context.Context, q index.Query) (index.Results, error) {
	from := "documents d"
	order := "d.title, d.uuid"
	var (
		where []string
		args  []any
	)
	if len(q.Terms) > 0 {
		from = "documents d JOIN documents_fts ON documents_fts.uuid = d.uuid"
		where = append(where, "documents_fts MATCH ?")
		args = append(args, matchExpr(q.Terms))
		order = "rank, d.title, d.uuid"
	}
	if q.Category != "" {
		where = append(where, "d.category = ?")
		args = append(args, string(q.Category))
	}
	if q.YearFrom > 0 {
		where = append(where, "d.year >= ?")
		args = append(args, q.YearFrom)
	}
	if q.YearTo > 0 {
		where = append(where, "d.year <= ?")
		args = append(args, q.YearTo)
	}
	for _, tag := range q.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM document_tags t WHERE t.uuid = d.uuid AND t.tag = ?)")
		args = append(args, tag)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	res := index.Results{Page: q.Page, PageSize: q.PageSize, Hits: []index.Document{}}
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+from+clause, args...).Scan(&res.Total); err != nil {
		return index.Results{}, fmt.Errorf("count search hits: %w", err)
	}
	if res.Total == 0 || q.Offset() >= res.Total {
		return res, nil
	}

	query := "SELECT d.body FROM " + from + clause + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	rows, err := b.db.QueryContext(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return index.Results{}, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return index.Results{}, fmt.Errorf("scan search hit: %w", err)
		}
		var doc index.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return index.Results{}, fmt.Errorf("decode search hit: %w", err)
		}
		res.Hits = append(res.Hits, doc)
	}
	if err := rows.Err(); err != nil {
		return index.Results{}, fmt.Errorf("iterate search hits: %w", err)
	}
	return res, nil
}

// Info implements index.Backend.
func (b *Backend) Info(ctx context.Context) (index.Info, error) {
	info := index.Info{Backend: b.Name()}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&info.Documents); err != nil {
		return index.Info{}, fmt.Errorf("count documents: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones`).Scan(&info.Removed); err != nil {
		return index.Info{}, fmt.Errorf("count tombstones: %w", err)
	}
	return info, nil
}

// Close implements index.Backend.
func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close sqlite index %s: %w", b.path, err)
	}
	return nil
}

func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit index tx: %w", err)
	}
	return nil
}

// seenVersion returns the newest version written or removed for uuid, or 0.
func seenVersion(ctx context.Context, tx *sql.Tx, uuid string) (int64, error) {
	var v sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM (
			SELECT version FROM documents WHERE uuid = ?1
			UNION ALL
			SELECT version FROM tombstones WHERE uuid = ?1
		)`, uuid).Scan(&v); err != nil {
		return 0, fmt.Errorf("read versions %s: %w", uuid, err)
	}
	return v.Int64, nil
}

func unlink(ctx context.Context, tx *sql.Tx, uuid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete document text %s: %w", uuid, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_tags WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete document tags %s: %w", uuid, err)
	}
	return nil
}

// matchExpr quotes each term so FTS5 treats it as a literal; adjacent
// strings are ANDed.
func matchExpr(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

func extraText(doc index.Document) string {
	parts := []string{doc.Brief, doc.Language}
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
