package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Migration is a named, versioned, idempotent batch transformation.
type Migration struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`

	run func(r *Runner, ctx context.Context, e *execution) error
}

var migrations = []Migration{
	{
		Name:        "flatten_merges",
		Version:     1,
		Description: "point every merged item, and its resources, straight at the live winner",
		run:         (*Runner).flattenMerges,
	},
	{
		Name:        "normalize_language",
		Version:     1,
		Description: "rewrite item languages as canonical BCP 47 tags",
		run:         (*Runner).normalizeLanguage,
	},
	{
		Name:        "merge_by_isbn",
		Version:     1,
		Description: "merge active books sharing an isbn into the oldest one",
		run:         (*Runner).mergeByISBN,
	},
	{
		Name:        "resolve_reviews",
		Version:     1,
		Description: "close review entries whose item or candidates are no longer live",
		run:         (*Runner).resolveReviews,
	},
}

// Migrations lists the shipped migrations.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

// MigrationReport is the outcome of a migration run.
type MigrationReport struct {
	Run     catalog.JobRun `json:"run"`
	Name    string         `json:"name"`
	Version int            `json:"version"`
	Skipped bool           `json:"skipped"`
}

// Migrate runs the named migration unless the ledger shows it already
// completed, in which case it is a no-op.
func (r *Runner) Migrate(ctx context.Context, name string) (MigrationReport, error) {
	var m *Migration
	for i := range migrations {
		if migrations[i].Name == name {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return MigrationReport{}, fmt.Errorf("unknown migration %q", name)
	}
	report := MigrationReport{Name: m.Name, Version: m.Version}
	run, err := r.execute(ctx, JobMigrate, true, func(ctx context.Context, e *execution) error {
		done, err := r.store.MigrationApplied(ctx, m.Name, m.Version)
		if err != nil {
			return fmt.Errorf("check migration ledger: %w", err)
		}
		if done {
			report.Skipped = true
			e.logger.Info("migration already applied", zap.String("migration", m.Name), zap.Int("version", m.Version))
			return nil
		}
		e.logger = e.logger.With(zap.String("migration", m.Name))
		if err := m.run(r, ctx, e); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if err := r.store.RecordMigration(ctx, m.Name, m.Version, r.clock.Now()); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Name, err)
		}
		return nil
	})
	report.Run = run
	return report, err
}

func (r *Runner) flattenMerges(ctx context.Context, e *execution) error {
	filter := catalog.ItemFilter{States: []catalog.State{catalog.StateMerged}}
	return r.scanItems(ctx, filter, func(item catalog.Item) error {
		actions, err := r.repairMerge(ctx, item.UUID)
		if err != nil {
			return err
		}
		for _, a := range actions {
			e.act(ctx, a)
		}
		owned, err := r.store.ResourcesOf(ctx, item.UUID)
		if err != nil {
			return fmt.Errorf("list resources of %s: %w", item.UUID, err)
		}
		for _, res := range owned {
			actions, err := r.repairResource(ctx, res.Key().String())
			if err != nil {
				return err
			}
			for _, a := range actions {
				e.act(ctx, a)
			}
		}
		e.count("items", 1)
		return nil
	})
}

var languageNames = map[string]string{
	"english":    "en",
	"french":     "fr",
	"german":     "de",
	"spanish":    "es",
	"italian":    "it",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"portuguese": "pt",
	"russian":    "ru",
}

// CanonicalLanguage returns the BCP 47 form of raw, or raw unchanged when it
// is not recognized.
func CanonicalLanguage(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if code, ok := languageNames[strings.ToLower(v)]; ok {
		v = code
	}
	tag, err := language.Parse(strings.ReplaceAll(v, "_", "-"))
	if err != nil {
		return raw
	}
	return tag.String()
}

func (r *Runner) normalizeLanguage(ctx context.Context, e *execution) error {
	filter := catalog.ItemFilter{States: []catalog.State{catalog.StateActive}}
	return r.scanItems(ctx, filter, func(item catalog.Item) error {
		want := CanonicalLanguage(item.Metadata.Language)
		if want == item.Metadata.Language {
			return nil
		}
		err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
			cur, err := tx.Get(ctx, item.UUID)
			if err != nil {
				return err
			}
			if !cur.Active() || cur.Metadata.Language == want {
				return nil
			}
			cur.Metadata.Language = want
			_, err = tx.Save(ctx, cur)
			return err
		})
		if err != nil {
			return fmt.Errorf("normalize %s: %w", item.UUID, err)
		}
		e.count("updated", 1)
		e.act(ctx, catalog.Action{
			Kind:     "normalize_language",
			ItemUUID: item.UUID,
			Detail:   fmt.Sprintf("%q -> %q", item.Metadata.Language, want),
		})
		return nil
	})
}

func (r *Runner) mergeByISBN(ctx context.Context, e *execution) error {
	if r.merger == nil {
		return errors.New("no merger configured")
	}
	groups := map[string][]catalog.Item{}
	filter := catalog.ItemFilter{States: []catalog.State{catalog.StateActive}, Category: catalog.CategoryBook}
	err := r.scanItems(ctx, filter, func(item catalog.Item) error {
		if isbn := item.LookupIDs[catalog.IDTypeISBN]; isbn != "" {
			groups[isbn] = append(groups[isbn], item)
		}
		return nil
	})
	if err != nil {
		return err
	}

	isbns := make([]string, 0, len(groups))
	for isbn, items := range groups {
		if len(items) > 1 {
			isbns = append(isbns, isbn)
		}
	}
	sort.Strings(isbns)

	collisions := 0
	for _, isbn := range isbns {
		if err := ctx.Err(); err != nil {
			return err
		}
		items := groups[isbn]
		sort.Slice(items, func(i, j int) bool {
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			}
			return items[i].UUID < items[j].UUID
		})
		winner := items[0].UUID
		losers := make([]string, 0, len(items)-1)
		for _, it := range items[1:] {
			losers = append(losers, it.UUID)
		}
		_, err := r.merger.Merge(ctx, winner, losers...)
		var collision *catalog.CollisionError
		switch {
		case errors.As(err, &collision):
			collisions++
			e.logger.Warn("merge collision", zap.String("isbn", isbn), zap.Error(err))
			continue
		case err != nil:
			return fmt.Errorf("merge isbn %s: %w", isbn, err)
		}
		e.count("merged", len(losers))
		e.act(ctx, catalog.Action{
			Kind:     "merge",
			ItemUUID: winner,
			Detail:   fmt.Sprintf("isbn %s absorbed %s", isbn, strings.Join(losers, ",")),
		})
	}
	if collisions > 0 {
		e.count("collisions", collisions)
		return fmt.Errorf("%w: %d isbn groups need a manual merge", catalog.ErrMergeCollision, collisions)
	}
	return nil
}

func (r *Runner) resolveReviews(ctx context.Context, e *execution) error {
	entries, err := r.store.Reviews(ctx, false)
	if err != nil {
		return fmt.Errorf("list reviews: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		reason, err := r.staleReview(ctx, entry)
		if err != nil {
			return err
		}
		if reason == "" {
			continue
		}
		err = r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
			item, err := tx.Get(ctx, entry.ItemUUID)
			switch {
			case errors.Is(err, catalog.ErrNotFound):
			case err != nil:
				return err
			case item.Active() && item.NeedsReview:
				item.NeedsReview = false
				if _, err := tx.Save(ctx, item); err != nil {
					return err
				}
			}
			return tx.ResolveReview(ctx, entry.ItemUUID)
		})
		if err != nil {
			return fmt.Errorf("resolve review %s: %w", entry.ItemUUID, err)
		}
		e.count("resolved", 1)
		e.act(ctx, catalog.Action{Kind: "resolve_review", ItemUUID: entry.ItemUUID, Detail: reason})
	}
	return nil
}

// staleReview returns why entry no longer needs a human, or "".
func (r *Runner) staleReview(ctx context.Context, entry catalog.ReviewEntry) (string, error) {
	item, err := r.lookup(ctx, entry.ItemUUID)
	if err != nil {
		return "", err
	}
	if item == nil || !item.Active() {
		return "item is no longer active", nil
	}
	for _, id := range entry.Candidates {
		c, err := r.lookup(ctx, id)
		if err != nil {
			return "", err
		}
		if c != nil && c.Active() && c.UUID != item.UUID {
			return "", nil
		}
	}
	return "no live candidates remain", nil
}
