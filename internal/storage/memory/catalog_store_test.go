package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []catalog.Change
}

func (n *recordingNotifier) Notify(_ context.Context, changes []catalog.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, changes...)
}

func (n *recordingNotifier) snapshot() []catalog.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]catalog.Change(nil), n.changes...)
}

func newTestStore(t *testing.T) (*CatalogStore, *recordingNotifier) {
	t.Helper()
	store := NewCatalogStore(&stepClock{now: time.Unix(1700000000, 0).UTC()})
	notifier := &recordingNotifier{}
	store.SetNotifier(notifier)
	return store, notifier
}

func book(uuid, title string) catalog.Item {
	return catalog.Item{
		UUID:      uuid,
		Category:  catalog.CategoryBook,
		State:     catalog.StateActive,
		Metadata:  catalog.Metadata{Title: title},
		LookupIDs: catalog.LookupIDs{},
	}
}

func seed(t *testing.T, store *CatalogStore, items []catalog.Item, resources []catalog.ExternalResource) {
	t.Helper()
	err := store.Update(context.Background(), func(ctx context.Context, tx catalog.Tx) error {
		for _, it := range items {
			if _, err := tx.Create(ctx, it); err != nil {
				return err
			}
		}
		for _, r := range resources {
			if err := tx.PutResource(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCatalogStoreCreateAndLookups(t *testing.T) {
	t.Parallel()

	store, notifier := newTestStore(t)
	ctx := context.Background()
	item := book("a", "Foo")
	item.LookupIDs = catalog.LookupIDs{catalog.IDTypeISBN: "9780306406157"}
	seed(t, store, []catalog.Item{item}, []catalog.ExternalResource{
		{Site: "x", SiteID: "42", URL: "https://x/42", ItemUUID: "a"},
	})

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.False(t, got.CreatedAt.IsZero())

	res, err := store.GetResource(ctx, catalog.ResourceKey{Site: "x", SiteID: "42"})
	require.NoError(t, err)
	require.Equal(t, "a", res.ItemUUID)

	err = store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
		found, err := tx.FindByIdentity(ctx, []string{"id:isbn:9780306406157"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		byID, err := tx.FindByLookupID(ctx, catalog.IDTypeISBN, "9780306406157")
		require.NoError(t, err)
		require.Len(t, byID, 1)
		_, err = tx.Create(ctx, book("b", "Bar"))
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	changes := notifier.snapshot()
	require.Len(t, changes, 1)
	require.Equal(t, catalog.ChangeCreated, changes[0].Kind)
}

func TestCatalogStoreRollsBackFailedTransaction(t *testing.T) {
	t.Parallel()

	store, notifier := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "Foo")}, []catalog.ExternalResource{
		{Site: "x", SiteID: "1", ItemUUID: "a"},
	})

	boom := errors.New("boom")
	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		item, err := tx.Get(ctx, "a")
		require.NoError(t, err)
		item.Metadata.Title = "Changed"
		if _, err := tx.Save(ctx, item); err != nil {
			return err
		}
		if _, err := tx.Create(ctx, book("b", "Bar")); err != nil {
			return err
		}
		if err := tx.PutResource(ctx, catalog.ExternalResource{Site: "x", SiteID: "1", ItemUUID: "b"}); err == nil {
			t.Error("expected resource owned error")
		}
		if err := tx.PutResource(ctx, catalog.ExternalResource{Site: "y", SiteID: "2", ItemUUID: "b"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Foo", got.Metadata.Title)
	require.Equal(t, int64(1), got.Version)
	_, err = store.Get(ctx, "b")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetResource(ctx, catalog.ResourceKey{Site: "y", SiteID: "2"})
	require.ErrorIs(t, err, catalog.ErrNotFound)
	require.Len(t, notifier.snapshot(), 1, "only the seed commit notifies")
}

func TestCatalogStoreRecoversFromPanickingTransaction(t *testing.T) {
	t.Parallel()

	store, notifier := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "Foo")}, nil)

	require.Panics(t, func() {
		_ = store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
			item, err := tx.Get(ctx, "a")
			require.NoError(t, err)
			item.Metadata.Title = "Changed"
			if _, err := tx.Save(ctx, item); err != nil {
				return err
			}
			panic("boom")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
			_, err := tx.Create(ctx, book("b", "Bar"))
			return err
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("store stayed locked after a panicking transaction")
	}

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Foo", got.Metadata.Title)
	require.Len(t, notifier.snapshot(), 2)
}

func TestCatalogStoreRejectsActiveResourceConflicts(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "Foo"), book("b", "Foo")}, []catalog.ExternalResource{
		{Site: "x", SiteID: "42", ItemUUID: "a"},
	})

	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		return tx.PutResource(ctx, catalog.ExternalResource{Site: "x", SiteID: "42", ItemUUID: "b"})
	})
	require.ErrorIs(t, err, catalog.ErrResourceOwned)

	// Once the owner is merged the resource may move to the merge target.
	err = store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		a, err := tx.Get(ctx, "a")
		if err != nil {
			return err
		}
		a.State = catalog.StateMerged
		a.MergedTo = "b"
		if _, err := tx.Save(ctx, a); err != nil {
			return err
		}
		return tx.PutResource(ctx, catalog.ExternalResource{Site: "x", SiteID: "42", ItemUUID: "b"})
	})
	require.NoError(t, err)

	owned, err := store.ResourcesOf(ctx, "b")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	owned, err = store.ResourcesOf(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, owned)

	merged, err := store.MergedInto(ctx, "b")
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, "a", merged[0].UUID)
}

func TestCatalogStoreEnforcesMergeShape(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "A"), book("b", "B"), book("c", "C")}, nil)

	mergeInto := func(loser, winner string) error {
		return store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
			it, err := tx.Get(ctx, loser)
			if err != nil {
				return err
			}
			it.State = catalog.StateMerged
			it.MergedTo = winner
			_, err = tx.Save(ctx, it)
			return err
		})
	}

	require.NoError(t, mergeInto("b", "a"))
	require.ErrorIs(t, mergeInto("c", "b"), catalog.ErrInvalidMerge, "chains are rejected")
	require.ErrorIs(t, mergeInto("a", "c"), catalog.ErrInvalidMerge, "targets with inbound pointers cannot leave active")

	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		b, err := tx.Get(ctx, "b")
		if err != nil {
			return err
		}
		b.State = catalog.StateActive
		b.MergedTo = ""
		_, err = tx.Save(ctx, b)
		return err
	})
	require.ErrorIs(t, err, catalog.ErrInvalidTransition, "un-merging is not supported")
}

func TestCatalogStoreChangesReportFinalState(t *testing.T) {
	t.Parallel()

	store, notifier := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "A"), book("b", "B")}, nil)

	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		b, err := tx.Get(ctx, "b")
		if err != nil {
			return err
		}
		b.Metadata.Title = "B2"
		if b, err = tx.Save(ctx, b); err != nil {
			return err
		}
		b.State = catalog.StateMerged
		b.MergedTo = "a"
		_, err = tx.Save(ctx, b)
		return err
	})
	require.NoError(t, err)

	changes := notifier.snapshot()
	last := changes[len(changes)-1]
	require.Equal(t, catalog.ChangeMerged, last.Kind)
	require.Equal(t, "b", last.Item.UUID)
	require.Equal(t, int64(3), last.Item.Version)
}

func TestCatalogStoreHardDelete(t *testing.T) {
	t.Parallel()

	store, notifier := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "A")}, nil)

	require.ErrorIs(t, store.HardDelete(ctx, "a"), catalog.ErrInvalidTransition)

	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		a, err := tx.Get(ctx, "a")
		if err != nil {
			return err
		}
		a.State = catalog.StateDeleted
		saved, err := tx.Save(ctx, a)
		require.NotNil(t, saved.DeletedAt)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, store.HardDelete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	changes := notifier.snapshot()
	require.Equal(t, catalog.ChangePurged, changes[len(changes)-1].Kind)
}

func TestCatalogStoreScansPageInOrder(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("c", "C"), book("a", "A"), book("b", "B")}, []catalog.ExternalResource{
		{Site: "y", SiteID: "1", ItemUUID: "a"},
		{Site: "x", SiteID: "2", ItemUUID: "b"},
		{Site: "x", SiteID: "1", ItemUUID: "c"},
	})

	page, err := store.ScanItems(ctx, catalog.ItemFilter{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, []string{page[0].UUID, page[1].UUID})
	page, err = store.ScanItems(ctx, catalog.ItemFilter{After: "b", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "c", page[0].UUID)

	res, err := store.ScanResources(ctx, catalog.ResourceKey{}, 2)
	require.NoError(t, err)
	require.Equal(t, "x:1", res[0].Key().String())
	require.Equal(t, "x:2", res[1].Key().String())
	res, err = store.ScanResources(ctx, res[1].Key(), 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Equal(t, "y:1", res[0].Key().String())
}

func TestCatalogStoreReviewsAndMigrations(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "A")}, nil)

	err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		return tx.AddReview(ctx, catalog.ReviewEntry{ItemUUID: "a", Candidates: []string{"b", "c"}})
	})
	require.NoError(t, err)
	open, err := store.Reviews(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)

	err = store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		return tx.ResolveReview(ctx, "a")
	})
	require.NoError(t, err)
	open, err = store.Reviews(ctx, false)
	require.NoError(t, err)
	require.Empty(t, open)
	all, err := store.Reviews(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)

	applied, err := store.MigrationApplied(ctx, "flatten_merges", 1)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, store.RecordMigration(ctx, "flatten_merges", 1, time.Now()))
	applied, err = store.MigrationApplied(ctx, "flatten_merges", 1)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestCatalogStoreConcurrentUpdatesSerialize(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	ctx := context.Background()
	seed(t, store, []catalog.Item{book("a", "A")}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
				a, err := tx.Get(ctx, "a")
				if err != nil {
					return err
				}
				a.Metadata.Tags = append(a.Metadata.Tags, "t")
				_, err = tx.Save(ctx, a)
				return err
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(21), got.Version)
	require.Len(t, got.Metadata.Tags, 20)
}
