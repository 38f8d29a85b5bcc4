package publisher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/publisher"
	"github.com/JakeFAU/culture-catalog/internal/publisher/memory"
)

func change(kind catalog.ChangeKind, uuid string) catalog.Change {
	return catalog.Change{Kind: kind, Item: catalog.Item{
		UUID:      uuid,
		Category:  catalog.CategoryMovie,
		Metadata:  catalog.Metadata{Title: "Alien"},
		Version:   3,
		UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}}
}

func TestEventFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind catalog.ChangeKind
		want string
	}{
		{catalog.ChangeCreated, publisher.EventItemCreated},
		{catalog.ChangeUpdated, publisher.EventItemUpdated},
		{catalog.ChangeMerged, publisher.EventItemMerged},
		{catalog.ChangeDeleted, publisher.EventItemDeleted},
	}
	for _, tc := range tests {
		event, ok := publisher.EventFor(change(tc.kind, "u1"))
		require.True(t, ok)
		require.Equal(t, tc.want, event.Type)
		require.Equal(t, "u1", event.ItemUUID)
		require.Equal(t, int64(3), event.Version)
	}

	_, ok := publisher.EventFor(change(catalog.ChangePurged, "u1"))
	require.False(t, ok)
}

func TestChangeNotifierPublishesAfterCommit(t *testing.T) {
	t.Parallel()
	pub := memory.New()
	n := publisher.NewChangeNotifier(pub, "catalog-changes", time.Second, nil)

	merged := change(catalog.ChangeMerged, "loser")
	merged.Item.MergedTo = "winner"

	// A canceled request context does not stop post-commit events.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Notify(ctx, []catalog.Change{
		change(catalog.ChangeUpdated, "winner"),
		merged,
		change(catalog.ChangePurged, "gone"),
	})

	msgs := pub.Messages("catalog-changes")
	require.Len(t, msgs, 2)
	first := msgs[0].Payload.(publisher.Event)
	require.Equal(t, publisher.EventItemUpdated, first.Type)
	second := msgs[1].Payload.(publisher.Event)
	require.Equal(t, publisher.EventItemMerged, second.Type)
	require.Equal(t, "winner", second.MergedTo)
}

func TestChangeNotifierSwallowsFailures(t *testing.T) {
	t.Parallel()
	pub := memory.New()
	pub.FailWith(errors.New("broker down"))
	n := publisher.NewChangeNotifier(pub, "catalog-changes", time.Second, nil)

	require.NotPanics(t, func() {
		n.Notify(context.Background(), []catalog.Change{change(catalog.ChangeCreated, "u1")})
	})
	require.Empty(t, pub.Messages())
}

func TestNotifiersFanOut(t *testing.T) {
	t.Parallel()
	a, b := memory.New(), memory.New()
	fan := catalog.Notifiers{
		publisher.NewChangeNotifier(a, "t", 0, nil),
		nil,
		publisher.NewChangeNotifier(b, "t", 0, nil),
	}
	fan.Notify(context.Background(), []catalog.Change{change(catalog.ChangeDeleted, "u1")})
	require.Len(t, a.Messages(), 1)
	require.Len(t, b.Messages(), 1)
}
