// Package publisher turns committed catalog changes into change events for
// downstream collaborators. Backends live in the memory and pubsub
// subpackages.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Event types.
const (
	EventItemCreated = "item.created"
	EventItemUpdated = "item.updated"
	EventItemMerged  = "item.merged"
	EventItemDeleted = "item.deleted"
)

// Publisher sends one payload to a topic and returns the broker's message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Event is the wire form of a change notification.
type Event struct {
	Type       string           `json:"type"`
	ItemUUID   string           `json:"item_uuid"`
	Category   catalog.Category `json:"category"`
	Title      string           `json:"title"`
	Version    int64            `json:"version"`
	MergedTo   string           `json:"merged_to,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// EventFor maps a change to its event. Purges are not published: the item was
// already announced as deleted.
func EventFor(change catalog.Change) (Event, bool) {
	var kind string
	switch change.Kind {
	case catalog.ChangeCreated:
		kind = EventItemCreated
	case catalog.ChangeUpdated:
		kind = EventItemUpdated
	case catalog.ChangeMerged:
		kind = EventItemMerged
	case catalog.ChangeDeleted:
		kind = EventItemDeleted
	default:
		return Event{}, false
	}
	item := change.Item
	return Event{
		Type:       kind,
		ItemUUID:   item.UUID,
		Category:   item.Category,
		Title:      item.Metadata.Title,
		Version:    item.Version,
		MergedTo:   item.MergedTo,
		OccurredAt: item.UpdatedAt,
	}, true
}

// ChangeNotifier publishes every committed change as an Event. Publish
// failures are logged and never reach the writer.
type ChangeNotifier struct {
	pub     Publisher
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewChangeNotifier builds a notifier publishing to topic.
func NewChangeNotifier(pub Publisher, topic string, timeout time.Duration, logger *zap.Logger) *ChangeNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ChangeNotifier{pub: pub, topic: topic, timeout: timeout, logger: logger}
}

// Notify implements catalog.Notifier.
func (n *ChangeNotifier) Notify(ctx context.Context, changes []catalog.Change) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	for _, change := range changes {
		event, ok := EventFor(change)
		if !ok {
			continue
		}
		id, err := n.pub.Publish(ctx, n.topic, event)
		if err != nil {
			n.logger.Warn("publish change event",
				zap.String("type", event.Type),
				zap.String("item", event.ItemUUID),
				zap.Error(err),
			)
			continue
		}
		n.logger.Debug("change event published",
			zap.String("type", event.Type),
			zap.String("item", event.ItemUUID),
			zap.String("message_id", id),
		)
	}
}
