package catalog

import (
	"context"
	"fmt"
	"time"
)

// CheckWrite validates next against the stored version prev (nil on create).
// It covers the rules that need no other rows; ApplyWrite covers the rest.
func CheckWrite(prev *Item, next Item) error {
	if next.UUID == "" {
		return fmt.Errorf("item uuid is required")
	}
	if !next.Category.Valid() {
		return fmt.Errorf("item %s has invalid category %q", next.UUID, next.Category)
	}
	if prev == nil {
		if next.State != StateActive {
			return fmt.Errorf("%w: new item %s must be active", ErrInvalidTransition, next.UUID)
		}
	} else if !prev.State.CanTransition(next.State) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, prev.State, next.State, next.UUID)
	}
	switch {
	case next.State == StateMerged && next.MergedTo == "":
		return fmt.Errorf("%w: merged item %s has no target", ErrInvalidMerge, next.UUID)
	case next.State == StateMerged && next.MergedTo == next.UUID:
		return fmt.Errorf("%w: item %s cannot merge into itself", ErrInvalidMerge, next.UUID)
	case next.State != StateMerged && next.MergedTo != "":
		return fmt.Errorf("%w: %s item %s cannot carry a merge pointer", ErrInvalidMerge, next.State, next.UUID)
	}
	return nil
}

// TxReader is the read half of Tx used by ApplyWrite.
type TxReader interface {
	Get(ctx context.Context, uuid string) (Item, error)
	MergedInto(ctx context.Context, uuid string) ([]Item, error)
}

// ApplyWrite validates next against the other rows visible in tx and stamps
// version and timestamps. Stores call it from Tx.Save before persisting.
func ApplyWrite(ctx context.Context, tx TxReader, prev Item, next Item, now time.Time) (Item, error) {
	if err := CheckWrite(&prev, next); err != nil {
		return Item{}, err
	}
	if next.State == StateMerged && next.MergedTo != prev.MergedTo {
		target, err := tx.Get(ctx, next.MergedTo)
		if err != nil {
			return Item{}, fmt.Errorf("load merge target %s: %w", next.MergedTo, err)
		}
		if target.State != StateActive {
			return Item{}, fmt.Errorf("%w: target %s of %s is %s", ErrInvalidMerge, target.UUID, next.UUID, target.State)
		}
	}
	if prev.State == StateActive && next.State != StateActive {
		pointing, err := tx.MergedInto(ctx, next.UUID)
		if err != nil {
			return Item{}, fmt.Errorf("list items merged into %s: %w", next.UUID, err)
		}
		if len(pointing) > 0 {
			return Item{}, fmt.Errorf("%w: %d items still merged into %s", ErrInvalidMerge, len(pointing), next.UUID)
		}
	}
	out := next.Clone()
	out.CreatedAt = prev.CreatedAt
	out.Version = prev.Version + 1
	out.UpdatedAt = now
	if out.State == StateDeleted && prev.State != StateDeleted {
		ts := now
		out.DeletedAt = &ts
	}
	if out.State != StateDeleted {
		out.DeletedAt = nil
	}
	if out.State != StateActive {
		out.NeedsReview = false
	}
	return out, nil
}

// PrepareCreate validates and stamps a new item.
func PrepareCreate(item Item, now time.Time) (Item, error) {
	if err := CheckWrite(nil, item); err != nil {
		return Item{}, err
	}
	out := item.Clone()
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	out.DeletedAt = nil
	if out.LookupIDs == nil {
		out.LookupIDs = LookupIDs{}
	}
	return out, nil
}

// CheckResource validates attaching res to owner. existing is the stored row
// for the same key (nil when new) and existingOwner its current owner (nil
// when detached or missing).
func CheckResource(existing *ExternalResource, existingOwner *Item, res ExternalResource, owner *Item) error {
	if res.Site == "" || res.SiteID == "" {
		return fmt.Errorf("resource site and site id are required")
	}
	if res.ItemUUID != "" {
		if owner == nil {
			return fmt.Errorf("resource %s owner %s: %w", res.Key(), res.ItemUUID, ErrNotFound)
		}
		if owner.State != StateActive {
			return fmt.Errorf("%w: cannot attach %s to %s item %s", ErrInvalidTransition, res.Key(), owner.State, owner.UUID)
		}
	}
	// Detaching is always allowed; re-pointing away from a live owner is not.
	if res.ItemUUID != "" && existing != nil && existing.ItemUUID != res.ItemUUID &&
		existingOwner != nil && existingOwner.State == StateActive {
		return fmt.Errorf("%w: %s belongs to %s", ErrResourceOwned, res.Key(), existingOwner.UUID)
	}
	return nil
}

// ChangeFor classifies the transition from prev to next.
func ChangeFor(prev *Item, next Item) ChangeKind {
	switch {
	case prev == nil:
		return ChangeCreated
	case next.State == StateMerged && prev.State != StateMerged:
		return ChangeMerged
	case next.State == StateDeleted && prev.State != StateDeleted:
		return ChangeDeleted
	default:
		return ChangeUpdated
	}
}
