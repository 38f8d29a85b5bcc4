package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/telemetry"
)

// Merge folds losers into winner in one transaction. Resources move to the
// winner, items already merged into a loser are re-pointed at the winner and
// the losers end up merged. A conflicting id on an exclusive site aborts the
// whole merge with a *catalog.CollisionError. A merged winner stands for its
// canonical item, and a loser already merged elsewhere only has its pointer
// moved. Re-merging the same items is a no-op.
func (r *Resolver) Merge(ctx context.Context, winner string, losers ...string) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "resolver.Merge")
	defer span.End()
	span.SetAttributes(attribute.String("catalog.winner", winner), attribute.StringSlice("catalog.losers", losers))

	losers = sortedUnique(losers)
	if len(losers) == 0 {
		return Outcome{}, fmt.Errorf("%w: no losers given", catalog.ErrInvalidMerge)
	}
	for _, l := range losers {
		if l == winner {
			return Outcome{}, fmt.Errorf("%w: item %s cannot merge into itself", catalog.ErrInvalidMerge, winner)
		}
	}

	for attempt := 1; attempt <= r.tries; attempt++ {
		related, err := r.mergeSet(ctx, winner, losers)
		if err != nil {
			return Outcome{}, recordFailure(span, err)
		}
		unlock := r.locks.Lock(itemLocks(related)...)
		out, err := r.mergeLocked(ctx, winner, losers, related)
		unlock()
		if errors.Is(err, errCandidatesMoved) {
			continue
		}
		if err != nil {
			return Outcome{}, recordFailure(span, err)
		}
		metrics.ObserveIngest(string(out.Kind))
		r.logger.Info("merged items",
			zap.String("winner", winner), zap.Strings("losers", losers), zap.Int("moved", len(out.Losers)))
		return out, nil
	}
	return Outcome{}, recordFailure(span, fmt.Errorf("%w: merge set of %s kept changing", catalog.ErrDuplicateConflict, winner))
}

func recordFailure(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// mergeSet collects the transitive set of items a merge writes: the winner
// and its canonical item, the losers with their current merge targets,
// everything merged into a loser and the losers' children.
func (r *Resolver) mergeSet(ctx context.Context, winner string, losers []string) ([]string, error) {
	set := map[string]struct{}{winner: {}}
	err := r.store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
		target, err := canonicalTx(ctx, tx, winner)
		if err != nil {
			return fmt.Errorf("load winner %s: %w", winner, err)
		}
		set[target.UUID] = struct{}{}
		for _, l := range losers {
			set[l] = struct{}{}
			loser, err := tx.Get(ctx, l)
			if err != nil {
				return fmt.Errorf("load loser %s: %w", l, err)
			}
			if loser.State == catalog.StateMerged {
				set[loser.MergedTo] = struct{}{}
			}
			related, err := relatedTo(ctx, tx, l)
			if err != nil {
				return err
			}
			for _, u := range related {
				set[u] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return setToSorted(set), nil
}

func relatedTo(ctx context.Context, tx catalog.Tx, uuid string) ([]string, error) {
	pointing, err := tx.MergedInto(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("list items merged into %s: %w", uuid, err)
	}
	children, err := tx.ChildrenOf(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", uuid, err)
	}
	out := make([]string, 0, len(pointing)+len(children))
	for _, it := range pointing {
		out = append(out, it.UUID)
	}
	for _, it := range children {
		out = append(out, it.UUID)
	}
	return out, nil
}

func (r *Resolver) mergeLocked(ctx context.Context, winnerID string, loserIDs, related []string) (Outcome, error) {
	locked := make(map[string]struct{}, len(related))
	for _, u := range related {
		locked[u] = struct{}{}
	}
	var out Outcome
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		// A merged winner stands for its canonical item so pointers stay one hop.
		winner, err := canonicalTx(ctx, tx, winnerID)
		if err != nil {
			return fmt.Errorf("load winner %s: %w", winnerID, err)
		}
		if _, ok := locked[winner.UUID]; !ok {
			return errCandidatesMoved
		}
		if !winner.Active() {
			return fmt.Errorf("%w: winner %s is %s", catalog.ErrInvalidMerge, winner.UUID, winner.State)
		}

		var pending, repoint, done []catalog.Item
		for _, id := range loserIDs {
			loser, err := tx.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("load loser %s: %w", id, err)
			}
			switch {
			case loser.UUID == winner.UUID:
				return fmt.Errorf("%w: %s is already the canonical item of %s", catalog.ErrInvalidMerge, id, winnerID)
			case loser.State == catalog.StateMerged && loser.MergedTo == winner.UUID:
				done = append(done, loser)
			case loser.State == catalog.StateMerged:
				if _, ok := locked[loser.MergedTo]; !ok {
					return errCandidatesMoved
				}
				repoint = append(repoint, loser)
			case loser.State == catalog.StateDeleted:
				return fmt.Errorf("%w: %s is deleted", catalog.ErrInvalidMerge, id)
			default:
				pending = append(pending, loser)
			}
			related, err := relatedTo(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, u := range related {
				if _, ok := locked[u]; !ok {
					return errCandidatesMoved
				}
			}
		}
		if len(pending) == 0 && len(repoint) == 0 {
			out = Outcome{Kind: Merged, Item: winner, Losers: done}
			return nil
		}

		if err := r.checkCollisions(ctx, tx, winner, pending); err != nil {
			return err
		}

		merged := make([]catalog.Item, 0, len(pending)+len(repoint))
		for _, loser := range pending {
			saved, err := r.absorb(ctx, tx, winner.UUID, loser)
			if err != nil {
				return err
			}
			merged = append(merged, saved)
		}
		// Re-pointed losers keep no resources; those already sit on the old target.
		for _, stale := range repoint {
			// Absorbing a pending loser may already have moved this pointer.
			loser, err := tx.Get(ctx, stale.UUID)
			if err != nil {
				return fmt.Errorf("reload loser %s: %w", stale.UUID, err)
			}
			if loser.MergedTo == winner.UUID {
				merged = append(merged, loser)
				continue
			}
			next := loser.Clone()
			next.MergedTo = winner.UUID
			saved, err := tx.Save(ctx, next)
			if err != nil {
				return fmt.Errorf("re-point %s at %s: %w", loser.UUID, winner.UUID, err)
			}
			merged = append(merged, saved)
		}
		if len(pending) == 0 {
			out = Outcome{Kind: Merged, Item: winner, Losers: append(done, merged...)}
			return nil
		}

		// An administrative merge settles any open review on the winner.
		next := winner.Clone()
		next.Metadata, next.LookupIDs = r.policy.Merge(winner, pending)
		next.NeedsReview = false
		for _, l := range pending {
			if next.ParentUUID == l.UUID {
				next.ParentUUID = l.ParentUUID
			}
		}
		saved, err := tx.Save(ctx, next)
		if err != nil {
			return fmt.Errorf("save winner %s: %w", winner.UUID, err)
		}
		if err := tx.ResolveReview(ctx, saved.UUID); err != nil {
			return err
		}
		out = Outcome{Kind: Merged, Item: saved, Losers: append(done, merged...)}
		return nil
	})
	if err != nil {
		if errors.Is(err, errCandidatesMoved) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("merge into %s: %w", winnerID, err)
	}
	sort.Slice(out.Losers, func(i, j int) bool { return out.Losers[i].UUID < out.Losers[j].UUID })
	return out, nil
}

// absorb moves everything hanging off loser to the winner and marks the
// loser merged. The loser must stop being active before its resources can
// change owner.
func (r *Resolver) absorb(ctx context.Context, tx catalog.Tx, winner string, stale catalog.Item) (catalog.Item, error) {
	// Earlier losers may have re-parented this one.
	loser, err := tx.Get(ctx, stale.UUID)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("reload loser %s: %w", stale.UUID, err)
	}
	pointing, err := tx.MergedInto(ctx, loser.UUID)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("list items merged into %s: %w", loser.UUID, err)
	}
	for _, p := range pointing {
		p.MergedTo = winner
		if _, err := tx.Save(ctx, p); err != nil {
			return catalog.Item{}, fmt.Errorf("re-point %s at %s: %w", p.UUID, winner, err)
		}
	}
	children, err := tx.ChildrenOf(ctx, loser.UUID)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("list children of %s: %w", loser.UUID, err)
	}
	for _, c := range children {
		if c.UUID == winner {
			continue
		}
		c.ParentUUID = winner
		if _, err := tx.Save(ctx, c); err != nil {
			return catalog.Item{}, fmt.Errorf("re-parent %s under %s: %w", c.UUID, winner, err)
		}
	}
	owned, err := tx.ResourcesOf(ctx, loser.UUID)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("list resources of %s: %w", loser.UUID, err)
	}

	next := loser.Clone()
	next.State = catalog.StateMerged
	next.MergedTo = winner
	saved, err := tx.Save(ctx, next)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("mark %s merged: %w", loser.UUID, err)
	}
	for _, res := range owned {
		res.ItemUUID = winner
		if err := tx.PutResource(ctx, res); err != nil {
			return catalog.Item{}, fmt.Errorf("move resource %s to %s: %w", res.Key(), winner, err)
		}
	}
	if err := tx.ResolveReview(ctx, loser.UUID); err != nil {
		return catalog.Item{}, err
	}
	return saved, nil
}

// checkCollisions rejects merges that would leave one item with two ids of
// the same exclusive site.
func (r *Resolver) checkCollisions(ctx context.Context, tx catalog.Tx, winner catalog.Item, losers []catalog.Item) error {
	if r.rules == nil {
		return nil
	}
	type claim struct {
		ids   map[string]struct{}
		items map[string]struct{}
	}
	claims := map[string]*claim{}
	for _, it := range append([]catalog.Item{winner}, losers...) {
		owned, err := tx.ResourcesOf(ctx, it.UUID)
		if err != nil {
			return fmt.Errorf("list resources of %s: %w", it.UUID, err)
		}
		for _, res := range owned {
			if !r.rules.Exclusive(res.Site) {
				continue
			}
			c, ok := claims[res.Site]
			if !ok {
				c = &claim{ids: map[string]struct{}{}, items: map[string]struct{}{}}
				claims[res.Site] = c
			}
			c.ids[res.SiteID] = struct{}{}
			c.items[it.UUID] = struct{}{}
		}
	}
	sites := make([]string, 0, len(claims))
	for site := range claims {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		c := claims[site]
		if len(c.ids) > 1 {
			return &catalog.CollisionError{Site: site, IDs: setToSorted(c.ids), Items: setToSorted(c.items)}
		}
	}
	return nil
}

// Delete marks uuid deleted. Items merged into it are deleted with it and its
// resources are detached so a later sighting can start afresh. Deleting a
// deleted item is a no-op.
func (r *Resolver) Delete(ctx context.Context, uuid string) (catalog.Item, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "resolver.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("catalog.item", uuid))

	for attempt := 1; attempt <= r.tries; attempt++ {
		related := map[string]struct{}{uuid: {}}
		err := r.store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
			ids, err := relatedTo(ctx, tx, uuid)
			for _, u := range ids {
				related[u] = struct{}{}
			}
			return err
		})
		if err != nil {
			return catalog.Item{}, recordFailure(span, err)
		}
		relatedIDs := setToSorted(related)
		unlock := r.locks.Lock(itemLocks(relatedIDs)...)
		out, err := r.deleteLocked(ctx, uuid, related)
		unlock()
		if errors.Is(err, errCandidatesMoved) {
			continue
		}
		if err != nil {
			return catalog.Item{}, recordFailure(span, err)
		}
		r.logger.Info("deleted item", zap.String("item", uuid))
		return out, nil
	}
	return catalog.Item{}, recordFailure(span, fmt.Errorf("%w: items around %s kept changing", catalog.ErrDuplicateConflict, uuid))
}

func (r *Resolver) deleteLocked(ctx context.Context, uuid string, locked map[string]struct{}) (catalog.Item, error) {
	var out catalog.Item
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		it, err := tx.Get(ctx, uuid)
		if err != nil {
			return fmt.Errorf("load item %s: %w", uuid, err)
		}
		if it.State == catalog.StateDeleted {
			out = it
			return nil
		}
		pointing, err := tx.MergedInto(ctx, uuid)
		if err != nil {
			return fmt.Errorf("list items merged into %s: %w", uuid, err)
		}
		for _, p := range pointing {
			if _, ok := locked[p.UUID]; !ok {
				return errCandidatesMoved
			}
			p.State = catalog.StateDeleted
			p.MergedTo = ""
			if _, err := tx.Save(ctx, p); err != nil {
				return fmt.Errorf("delete %s merged into %s: %w", p.UUID, uuid, err)
			}
		}
		owned, err := tx.ResourcesOf(ctx, uuid)
		if err != nil {
			return fmt.Errorf("list resources of %s: %w", uuid, err)
		}
		for _, res := range owned {
			res.ItemUUID = ""
			if err := tx.PutResource(ctx, res); err != nil {
				return fmt.Errorf("detach resource %s: %w", res.Key(), err)
			}
		}
		next := it.Clone()
		next.State = catalog.StateDeleted
		next.MergedTo = ""
		if out, err = tx.Save(ctx, next); err != nil {
			return fmt.Errorf("delete item %s: %w", uuid, err)
		}
		return tx.ResolveReview(ctx, uuid)
	})
	if err != nil && !errors.Is(err, errCandidatesMoved) {
		return catalog.Item{}, fmt.Errorf("delete %s: %w", uuid, err)
	}
	return out, err
}
