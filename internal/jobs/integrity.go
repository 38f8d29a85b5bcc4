package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// Integrity checks.
const (
	CheckOrphanResource  = "orphan_resource"
	CheckMergedOwner     = "merged_owner"
	CheckSelfMerge       = "self_merge"
	CheckMergeChain      = "merge_chain"
	CheckMergePointer    = "merge_pointer"
	CheckOrphanChild     = "orphan_child"
	CheckDuplicateSiteID = "duplicate_site_id"
)

// Repairs run in this order so later checks see the merge graph already
// flattened.
var checkOrder = []string{
	CheckSelfMerge,
	CheckMergePointer,
	CheckMergeChain,
	CheckOrphanResource,
	CheckMergedOwner,
	CheckOrphanChild,
	CheckDuplicateSiteID,
}

// siteIDTypes are lookup ids that are a single site's own key, so no two live
// items may share one.
var siteIDTypes = []catalog.IDType{
	catalog.IDTypeOpenLibrary,
	catalog.IDTypeWikidata,
	catalog.IDTypeIMDb,
	catalog.IDTypeTMDB,
	catalog.IDTypeMusicBrainz,
	catalog.IDTypeAppleMusic,
	catalog.IDTypeApplePodcast,
	catalog.IDTypeAppleEpisode,
}

// maxChain bounds how far a merge chain is followed before it is treated as a
// cycle.
const maxChain = 16

// Violation is one broken invariant.
type Violation struct {
	Check    string   `json:"check"`
	ItemUUID string   `json:"item_uuid,omitempty"`
	Resource string   `json:"resource,omitempty"`
	Key      string   `json:"key,omitempty"`
	Related  []string `json:"related,omitempty"`
	Detail   string   `json:"detail"`
	// Queued marks a violation already waiting in the review queue.
	Queued bool `json:"queued,omitempty"`
}

// IntegrityReport is the outcome of an integrity run.
type IntegrityReport struct {
	Run        catalog.JobRun `json:"run"`
	Violations []Violation    `json:"violations"`
	Remaining  int            `json:"remaining"`
}

// Integrity scans the store for broken invariants. With fix set it repairs
// each one with a single-invariant change, records it as an action, and then
// rescans to count what remains. Duplicates already queued for review do not
// count as remaining.
func (r *Runner) Integrity(ctx context.Context, fix bool) (IntegrityReport, error) {
	var report IntegrityReport
	run, err := r.execute(ctx, JobIntegrity, fix, func(ctx context.Context, e *execution) error {
		found, err := r.detect(ctx)
		if err != nil {
			return err
		}
		report.Violations = found
		e.count("violations", len(found))
		for _, v := range found {
			e.logger.Warn("integrity violation",
				zap.String("check", v.Check),
				zap.String("item", v.ItemUUID),
				zap.String("resource", v.Resource),
				zap.String("detail", v.Detail),
			)
		}
		if !fix {
			report.Remaining = unresolved(found)
			return nil
		}
		if err := r.repairAll(ctx, e, found); err != nil {
			return err
		}
		left, err := r.detect(ctx)
		if err != nil {
			return err
		}
		report.Remaining = unresolved(left)
		e.count("remaining", report.Remaining)
		return nil
	})
	report.Run = run
	if err != nil {
		return report, err
	}
	if report.Remaining > 0 {
		return report, fmt.Errorf("%w: %d violations remain", catalog.ErrIntegrityViolation, report.Remaining)
	}
	return report, nil
}

func unresolved(vs []Violation) int {
	n := 0
	for _, v := range vs {
		if !v.Queued {
			n++
		}
	}
	return n
}

func (r *Runner) detect(ctx context.Context) ([]Violation, error) {
	var out []Violation
	holders := map[string][]catalog.Item{}
	reviewed, err := r.openReviews(ctx)
	if err != nil {
		return nil, err
	}

	err = r.scanItems(ctx, catalog.ItemFilter{}, func(item catalog.Item) error {
		vs, err := r.checkItem(ctx, item)
		if err != nil {
			return err
		}
		out = append(out, vs...)
		if item.Active() {
			for _, t := range siteIDTypes {
				if v := item.LookupIDs[t]; v != "" {
					key := "id:" + string(t) + ":" + v
					holders[key] = append(holders[key], item)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(holders))
	for k, items := range holders {
		if len(items) > 1 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		items := holders[k]
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.UUID
		}
		flagged := newest(items).UUID
		_, queued := reviewed[flagged]
		out = append(out, Violation{
			Check:    CheckDuplicateSiteID,
			ItemUUID: flagged,
			Key:      k,
			Related:  ids,
			Detail:   fmt.Sprintf("%s is held by %d active items", k, len(items)),
			Queued:   queued,
		})
	}

	err = r.scanResources(ctx, func(res catalog.ExternalResource) error {
		v, err := r.checkResource(ctx, res)
		if err != nil || v == nil {
			return err
		}
		out = append(out, *v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) checkItem(ctx context.Context, item catalog.Item) ([]Violation, error) {
	var out []Violation
	switch {
	case item.State == catalog.StateMerged && item.MergedTo == item.UUID:
		out = append(out, Violation{Check: CheckSelfMerge, ItemUUID: item.UUID, Detail: "item is merged into itself"})
	case item.State == catalog.StateMerged && item.MergedTo == "":
		out = append(out, Violation{Check: CheckMergePointer, ItemUUID: item.UUID, Detail: "merged item has no target"})
	case item.State != catalog.StateMerged && item.MergedTo != "":
		out = append(out, Violation{
			Check:    CheckMergePointer,
			ItemUUID: item.UUID,
			Related:  []string{item.MergedTo},
			Detail:   fmt.Sprintf("%s item still points at %s", item.State, item.MergedTo),
		})
	case item.State == catalog.StateMerged:
		target, err := r.lookup(ctx, item.MergedTo)
		if err != nil {
			return nil, err
		}
		switch {
		case target == nil:
			out = append(out, Violation{
				Check:    CheckMergePointer,
				ItemUUID: item.UUID,
				Related:  []string{item.MergedTo},
				Detail:   "merge target does not exist",
			})
		case !target.Active():
			out = append(out, Violation{
				Check:    CheckMergeChain,
				ItemUUID: item.UUID,
				Related:  []string{target.UUID},
				Detail:   fmt.Sprintf("merge target is %s", target.State),
			})
		}
	}

	if item.Active() && item.ParentUUID != "" {
		parent, err := r.lookup(ctx, item.ParentUUID)
		if err != nil {
			return nil, err
		}
		if parent == nil || !parent.Active() {
			state := "missing"
			if parent != nil {
				state = string(parent.State)
			}
			out = append(out, Violation{
				Check:    CheckOrphanChild,
				ItemUUID: item.UUID,
				Related:  []string{item.ParentUUID},
				Detail:   "parent is " + state,
			})
		}
	}
	return out, nil
}

func (r *Runner) checkResource(ctx context.Context, res catalog.ExternalResource) (*Violation, error) {
	if res.ItemUUID == "" {
		return nil, nil
	}
	owner, err := r.lookup(ctx, res.ItemUUID)
	if err != nil {
		return nil, err
	}
	switch {
	case owner == nil:
		return &Violation{
			Check:    CheckOrphanResource,
			ItemUUID: res.ItemUUID,
			Resource: res.Key().String(),
			Detail:   "owner does not exist",
		}, nil
	case owner.State == catalog.StateDeleted:
		return &Violation{
			Check:    CheckOrphanResource,
			ItemUUID: res.ItemUUID,
			Resource: res.Key().String(),
			Detail:   "owner is deleted",
		}, nil
	case owner.State == catalog.StateMerged:
		return &Violation{
			Check:    CheckMergedOwner,
			ItemUUID: res.ItemUUID,
			Resource: res.Key().String(),
			Related:  []string{owner.MergedTo},
			Detail:   "owner is merged",
		}, nil
	}
	return nil, nil
}

func (r *Runner) lookup(ctx context.Context, uuid string) (*catalog.Item, error) {
	item, err := r.store.Get(ctx, uuid)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", uuid, err)
	}
	return &item, nil
}

func (r *Runner) repairAll(ctx context.Context, e *execution, found []Violation) error {
	byCheck := map[string][]Violation{}
	for _, v := range found {
		byCheck[v.Check] = append(byCheck[v.Check], v)
	}
	reviewed := map[string]struct{}{}
	for _, check := range checkOrder {
		for _, v := range byCheck[check] {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				actions []catalog.Action
				err     error
			)
			switch check {
			case CheckSelfMerge, CheckMergePointer, CheckMergeChain:
				actions, err = r.repairMerge(ctx, v.ItemUUID)
			case CheckOrphanResource, CheckMergedOwner:
				actions, err = r.repairResource(ctx, v.Resource)
			case CheckOrphanChild:
				actions, err = r.repairChild(ctx, v.ItemUUID)
			case CheckDuplicateSiteID:
				if v.Queued {
					continue
				}
				actions, err = r.flagDuplicate(ctx, v, reviewed)
			}
			if err != nil {
				e.count("repair_failed", 1)
				e.logger.Error("repair failed",
					zap.String("check", check),
					zap.String("item", v.ItemUUID),
					zap.Error(err),
				)
				continue
			}
			for _, a := range actions {
				e.act(ctx, a)
			}
			e.count("repaired", len(actions))
		}
	}
	return nil
}

// finalTarget follows merge pointers from item to the first active item, or
// returns "" when the chain ends nowhere or loops.
func finalTarget(ctx context.Context, tx catalog.Tx, item catalog.Item) (string, error) {
	seen := map[string]struct{}{item.UUID: {}}
	next := item.MergedTo
	for range maxChain {
		if next == "" {
			return "", nil
		}
		if _, loop := seen[next]; loop {
			return "", nil
		}
		seen[next] = struct{}{}
		target, err := tx.Get(ctx, next)
		if errors.Is(err, catalog.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		switch target.State {
		case catalog.StateActive:
			return target.UUID, nil
		case catalog.StateMerged:
			next = target.MergedTo
		default:
			return "", nil
		}
	}
	return "", nil
}

func (r *Runner) repairMerge(ctx context.Context, uuid string) ([]catalog.Action, error) {
	var actions []catalog.Action
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		actions = nil
		item, err := tx.Get(ctx, uuid)
		if err != nil {
			return err
		}
		switch item.State {
		case catalog.StateMerged:
			target, err := finalTarget(ctx, tx, item)
			if err != nil {
				return err
			}
			if target == item.MergedTo {
				return nil
			}
			old := item.MergedTo
			if target == "" {
				item.State = catalog.StateDeleted
				item.MergedTo = ""
				if _, err := tx.Save(ctx, item); err != nil {
					return err
				}
				actions = append(actions, catalog.Action{
					Kind:     "delete_unresolvable_merge",
					ItemUUID: uuid,
					Detail:   fmt.Sprintf("merge pointer %q leads to no active item; marked deleted", old),
				})
				return nil
			}
			item.MergedTo = target
			if _, err := tx.Save(ctx, item); err != nil {
				return err
			}
			actions = append(actions, catalog.Action{
				Kind:     "reflatten_merge",
				ItemUUID: uuid,
				Detail:   fmt.Sprintf("merge pointer moved from %s to %s", old, target),
			})
		default:
			if item.MergedTo == "" {
				return nil
			}
			old := item.MergedTo
			item.MergedTo = ""
			if _, err := tx.Save(ctx, item); err != nil {
				return err
			}
			actions = append(actions, catalog.Action{
				Kind:     "clear_merge_pointer",
				ItemUUID: uuid,
				Detail:   fmt.Sprintf("%s item no longer points at %s", item.State, old),
			})
		}
		return nil
	})
	return actions, err
}

func (r *Runner) repairResource(ctx context.Context, resource string) ([]catalog.Action, error) {
	site, id, ok := strings.Cut(resource, ":")
	if !ok {
		return nil, fmt.Errorf("malformed resource key %q", resource)
	}
	key := catalog.ResourceKey{Site: site, SiteID: id}
	var actions []catalog.Action
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		actions = nil
		res, err := tx.GetResource(ctx, key)
		if err != nil {
			return err
		}
		if res.ItemUUID == "" {
			return nil
		}
		old := res.ItemUUID
		owner, err := tx.Get(ctx, old)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
		case err != nil:
			return err
		case owner.Active():
			return nil
		case owner.State == catalog.StateMerged:
			target, err := finalTarget(ctx, tx, owner)
			if err != nil {
				return err
			}
			if target != "" {
				res.ItemUUID = target
				if err := tx.PutResource(ctx, res); err != nil {
					return err
				}
				actions = append(actions, catalog.Action{
					Kind:     "move_resource",
					ItemUUID: target,
					Resource: resource,
					Detail:   fmt.Sprintf("moved from merged item %s", old),
				})
				return nil
			}
		}
		res.ItemUUID = ""
		if err := tx.PutResource(ctx, res); err != nil {
			return err
		}
		actions = append(actions, catalog.Action{
			Kind:     "detach_resource",
			ItemUUID: old,
			Resource: resource,
			Detail:   "owner is gone",
		})
		return nil
	})
	return actions, err
}

func (r *Runner) repairChild(ctx context.Context, uuid string) ([]catalog.Action, error) {
	var actions []catalog.Action
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		actions = nil
		child, err := tx.Get(ctx, uuid)
		if err != nil {
			return err
		}
		if child.ParentUUID == "" {
			return nil
		}
		old := child.ParentUUID
		parent, err := tx.Get(ctx, old)
		next := ""
		switch {
		case errors.Is(err, catalog.ErrNotFound):
		case err != nil:
			return err
		case parent.Active():
			return nil
		case parent.State == catalog.StateMerged:
			if next, err = finalTarget(ctx, tx, parent); err != nil {
				return err
			}
		}
		if next == child.UUID {
			next = ""
		}
		child.ParentUUID = next
		if _, err := tx.Save(ctx, child); err != nil {
			return err
		}
		detail := fmt.Sprintf("parent %s cleared", old)
		kind := "clear_parent"
		if next != "" {
			kind = "move_parent"
			detail = fmt.Sprintf("parent moved from %s to %s", old, next)
		}
		actions = append(actions, catalog.Action{Kind: kind, ItemUUID: uuid, Detail: detail})
		return nil
	})
	return actions, err
}

func (r *Runner) openReviews(ctx context.Context) (map[string]struct{}, error) {
	entries, err := r.store.Reviews(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.ItemUUID] = struct{}{}
	}
	return out, nil
}

// flagDuplicate queues the newest holder of a shared site id for review.
// Deciding which item survives is left to an explicit merge.
func (r *Runner) flagDuplicate(ctx context.Context, v Violation, reviewed map[string]struct{}) ([]catalog.Action, error) {
	if _, done := reviewed[v.ItemUUID]; done {
		return nil, nil
	}
	candidates := make([]string, 0, len(v.Related))
	for _, id := range v.Related {
		if id != v.ItemUUID {
			candidates = append(candidates, id)
		}
	}
	sort.Strings(candidates)
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		item, err := tx.Get(ctx, v.ItemUUID)
		if err != nil {
			return err
		}
		if !item.Active() {
			return nil
		}
		if !item.NeedsReview {
			item.NeedsReview = true
			if _, err := tx.Save(ctx, item); err != nil {
				return err
			}
		}
		return tx.AddReview(ctx, catalog.ReviewEntry{
			ItemUUID:   item.UUID,
			Candidates: candidates,
			Keys:       []string{v.Key},
		})
	})
	if err != nil {
		return nil, err
	}
	reviewed[v.ItemUUID] = struct{}{}
	return []catalog.Action{{
		Kind:     "flag_for_review",
		ItemUUID: v.ItemUUID,
		Detail:   fmt.Sprintf("shares %s with %s", v.Key, strings.Join(candidates, ",")),
	}}, nil
}

func newest(items []catalog.Item) catalog.Item {
	best := items[0]
	for _, it := range items[1:] {
		if it.CreatedAt.After(best.CreatedAt) ||
			(it.CreatedAt.Equal(best.CreatedAt) && it.UUID > best.UUID) {
			best = it
		}
	}
	return best
}
