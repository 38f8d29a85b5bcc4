// Package resolver turns parsed drafts into canonical catalog items. It
// decides whether a draft updates a known item, attaches to one found by
// identity, or starts a new one, and it performs administrative merges.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/metrics"
	"github.com/JakeFAU/culture-catalog/internal/telemetry"
)

// OutcomeKind classifies what an ingest or merge did.
type OutcomeKind string

// Outcome kinds.
const (
	Created OutcomeKind = "created"
	Updated OutcomeKind = "updated"
	Merged  OutcomeKind = "merged"
)

// Outcome is the result of Ingest or Merge.
type Outcome struct {
	Kind     OutcomeKind              `json:"kind"`
	Item     catalog.Item             `json:"item"`
	Resource catalog.ExternalResource `json:"resource,omitempty"`
	Losers   []catalog.Item           `json:"losers,omitempty"`
	Review   *catalog.ReviewEntry     `json:"review,omitempty"`
}

// SiteRules tells the resolver which sites assign one id per work.
type SiteRules interface {
	Exclusive(site string) bool
}

// Config tunes the resolver.
type Config struct {
	Policy catalog.MergePolicy
	// MaxAttempts bounds how often Ingest re-reads candidates that moved
	// between lookup and commit.
	MaxAttempts int
}

// IngestOption customizes a single Ingest call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	parent string
}

// WithParent links the ingested item to an already resolved parent item.
func WithParent(uuid string) IngestOption {
	return func(o *ingestOptions) { o.parent = uuid }
}

// errCandidatesMoved signals that the locked candidate set no longer covers
// what the transaction sees.
var errCandidatesMoved = errors.New("candidates moved")

// Resolver matches drafts against the catalog store.
type Resolver struct {
	store  catalog.Store
	ids    catalog.IDGenerator
	rules  SiteRules
	policy catalog.MergePolicy
	tries  int
	locks  *KeyedLocker
	logger *zap.Logger
}

// New builds a Resolver. A nil logger is replaced by a no-op logger.
func New(store catalog.Store, ids catalog.IDGenerator, rules SiteRules, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy == "" {
		cfg.Policy = catalog.MergeWinnerFirst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Resolver{
		store:  store,
		ids:    ids,
		rules:  rules,
		policy: cfg.Policy,
		tries:  cfg.MaxAttempts,
		locks:  NewKeyedLocker(),
		logger: logger.Named("resolver"),
	}
}

func resourceLock(key catalog.ResourceKey) string { return "res:" + key.String() }
func itemLock(uuid string) string                { return "item:" + uuid }

func itemLocks(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = itemLock(u)
	}
	return out
}

// Ingest resolves draft against the catalog and persists the result.
func (r *Resolver) Ingest(ctx context.Context, draft catalog.Draft, opts ...IngestOption) (Outcome, error) {
	if err := draft.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", catalog.ErrParseFailure, err)
	}
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "resolver.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("catalog.resource", draft.Key().String()))

	keys := catalog.IdentityKeys(draft.Category, draft.Metadata, draft.LookupIDs)
	unlock := r.locks.Lock(append([]string{resourceLock(draft.Key())}, keys...)...)
	defer unlock()

	for attempt := 1; attempt <= r.tries; attempt++ {
		candidates, err := r.candidates(ctx, draft.Key(), keys)
		if err != nil {
			return Outcome{}, recordFailure(span, err)
		}
		unlockItems := r.locks.Lock(itemLocks(candidates)...)
		out, err := r.ingestLocked(ctx, draft, keys, o.parent, candidates)
		unlockItems()
		if errors.Is(err, errCandidatesMoved) {
			r.logger.Debug("ingest candidates moved, retrying",
				zap.String("resource", draft.Key().String()), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return Outcome{}, recordFailure(span, err)
		}
		metrics.ObserveIngest(string(out.Kind))
		span.SetAttributes(
			attribute.String("catalog.outcome", string(out.Kind)),
			attribute.String("catalog.item", out.Item.UUID),
		)
		fields := []zap.Field{
			zap.String("resource", draft.Key().String()),
			zap.String("outcome", string(out.Kind)),
			zap.String("item", out.Item.UUID),
		}
		if out.Review != nil {
			fields = append(fields, zap.Strings("review_candidates", out.Review.Candidates))
		}
		r.logger.Info("ingested resource", fields...)
		return out, nil
	}
	return Outcome{}, recordFailure(span,
		fmt.Errorf("%w: candidates for %s kept changing", catalog.ErrDuplicateConflict, draft.Key()))
}

// candidates reads, outside any write transaction, the items an ingest of
// key may touch.
func (r *Resolver) candidates(ctx context.Context, key catalog.ResourceKey, keys []string) ([]string, error) {
	set := map[string]struct{}{}
	err := r.store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
		res, err := tx.GetResource(ctx, key)
		switch {
		case err == nil && res.ItemUUID != "":
			set[res.ItemUUID] = struct{}{}
			owner, err := tx.Get(ctx, res.ItemUUID)
			if err != nil && !errors.Is(err, catalog.ErrNotFound) {
				return fmt.Errorf("load owner %s: %w", res.ItemUUID, err)
			}
			if err == nil && owner.State == catalog.StateMerged {
				set[owner.MergedTo] = struct{}{}
			}
		case err != nil && !errors.Is(err, catalog.ErrNotFound):
			return fmt.Errorf("load resource %s: %w", key, err)
		}
		if len(keys) == 0 {
			return nil
		}
		found, err := tx.FindByIdentity(ctx, keys)
		if err != nil {
			return fmt.Errorf("find by identity: %w", err)
		}
		for _, it := range found {
			set[it.UUID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return setToSorted(set), nil
}

func (r *Resolver) ingestLocked(
	ctx context.Context,
	draft catalog.Draft,
	keys []string,
	parent string,
	candidates []string,
) (Outcome, error) {
	locked := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		locked[c] = struct{}{}
	}
	var out Outcome
	err := r.store.Update(ctx, func(ctx context.Context, tx catalog.Tx) error {
		owner, err := r.activeOwner(ctx, tx, draft.Key())
		if err != nil {
			return err
		}
		if owner != nil {
			if _, ok := locked[owner.UUID]; !ok {
				return errCandidatesMoved
			}
			out, err = r.refresh(ctx, tx, *owner, draft, parent)
			return err
		}
		matches, err := r.identityMatches(ctx, tx, draft, keys)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if _, ok := locked[m.UUID]; !ok {
				return errCandidatesMoved
			}
		}
		switch len(matches) {
		case 0:
			out, err = r.create(ctx, tx, draft, parent, nil, keys)
		case 1:
			out, err = r.attach(ctx, tx, matches[0], draft, parent)
		default:
			out, err = r.create(ctx, tx, draft, parent, matches, keys)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, catalog.ErrResourceOwned) {
			return Outcome{}, fmt.Errorf("%w: %w", catalog.ErrDuplicateConflict, err)
		}
		if errors.Is(err, errCandidatesMoved) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("ingest %s: %w", draft.Key(), err)
	}
	return out, nil
}

// activeOwner returns the live item owning key, following one merge hop.
// Detached resources and deleted owners yield nil.
func (r *Resolver) activeOwner(ctx context.Context, tx catalog.Tx, key catalog.ResourceKey) (*catalog.Item, error) {
	res, err := tx.GetResource(ctx, key)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load resource %s: %w", key, err)
	}
	if res.ItemUUID == "" {
		return nil, nil
	}
	owner, err := canonicalTx(ctx, tx, res.ItemUUID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !owner.Active() {
		return nil, nil
	}
	return &owner, nil
}

// identityMatches finds active items of the draft's category sharing an
// identity key, minus those that already hold a different id on the draft's
// exclusive site.
func (r *Resolver) identityMatches(ctx context.Context, tx catalog.Tx, draft catalog.Draft, keys []string) ([]catalog.Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	found, err := tx.FindByIdentity(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("find by identity: %w", err)
	}
	exclusive := r.rules != nil && r.rules.Exclusive(draft.Site)
	out := make([]catalog.Item, 0, len(found))
	for _, it := range found {
		if !it.Active() || it.Category != draft.Category {
			continue
		}
		if exclusive {
			owned, err := tx.ResourcesOf(ctx, it.UUID)
			if err != nil {
				return nil, fmt.Errorf("list resources of %s: %w", it.UUID, err)
			}
			if holdsOtherID(owned, draft.Site, draft.SiteID) {
				continue
			}
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out, nil
}

func holdsOtherID(owned []catalog.ExternalResource, site, id string) bool {
	for _, res := range owned {
		if res.Site == site && res.SiteID != id {
			return true
		}
	}
	return false
}

// refresh applies a re-fetched resource to the item that already owns it.
func (r *Resolver) refresh(ctx context.Context, tx catalog.Tx, owner catalog.Item, draft catalog.Draft, parent string) (Outcome, error) {
	next := owner.Clone()
	next.Metadata = catalog.Overlay(owner.Metadata, draft.Metadata)
	next.LookupIDs = owner.LookupIDs.Overlay(draft.LookupIDs)
	if parent != "" && next.ParentUUID == "" {
		next.ParentUUID = parent
	}
	return r.saveWithResource(ctx, tx, next, draft)
}

// attach adds a resource to the single item found by identity.
func (r *Resolver) attach(ctx context.Context, tx catalog.Tx, match catalog.Item, draft catalog.Draft, parent string) (Outcome, error) {
	next := match.Clone()
	next.Metadata = catalog.FillGaps(match.Metadata, draft.Metadata)
	next.LookupIDs = match.LookupIDs.Union(draft.LookupIDs)
	if parent != "" && next.ParentUUID == "" {
		next.ParentUUID = parent
	}
	return r.saveWithResource(ctx, tx, next, draft)
}

func (r *Resolver) saveWithResource(ctx context.Context, tx catalog.Tx, next catalog.Item, draft catalog.Draft) (Outcome, error) {
	saved, err := tx.Save(ctx, next)
	if err != nil {
		return Outcome{}, fmt.Errorf("save item %s: %w", next.UUID, err)
	}
	res := draft.Resource(saved.UUID)
	if err := tx.PutResource(ctx, res); err != nil {
		return Outcome{}, fmt.Errorf("attach resource %s: %w", res.Key(), err)
	}
	return Outcome{Kind: Updated, Item: saved, Resource: res}, nil
}

// create starts a new item. With more than one identity match the new item is
// flagged and a review entry records the ambiguity.
func (r *Resolver) create(
	ctx context.Context,
	tx catalog.Tx,
	draft catalog.Draft,
	parent string,
	matches []catalog.Item,
	keys []string,
) (Outcome, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return Outcome{}, err
	}
	ids := draft.LookupIDs.Clone()
	if ids == nil {
		ids = catalog.LookupIDs{}
	}
	created, err := tx.Create(ctx, catalog.Item{
		UUID:        id,
		Category:    draft.Category,
		Metadata:    draft.Metadata.Clone(),
		LookupIDs:   ids,
		State:       catalog.StateActive,
		ParentUUID:  parent,
		NeedsReview: len(matches) > 1,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("create item: %w", err)
	}
	res := draft.Resource(created.UUID)
	if err := tx.PutResource(ctx, res); err != nil {
		return Outcome{}, fmt.Errorf("attach resource %s: %w", res.Key(), err)
	}
	out := Outcome{Kind: Created, Item: created, Resource: res}
	if len(matches) > 1 {
		entry := catalog.ReviewEntry{
			ItemUUID:   created.UUID,
			Candidates: make([]string, 0, len(matches)),
			Keys:       sharedKeys(keys, matches),
		}
		for _, m := range matches {
			entry.Candidates = append(entry.Candidates, m.UUID)
		}
		if err := tx.AddReview(ctx, entry); err != nil {
			return Outcome{}, fmt.Errorf("record review: %w", err)
		}
		out.Review = &entry
	}
	return out, nil
}

func sharedKeys(keys []string, matches []catalog.Item) []string {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	set := map[string]struct{}{}
	for _, m := range matches {
		for _, k := range catalog.KeysOf(m) {
			if _, ok := want[k]; ok {
				set[k] = struct{}{}
			}
		}
	}
	return setToSorted(set)
}

// Canonical resolves uuid to its canonical item, following one merge hop.
// Deleted items are returned as they are; callers inspect the state.
func (r *Resolver) Canonical(ctx context.Context, uuid string) (catalog.Item, error) {
	var out catalog.Item
	err := r.store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
		var err error
		out, err = canonicalTx(ctx, tx, uuid)
		return err
	})
	return out, err
}

func canonicalTx(ctx context.Context, tx catalog.Tx, uuid string) (catalog.Item, error) {
	it, err := tx.Get(ctx, uuid)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("load item %s: %w", uuid, err)
	}
	if it.State != catalog.StateMerged {
		return it, nil
	}
	target, err := tx.Get(ctx, it.MergedTo)
	if err != nil {
		return catalog.Item{}, fmt.Errorf("load merge target %s of %s: %w", it.MergedTo, uuid, err)
	}
	return target, nil
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
