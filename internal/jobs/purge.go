package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
)

// PurgeSkip explains why a deleted item was kept.
type PurgeSkip struct {
	UUID   string `json:"uuid"`
	Reason string `json:"reason"`
}

// PurgeReport is the outcome of a purge run.
type PurgeReport struct {
	Run      catalog.JobRun `json:"run"`
	Cutoff   time.Time      `json:"cutoff"`
	Eligible []string       `json:"eligible"`
	Skipped  []PurgeSkip    `json:"skipped,omitempty"`
	Purged   []string       `json:"purged,omitempty"`
}

// Stalled reports a fix run that had eligible items but removed none.
func (p PurgeReport) Stalled() bool {
	return p.Run.Fix && len(p.Eligible) > 0 && len(p.Purged) == 0
}

// Purge lists deleted items older than the retention window that nothing
// references any more. With fix set they are removed for good. A retention
// of zero uses the configured default.
func (r *Runner) Purge(ctx context.Context, fix bool, retention time.Duration) (PurgeReport, error) {
	if retention <= 0 {
		retention = r.cfg.Retention
	}
	report := PurgeReport{Cutoff: r.clock.Now().Add(-retention)}
	run, err := r.execute(ctx, JobPurge, fix, func(ctx context.Context, e *execution) error {
		filter := catalog.ItemFilter{States: []catalog.State{catalog.StateDeleted}}
		err := r.scanItems(ctx, filter, func(item catalog.Item) error {
			deletedAt := item.UpdatedAt
			if item.DeletedAt != nil {
				deletedAt = *item.DeletedAt
			}
			if !deletedAt.Before(report.Cutoff) {
				return nil
			}
			reason, err := r.purgeBlocker(ctx, item.UUID)
			if err != nil {
				return err
			}
			if reason != "" {
				report.Skipped = append(report.Skipped, PurgeSkip{UUID: item.UUID, Reason: reason})
				return nil
			}
			report.Eligible = append(report.Eligible, item.UUID)
			return nil
		})
		if err != nil {
			return err
		}
		e.count("eligible", len(report.Eligible))
		e.count("skipped", len(report.Skipped))
		if !fix {
			return nil
		}

		for _, uuid := range report.Eligible {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Re-check: something may have started pointing here since the scan.
			reason, err := r.purgeBlocker(ctx, uuid)
			if err != nil {
				return err
			}
			if reason != "" {
				e.logger.Info("purge candidate became referenced", zap.String("item", uuid), zap.String("reason", reason))
				continue
			}
			if err := r.store.HardDelete(ctx, uuid); err != nil {
				return fmt.Errorf("purge %s: %w", uuid, err)
			}
			report.Purged = append(report.Purged, uuid)
			e.act(ctx, catalog.Action{Kind: "purge_item", ItemUUID: uuid, Detail: "deleted item removed permanently"})
		}
		e.count("purged", len(report.Purged))
		return nil
	})
	report.Run = run
	return report, err
}

// purgeBlocker returns why uuid must be kept, or "".
func (r *Runner) purgeBlocker(ctx context.Context, uuid string) (string, error) {
	reason := ""
	err := r.store.View(ctx, func(ctx context.Context, tx catalog.Tx) error {
		merged, err := tx.MergedInto(ctx, uuid)
		if err != nil {
			return err
		}
		if len(merged) > 0 {
			reason = fmt.Sprintf("target of %d merge pointers", len(merged))
			return nil
		}
		owned, err := tx.ResourcesOf(ctx, uuid)
		if err != nil {
			return err
		}
		if len(owned) > 0 {
			reason = fmt.Sprintf("owns %d external resources", len(owned))
			return nil
		}
		children, err := tx.ChildrenOf(ctx, uuid)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.State != catalog.StateDeleted {
				reason = "parent of " + c.UUID
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("check references to %s: %w", uuid, err)
	}
	return reason, nil
}
