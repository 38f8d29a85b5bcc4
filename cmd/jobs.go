package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/culture-catalog/internal/jobs"
)

func newIntegrityCmd(root *rootOptions) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Check the catalog for broken invariants and optionally repair them",
		Long: `Scans every item and external resource for broken invariants such as
merge chains, dangling resources and duplicate identities. With --fix each
violation is repaired and recorded in the job ledger. Exits with status 3
while violations remain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Jobs.Integrity(cmd.Context(), fix)
			if err != nil {
				return err
			}
			if root.json {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(report.Violations))
				for _, v := range report.Violations {
					subject := v.ItemUUID
					if subject == "" {
						subject = v.Resource
					}
					queued := ""
					if v.Queued {
						queued = "yes"
					}
					rows = append(rows, []string{v.Check, subject, truncate(v.Detail, 60), queued})
				}
				printTable(cmd.OutOrStdout(), []string{"Check", "Subject", "Detail", "Queued"}, rows)
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d found, %d remaining\n",
					report.Run.ID, len(report.Violations), report.Remaining)
			}
			if report.Remaining > 0 {
				return withCode(exitViolations, fmt.Errorf("%d integrity violations remain", report.Remaining))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "repair violations")
	return cmd
}

func newPurgeCmd(root *rootOptions) *cobra.Command {
	var (
		fix       bool
		retention time.Duration
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove deleted items past the retention window",
		Long: `Lists deleted items older than the retention window that nothing refers
to any more. With --fix they are removed for good. Exits with status 3 when
a fix run had eligible items but purged none.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if retention < 0 {
				return usagef("--retention must not be negative")
			}
			report, err := appInstance.Jobs.Purge(cmd.Context(), fix, retention)
			if err != nil {
				return err
			}
			if root.json {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				purged := make(map[string]struct{}, len(report.Purged))
				for _, uuid := range report.Purged {
					purged[uuid] = struct{}{}
				}
				rows := make([][]string, 0, len(report.Eligible)+len(report.Skipped))
				for _, uuid := range report.Eligible {
					status := "eligible"
					if _, ok := purged[uuid]; ok {
						status = "purged"
					}
					rows = append(rows, []string{uuid, status, ""})
				}
				for _, skip := range report.Skipped {
					rows = append(rows, []string{skip.UUID, "skipped", skip.Reason})
				}
				printTable(cmd.OutOrStdout(), []string{"Item", "Status", "Reason"}, rows)
				fmt.Fprintf(cmd.OutOrStdout(), "run %s: cutoff %s, %d eligible, %d purged\n",
					report.Run.ID, report.Cutoff.Format(time.RFC3339), len(report.Eligible), len(report.Purged))
			}
			if report.Stalled() {
				return withCode(exitViolations, fmt.Errorf("%d items eligible but none purged", len(report.Eligible)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "remove eligible items")
	cmd.Flags().DurationVar(&retention, "retention", 0, "retention window (0 uses jobs.retention)")
	return cmd
}

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var (
		name string
		list bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run a named catalog migration",
		Long: `Runs one of the shipped migrations. Migrations are versioned and run at
most once; a migration that already completed is skipped. Use --list to see
what is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				all := jobs.Migrations()
				if root.json {
					return writeJSON(cmd, all)
				}
				rows := make([][]string, 0, len(all))
				for _, m := range all {
					rows = append(rows, []string{m.Name, strconv.Itoa(m.Version), m.Description})
				}
				printTable(cmd.OutOrStdout(), []string{"Name", "Version", "Description"}, rows, alignLeft, alignRight)
				return nil
			}
			if strings.TrimSpace(name) == "" {
				return usagef("--name or --list is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Jobs.Migrate(cmd.Context(), name)
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, report)
			}
			status := string(report.Run.Status)
			if report.Skipped {
				status = "already applied"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migration %s v%d: %s\n", report.Name, report.Version, status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "migration to run")
	cmd.Flags().BoolVar(&list, "list", false, "list available migrations")
	return cmd
}
