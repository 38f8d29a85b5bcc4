package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
)

func newMergeCmd(root *rootOptions) *cobra.Command {
	var (
		winner string
		losers []string
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate items into a winner",
		Long: `Merges one or more loser items into the winner. Resources, children and
earlier merges move to the winner. Exits with status 4 when the merge would
give one item two ids from the same exclusive site.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			winner = strings.TrimSpace(winner)
			if winner == "" || len(losers) == 0 {
				return usagef("--winner and at least one --loser are required")
			}
			if slices.Contains(losers, winner) {
				return usagef("winner %s is also listed as a loser", winner)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := appInstance.Resolver.Merge(cmd.Context(), winner, losers...)
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, outcome)
			}
			printOutcomes(cmd, []resolver.Outcome{outcome})
			fmt.Fprintf(cmd.OutOrStdout(), "%d items merged into %s\n", len(outcome.Losers), outcome.Item.UUID)
			return nil
		},
	}
	cmd.Flags().StringVar(&winner, "winner", "", "uuid of the item to keep")
	cmd.Flags().StringArrayVar(&losers, "loser", nil, "uuid of an item to merge away (repeatable)")
	return cmd
}

func newReviewCmd(root *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List items waiting for duplicate review",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := appInstance.Store.Reviews(cmd.Context(), all)
			if err != nil {
				return err
			}
			if root.json {
				if entries == nil {
					entries = []catalog.ReviewEntry{}
				}
				return writeJSON(cmd, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				resolved := ""
				if e.ResolvedAt != nil {
					resolved = e.ResolvedAt.Format(time.RFC3339)
				}
				rows = append(rows, []string{
					e.ItemUUID,
					strings.Join(e.Candidates, ", "),
					strings.Join(e.Keys, ", "),
					e.CreatedAt.Format(time.RFC3339),
					resolved,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Item", "Candidates", "Keys", "Created", "Resolved"}, rows)
			fmt.Fprintf(cmd.OutOrStdout(), "%d review entries\n", len(entries))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved entries")
	return cmd
}
