package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/culture-catalog/internal/app"
	"github.com/JakeFAU/culture-catalog/internal/index"
)

// newIndexCmds creates the idx-* maintenance commands.
func newIndexCmds(root *rootOptions) []*cobra.Command {
	return []*cobra.Command{
		newIdxInfoCmd(root),
		newIdxInitCmd(),
		newIdxDestroyCmd(),
		newIdxDeleteCmd(),
		newIdxReindexCmd(root),
		newIdxGetCmd(root),
		newIdxCatchupCmd(root),
	}
}

func newIdxInfoCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "idx-info",
		Short: "Show the state of the search index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			info, err := appInstance.Index.Info(cmd.Context())
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, info)
			}
			printTable(cmd.OutOrStdout(),
				[]string{"Backend", "Documents", "Removed", "Pending"},
				[][]string{{info.Backend, strconv.Itoa(info.Documents), strconv.Itoa(info.Removed), strconv.Itoa(info.Pending)}},
				alignLeft, alignRight, alignRight, alignRight)
			return nil
		},
	}
}

func newIdxInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "idx-init",
		Short: "Create the search index if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Index.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "index initialized")
			return nil
		},
	}
}

// destructive wraps an index operation that requires --yes.
func destructive(use, short, done string, op func(*cobra.Command, *app.App) error) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usagef("%s is destructive; pass --yes to confirm", use)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := op(cmd, appInstance); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive operation")
	return cmd
}

func newIdxDestroyCmd() *cobra.Command {
	return destructive("idx-destroy", "Drop the search index", "index destroyed",
		func(cmd *cobra.Command, a *app.App) error { return a.Index.Destroy(cmd.Context()) })
}

func newIdxDeleteCmd() *cobra.Command {
	return destructive("idx-delete", "Delete every document from the search index", "index emptied",
		func(cmd *cobra.Command, a *app.App) error { return a.Index.DeleteAll(cmd.Context()) })
}

func newIdxReindexCmd(root *rootOptions) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "idx-reindex",
		Short: "Rebuild the search index from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = appInstance.Config.Index.BatchSize
			}
			report, err := appInstance.Index.ReindexAll(cmd.Context(), batch)
			return printReport(cmd, root, report, err)
		},
	}
	cmd.Flags().IntVar(&batch, "batch-size", 0, "items per batch (0 uses index.batch_size)")
	return cmd
}

func newIdxCatchupCmd(root *rootOptions) *cobra.Command {
	var (
		hours int
		batch int
	)
	cmd := &cobra.Command{
		Use:   "idx-catchup",
		Short: "Reindex items changed in the last hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hours <= 0 {
				return usagef("--hour must be positive")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if batch <= 0 {
				batch = appInstance.Config.Index.BatchSize
			}
			since := appInstance.Clock.Now().Add(-time.Duration(hours) * time.Hour)
			report, err := appInstance.Index.Catchup(cmd.Context(), since, batch)
			return printReport(cmd, root, report, err)
		},
	}
	cmd.Flags().IntVar(&hours, "hour", 24, "look back this many hours")
	cmd.Flags().IntVar(&batch, "batch-size", 0, "items per batch (0 uses index.batch_size)")
	return cmd
}

func printReport(cmd *cobra.Command, root *rootOptions, report index.Report, err error) error {
	if err != nil {
		return err
	}
	if root.json {
		return writeJSON(cmd, report)
	}
	printTable(cmd.OutOrStdout(),
		[]string{"Batches", "Upserted", "Removed", "Failed"},
		[][]string{{strconv.Itoa(report.Batches), strconv.Itoa(report.Upserted), strconv.Itoa(report.Removed), strconv.Itoa(report.Failed)}},
		alignRight, alignRight, alignRight, alignRight)
	if report.Failed > 0 {
		return fmt.Errorf("%d items failed to index", report.Failed)
	}
	return nil
}

func newIdxGetCmd(root *rootOptions) *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   "idx-get [uuid]",
		Short: "Show the indexed document for an item or external URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (rawURL == "") {
				return usagef("pass either a uuid or --url")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			uuid := ""
			if len(args) == 1 {
				uuid = strings.TrimSpace(args[0])
			} else {
				uuid, err = itemForURL(cmd, appInstance, rawURL)
				if err != nil {
					return err
				}
			}
			doc, err := appInstance.Index.Get(cmd.Context(), uuid)
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, doc)
			}
			rows := [][]string{
				{"uuid", doc.UUID},
				{"category", string(doc.Category)},
				{"title", doc.Title},
				{"year", yearString(doc.Year)},
				{"people", strings.Join(doc.People, ", ")},
				{"language", doc.Language},
				{"tags", strings.Join(doc.Tags, ", ")},
				{"parent", doc.ParentUUID},
			}
			printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "external URL of the item")
	return cmd
}

// itemForURL finds the canonical item owning the resource behind rawURL.
func itemForURL(cmd *cobra.Command, a *app.App, rawURL string) (string, error) {
	handle, err := a.Registry.Resolve(rawURL)
	if err != nil {
		return "", err
	}
	res, err := a.Store.GetResource(cmd.Context(), handle.Key())
	if err != nil {
		return "", err
	}
	if res.ItemUUID == "" {
		return "", errors.New("resource is not attached to an item")
	}
	item, err := a.Resolver.Canonical(cmd.Context(), res.ItemUUID)
	if err != nil {
		return "", err
	}
	return item.UUID, nil
}
