package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/culture-catalog/internal/ingest"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
)

// newSaveCmd creates 'save', also invoked as 'parse'. Parse only prints the
// extracted draft unless --save is given.
func newSaveCmd(root *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:     "save <url>",
		Aliases: []string{"parse"},
		Short:   "Fetch a supported URL and save it into the catalog",
		Long: `Fetches the page behind a supported URL, extracts its metadata and
resolves it into a catalog item. Invoked as 'parse' it only prints what was
extracted, unless --save is also given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.CalledAs() == "parse" && !save {
				draft, err := appInstance.Ingest.Parse(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if root.json {
					return writeJSON(cmd, draft)
				}
				printTable(cmd.OutOrStdout(),
					[]string{"Site", "ID", "Category", "Title", "Year"},
					[][]string{{draft.Site, draft.SiteID, string(draft.Category), draft.Metadata.Title, yearString(draft.Metadata.Year)}},
					alignLeft, alignLeft, alignLeft, alignLeft, alignRight)
				return nil
			}

			outcome, err := appInstance.Ingest.Save(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, outcome)
			}
			printOutcomes(cmd, []resolver.Outcome{outcome})
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "when invoked as parse, also save the result")
	return cmd
}

// newCrawlCmd creates 'crawl', which saves the seed and the supported
// resources linked from it.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	var opts ingest.CrawlOptions
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Save a URL and the supported resources linked from it",
		Long: `Starts at the given URL and follows links to supported sites, or within
the seed's host, up to --depth hops. Every supported page is saved. Pages
that fail are reported and do not stop the crawl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Concurrency <= 0 {
				opts.Concurrency = int(appInstance.Config.Fetcher.Concurrency)
			}
			results, err := appInstance.Ingest.Crawl(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
				}
			}
			if root.json {
				type row struct {
					URL     string            `json:"url"`
					Depth   int               `json:"depth"`
					Outcome *resolver.Outcome `json:"outcome,omitempty"`
					Error   string            `json:"error,omitempty"`
				}
				out := make([]row, 0, len(results))
				for _, r := range results {
					item := row{URL: r.URL, Depth: r.Depth, Outcome: r.Outcome}
					if r.Err != nil {
						item.Error = r.Err.Error()
					}
					out = append(out, item)
				}
				if err := writeJSON(cmd, out); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					status, uuid, title := "visited", "", ""
					switch {
					case r.Err != nil:
						status = "error: " + truncate(r.Err.Error(), 48)
					case r.Outcome != nil:
						status = string(r.Outcome.Kind)
						uuid = r.Outcome.Item.UUID
						title = truncate(r.Outcome.Item.Title(), 40)
					}
					rows = append(rows, []string{strconv.Itoa(r.Depth), truncate(r.URL, 60), status, uuid, title})
				}
				printTable(cmd.OutOrStdout(), []string{"Depth", "URL", "Status", "Item", "Title"}, rows, alignRight)
				fmt.Fprintf(cmd.OutOrStdout(), "%d visited, %d failed\n", len(results), failed)
			}
			if failed > 0 && failed == len(results) {
				return fmt.Errorf("crawl of %s failed for every page", args[0])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Depth, "depth", 1, "link hops to follow from the seed")
	cmd.Flags().IntVar(&opts.Max, "max", 100, "maximum URLs to visit, seed included")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "URLs processed at once (0 uses fetcher.concurrency)")
	return cmd
}

func printOutcomes(cmd *cobra.Command, outcomes []resolver.Outcome) {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		review := ""
		if o.Review != nil {
			review = fmt.Sprintf("%d candidates", len(o.Review.Candidates))
		}
		rows = append(rows, []string{
			string(o.Kind),
			o.Item.UUID,
			string(o.Item.Category),
			truncate(o.Item.Title(), 48),
			strconv.FormatInt(o.Item.Version, 10),
			review,
		})
	}
	printTable(cmd.OutOrStdout(), []string{"Outcome", "Item", "Category", "Title", "Version", "Review"}, rows,
		alignLeft, alignLeft, alignLeft, alignLeft, alignRight)
}

func yearString(year int) string {
	if year == 0 {
		return ""
	}
	return strconv.Itoa(year)
}
