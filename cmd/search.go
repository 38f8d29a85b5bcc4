package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/extsearch"
	"github.com/JakeFAU/culture-catalog/internal/index"
)

func newSearchCmd(root *rootOptions) *cobra.Command {
	var (
		query string
		page  int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the catalog index",
		Long: `Searches the local index. The query accepts free text plus the filters
category:NAME, year:YYYY, year:A..B and tag:NAME.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(query) == "" {
				return usagef("--query is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			q, err := index.ParseQuery(query, page, appInstance.Config.Server.SearchPageSize)
			if err != nil {
				return usagef("%v", err)
			}
			res, err := appInstance.Index.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			if root.json {
				if res.Hits == nil {
					res.Hits = []index.Document{}
				}
				return writeJSON(cmd, res)
			}
			rows := make([][]string, 0, len(res.Hits))
			for _, doc := range res.Hits {
				rows = append(rows, []string{
					doc.UUID,
					string(doc.Category),
					truncate(doc.Title, 48),
					yearString(doc.Year),
					truncate(strings.Join(doc.People, ", "), 32),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Item", "Category", "Title", "Year", "People"}, rows,
				alignLeft, alignLeft, alignLeft, alignRight)
			fmt.Fprintf(cmd.OutOrStdout(), "%d results (page %d)\n", res.Total, res.Page)
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "search text and filters")
	cmd.Flags().IntVar(&page, "page", 1, "result page")
	return cmd
}

func newExtSearchCmd(root *rootOptions) *cobra.Command {
	var (
		query    string
		category string
		page     int
	)
	cmd := &cobra.Command{
		Use:   "extsearch",
		Short: "Search the supported external sites",
		Long: `Queries every external site that can search the requested category and
merges their answers. Sites that fail are listed and do not fail the search.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := extsearch.Query{Text: query, Page: page}
			if category != "" {
				c, err := catalog.ParseCategory(category)
				if err != nil {
					return usagef("%v", err)
				}
				q.Category = c
			}
			if _, err := extsearch.Normalize(q); err != nil {
				return usagef("%v", err)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := appInstance.External.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(cmd, resp)
			}
			rows := make([][]string, 0, len(resp.Results))
			for _, r := range resp.Results {
				rows = append(rows, []string{
					r.Site,
					string(r.Category),
					truncate(r.Title, 48),
					yearString(r.Year),
					truncate(r.URL, 60),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"Site", "Category", "Title", "Year", "URL"}, rows,
				alignLeft, alignLeft, alignLeft, alignRight)
			failed := make([]string, 0, len(resp.Errors))
			for site := range resp.Errors {
				failed = append(failed, site)
			}
			sort.Strings(failed)
			for _, site := range failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", site, resp.Errors[site])
			}
			fmt.Fprintln(cmd.OutOrStdout(), strconv.Itoa(len(resp.Results))+" results")
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "search text")
	cmd.Flags().StringVar(&category, "category", "", "restrict to one category")
	cmd.Flags().IntVar(&page, "page", 1, "result page (1-10)")
	return cmd
}
