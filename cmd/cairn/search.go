package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/pkg/cairn"
)

// newSearchCmd creates the search subcommand.
func newSearchCmd() *cobra.Command {
	var (
		topK       int
		sourceType string
		project    string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long: `Search runs a hybrid query: lexical and vector rankings fused by
reciprocal rank. Results carry the source document and section so answers
can be verified.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			results, err := client.Search(cmd.Context(), cairn.SearchRequest{
				Query:      strings.Join(args, " "),
				TopK:       topK,
				SourceType: sourceType,
				Project:    project,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if outputJSON {
				return printJSON(results)
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if len(results) == 0 {
				ui.Info("No results")
				return nil
			}

			for i, res := range results {
				title := res.DocumentTitle
				if res.SectionPath != nil && *res.SectionPath != "" {
					title += " › " + *res.SectionPath
				}
				fmt.Printf("%2d. %s  (score %.4f)\n", i+1, title, res.Score)
				fmt.Printf("    %s\n", snippet(res.Content, 160))
				if res.SourceID != "" {
					fmt.Printf("    %s\n", res.SourceID)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&topK, "top-k", 10, "number of results")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "filter by source type (markdown, csv, pdf, spreadsheet)")
	cmd.Flags().StringVar(&project, "project", "", "filter by project")

	return cmd
}

// snippet collapses whitespace and truncates for one-line display.
func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
