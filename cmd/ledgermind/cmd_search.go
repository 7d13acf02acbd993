package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/search"
)

func newSearchCmd() *cobra.Command {
	var (
		limit int
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search records by keyword and meaning",
		Long: `Search the namespace for records matching a query.

Keyword and vector matches are fused, superseded matches are followed to
their active successor, and results are ordered by score, evidence links
and recency.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			results, err := mem.Search(cmd.Context(), memory.SearchInput{
				Query: strings.Join(args, " "),
				Limit: limit,
				Mode:  mode,
			})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"query":   strings.Join(args, " "),
					"results": results,
					"count":   len(results),
				})
			}
			printResults(cmd, results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVar(&mode, "mode", "balanced", "Resolution mode: strict, balanced, audit")
	return cmd
}

func printResults(cmd *cobra.Command, results []search.Result) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No matching records.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. [%.3f] %s  %s: %s\n", i+1, r.Score, r.Record.ID, r.Record.Target, r.Record.Title)
		if r.MatchedID != "" && r.MatchedID != r.Record.ID {
			fmt.Fprintf(out, "   via superseded %s\n", r.MatchedID)
		}
		if r.Links > 0 {
			fmt.Fprintf(out, "   %d evidence link(s)", r.Links)
			if r.Evidence != "" {
				fmt.Fprintf(out, ", latest: %s", r.Evidence)
			}
			fmt.Fprintln(out)
		}
	}
}
