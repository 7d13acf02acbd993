package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDecayCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run one decay pass",
		Long: `Archive and prune old unlinked events, and lower the confidence of
records that have not been reinforced. Records whose confidence falls
below the thresholds are deprecated or forgotten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			report, err := mem.RunDecay(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintln(out, "Dry run, nothing was changed.")
			}
			fmt.Fprintf(out, "Events archived:    %d\n", report.Archived)
			fmt.Fprintf(out, "Events pruned:      %d\n", report.Pruned)
			fmt.Fprintf(out, "Kept by links:      %d\n", report.RetainedByLink)
			fmt.Fprintf(out, "Records decayed:    %d\n", report.SemanticDecayed)
			fmt.Fprintf(out, "Records deprecated: %d\n", report.SemanticDeprecated)
			fmt.Fprintf(out, "Records forgotten:  %d\n", report.SemanticForgotten)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would change without writing")
	return cmd
}

func newReflectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Run one reflection pass",
		Long: `Cluster recent events by target and turn recurring errors and
successful trajectories into draft proposals. Proposals that become
ready for review and win their competition are accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			res, err := mem.RunReflection(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proposals created: %d, updated: %d, accepted: %d\n",
				len(res.Created), len(res.Updated), len(res.Accepted))
			return nil
		},
	}
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the search index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "rebuild",
			Short: "Rebuild the index from the record files",
			RunE: func(cmd *cobra.Command, args []string) error {
				mem, err := openMemory(cmd)
				if err != nil {
					return err
				}
				defer mem.Close()

				report, err := mem.RebuildIndex(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d record(s)\n", report.Indexed)
				for _, id := range report.Skipped {
					fmt.Fprintf(cmd.OutOrStdout(), "  skipped %s\n", id)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Compare the index with the record files and repair drift",
			RunE: func(cmd *cobra.Command, args []string) error {
				mem, err := openMemory(cmd)
				if err != nil {
					return err
				}
				defer mem.Close()

				report, err := mem.VerifyIndex(cmd.Context())
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checked %d record(s): %d missing, %d stale, %d orphaned\n",
					report.Checked, report.Missing, report.Stale, report.Orphaned)
				if report.Rebuilt {
					fmt.Fprintln(cmd.OutOrStdout(), "Index rebuilt.")
				}
				return nil
			},
		},
	)
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the supersede graph invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			violations, err := mem.CheckInvariants(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				details := make([]map[string]string, 0, len(violations))
				for _, v := range violations {
					details = append(details, map[string]string{
						"invariant": string(v.Invariant),
						"detail":    v.Detail,
					})
				}
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{"violations": details}); err != nil {
					return err
				}
			} else if len(violations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All invariants hold.")
			} else {
				for _, v := range violations {
					fmt.Fprintln(cmd.OutOrStdout(), v.Error())
				}
			}
			if len(violations) > 0 {
				return fmt.Errorf("%d invariant violation(s)", len(violations))
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			stats, err := mem.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Namespace: %s\n", stats.Namespace)
			fmt.Fprintf(out, "Records:   %d\n", stats.Records)
			fmt.Fprintf(out, "Events:    %d\n", stats.Events)
			fmt.Fprintf(out, "Targets:   %d\n", stats.Targets)
			if stats.Vectors {
				fmt.Fprintf(out, "Vectors:   enabled (%s)\n", stats.Model)
			} else {
				fmt.Fprintln(out, "Vectors:   disabled")
			}
			return nil
		},
	}
}
