package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewPruneCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old or tagged memories",
		Long: `Remove memories older than --before or carrying --tag. With both filters
an entry matching either one is removed; --match-all (or prune.match: all)
removes only entries matching both. Every touched store is backed up first.`,
		Args: cobra.NoArgs,
		RunE: makePruneRunner(uc),
	}

	cmd.Flags().String("before", "", "Age or date cutoff, e.g. 30d, 12w or 2025-01-31")
	cmd.Flags().String("tag", "", "Only entries with this tag")
	cmd.Flags().String("target", "memory", "Stores to prune: memory, shared or all")
	cmd.Flags().Bool("match-all", false, "With --tag and --before, require both to match")
	cmd.Flags().Bool("dry-run", false, "List matches without removing them")
	return cmd
}

func makePruneRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		before, _ := cmd.Flags().GetString("before")
		tag, _ := cmd.Flags().GetString("tag")
		targetFlag, _ := cmd.Flags().GetString("target")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		matchAll, _ := cmd.Flags().GetBool("match-all")

		target, err := internal.ParsePruneTarget(targetFlag)
		if err != nil {
			return err
		}

		out, err := uc().Prune.Execute(cmd.Context(), internal.PruneInput{
			Scope:    rootFlag(cmd),
			Target:   target,
			Tag:      tag,
			Before:   before,
			MatchAll: matchAll,
			DryRun:   dryRun,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		for _, s := range out.Stores {
			if out.DryRun {
				fmt.Fprintf(w, "%s: %d would be removed\n", s.Store, len(s.Matched))
			} else {
				fmt.Fprintf(w, "%s: removed %d, kept %d\n", s.Store, s.Removed, s.Kept)
			}
			for _, e := range s.Matched {
				fmt.Fprintf(w, "  %s  %-20s %s\n", e.Timestamp.Format("2006-01-02"), e.Tag, e.Message)
			}
			if s.Backup != "" {
				fmt.Fprintf(w, "  backup: %s\n", s.Backup)
			}
		}
		return nil
	}
}
