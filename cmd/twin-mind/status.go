package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewStatusCmd(uc func() *internal.UseCases) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index freshness and store sizes",
		Args:  cobra.NoArgs,
		RunE:  makeStatusRunner(uc),
	}
}

func makeStatusRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		out, err := uc().Status.Execute(cmd.Context(), internal.StatusInput{Scope: rootFlag(cmd)})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Root:      %s\n", out.Root)
		if out.Branch != "" {
			fmt.Fprintf(w, "Branch:    %s\n", out.Branch)
		}
		if out.IndexedAt.IsZero() {
			fmt.Fprintln(w, "Indexed:   never")
		} else {
			fmt.Fprintf(w, "Indexed:   %s (%d files, %d entities)\n", humanize.Time(out.IndexedAt), out.Files, out.Entities)
		}
		if out.LastCommit != "" {
			fmt.Fprintf(w, "Commit:    %s", shortCommit(out.LastCommit))
			if out.CommitsBehind > 0 {
				fmt.Fprintf(w, " (%d behind HEAD)", out.CommitsBehind)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Shared:    %d decisions\n", out.SharedLines)
		fmt.Fprintf(w, "Default:   %s\n", defaultDestination(out.ShareMemories))

		fmt.Fprintln(w, "\nStores:")
		for _, s := range out.Stores {
			printStoreLine(cmd, s)
		}
		return nil
	}
}

func printStoreLine(cmd *cobra.Command, s internal.StoreReport) {
	w := cmd.OutOrStdout()
	if !s.Exists {
		fmt.Fprintf(w, "  %-10s missing\n", s.Name)
		return
	}
	line := fmt.Sprintf("  %-10s %8s", s.Name, humanize.Bytes(uint64(s.Bytes)))
	if s.Limit > 0 {
		line += fmt.Sprintf(" / %s", humanize.Bytes(uint64(s.Limit)))
	}
	line += fmt.Sprintf("  %d frames", s.Frames)
	if s.OverLimit {
		line += "  OVER LIMIT"
	}
	fmt.Fprintln(w, line)
}

func shortCommit(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func defaultDestination(share bool) internal.Destination {
	if share {
		return internal.DestinationShared
	}
	return internal.DestinationLocal
}
