package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewRecentCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent memories from both layers",
		Args:  cobra.NoArgs,
		RunE:  makeRecentRunner(uc),
	}

	cmd.Flags().IntP("number", "n", 10, "Maximum entries")
	return cmd
}

func makeRecentRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("number")

		out, err := uc().Recent.Execute(cmd.Context(), internal.RecentInput{
			Scope: rootFlag(cmd),
			Limit: limit,
		})
		if err != nil {
			return err
		}

		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}
		if len(out.Entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No memories yet")
			return nil
		}
		for _, e := range out.Entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-6s %-20s %s\n",
				humanize.Time(e.Timestamp), e.Destination, e.Tag, e.Message)
		}
		return nil
	}
}
