package main

import (
	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewReindexCmd(uc func() *internal.UseCases) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Back up the code index and rebuild it from scratch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := uc().Reindex.Execute(cmd.Context(), internal.ReindexInput{Scope: rootFlag(cmd)})
			if err != nil {
				return err
			}
			return printIndexOutput(cmd, out)
		},
	}
}
