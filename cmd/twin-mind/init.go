package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewInitCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the brain directory for this project",
		Long: `Create .claude/ in the current directory (or --root) with an empty shared
decision log, a default twin-mind.yaml and a .gitignore for the local stores.`,
		Args: cobra.NoArgs,
		RunE: makeInitRunner(uc),
	}

	cmd.Flags().Bool("share", false, "Route new memories to the shared log by default")
	return cmd
}

func makeInitRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		share, _ := cmd.Flags().GetBool("share")

		out, err := uc().Init.Execute(cmd.Context(), internal.InitInput{
			Scope:         rootFlag(cmd),
			ShareMemories: share,
		})
		if err != nil {
			return err
		}

		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}
		if out.Existed {
			fmt.Fprintf(cmd.OutOrStdout(), "Already initialized at %s\n", out.BrainPath)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized twin-mind at %s\n", out.BrainPath)
		return nil
	}
}
