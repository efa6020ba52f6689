package main

import (
	"errors"
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewRememberCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remember <message...>",
		Aliases: []string{"r"},
		Short:   "Store a memory",
		Long: `Store a memory in the local store or the shared decision log. Without
--share or --local the share_memories setting decides.`,
		Args: cobra.MinimumNArgs(1),
		RunE: makeRememberRunner(uc),
	}

	cmd.Flags().StringP("tag", "t", "", "Category tag (default: general)")
	cmd.Flags().Bool("share", false, "Append to the shared decision log")
	cmd.Flags().Bool("local", false, "Keep the memory on this machine")
	cmd.Flags().String("supersedes", "", "ID of the shared entry this one replaces")
	cmd.MarkFlagsMutuallyExclusive("share", "local")
	return cmd
}

func makeRememberRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		message := joinArgs(args)
		if message == "" {
			return errors.New("message is empty")
		}
		tag, _ := cmd.Flags().GetString("tag")
		share, _ := cmd.Flags().GetBool("share")
		local, _ := cmd.Flags().GetBool("local")
		supersedes, _ := cmd.Flags().GetString("supersedes")

		var dest internal.Destination
		switch {
		case share:
			dest = internal.DestinationShared
		case local:
			dest = internal.DestinationLocal
		}

		out, err := uc().Remember.Execute(cmd.Context(), internal.RememberInput{
			Scope:       rootFlag(cmd),
			Message:     message,
			Tag:         tag,
			Destination: dest,
			Supersedes:  supersedes,
		})
		if err != nil {
			return err
		}

		if out.Advisory != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "note: %s\n", out.Advisory)
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}
		if out.Duplicate {
			fmt.Fprintf(cmd.ErrOrStderr(), "Skipped: near-duplicate of %s\n", out.DuplicateOf)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Remembered (%s, %s) %s\n", out.Entry.Destination, out.Entry.Tag, out.Entry.ID)
		return nil
	}
}
