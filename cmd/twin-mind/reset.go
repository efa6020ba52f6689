package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewResetCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "reset <code|memory|all>",
		Short:     "Clear the code index, local memories or both",
		Long:      `Clear stores after backing them up. Without --force only the plan is printed. The shared decision log is never touched.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"code", "memory", "all"},
		RunE:      makeResetRunner(uc),
	}

	cmd.Flags().Bool("dry-run", false, "Print the plan only")
	cmd.Flags().BoolP("force", "f", false, "Apply the reset")
	return cmd
}

func makeResetRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		target, err := internal.ParseResetTarget(args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		force, _ := cmd.Flags().GetBool("force")

		out, err := uc().Reset.Execute(cmd.Context(), internal.ResetInput{
			Scope:  rootFlag(cmd),
			Target: target,
			DryRun: dryRun,
			Force:  force,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		for _, step := range out.Plan {
			fmt.Fprintf(w, "  %s\n", step)
		}
		if !out.Applied {
			fmt.Fprintln(w, "Nothing changed. Rerun with --force to apply.")
			return nil
		}
		for _, b := range out.Backups {
			fmt.Fprintf(w, "backup: %s\n", b)
		}
		fmt.Fprintf(w, "Reset %s\n", out.Target)
		return nil
	}
}
