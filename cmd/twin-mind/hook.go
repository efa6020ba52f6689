package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewHookCmd(uc func() *internal.UseCases) *cobra.Command {
	hookCmd := &cobra.Command{
		Use:   "hook",
		Short: "Manage the git post-commit hook",
		Long:  `Install a post-commit hook that keeps the code index current after every commit.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the post-commit hook",
		Args:  cobra.NoArgs,
		RunE:  makeHookInstallRunner(uc),
	}
	installCmd.Flags().BoolP("force", "f", false, "Replace an existing hook (kept as .bak)")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the post-commit hook",
		Args:  cobra.NoArgs,
		RunE:  makeHookUninstallRunner(uc),
	}

	runCmd := &cobra.Command{
		Use:    "run [hook-type]",
		Short:  "Execute a hook handler",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE:   makeHookRunRunner(uc),
	}

	hookCmd.AddCommand(installCmd, uninstallCmd, runCmd)
	return hookCmd
}

func makeHookInstallRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		force, _ := cmd.Flags().GetBool("force")
		out, err := uc().InstallHook.Execute(cmd.Context(), internal.InstallHookInput{
			Scope: rootFlag(cmd),
			Force: force,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}
		if out.Backup != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Existing hook saved to %s\n", out.Backup)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed post-commit hook at %s\n", out.Path)
		return nil
	}
}

func makeHookUninstallRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		out, err := uc().UninstallHook.Execute(cmd.Context(), internal.UninstallHookInput{Scope: rootFlag(cmd)})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}
		switch {
		case out.Restored:
			fmt.Fprintf(cmd.OutOrStdout(), "Removed hook and restored the previous one at %s\n", out.Path)
		case out.Removed:
			fmt.Fprintf(cmd.OutOrStdout(), "Removed hook at %s\n", out.Path)
		default:
			fmt.Fprintln(cmd.OutOrStdout(), "No twin-mind hook installed")
		}
		return nil
	}
}

// makeHookRunRunner never fails: a broken index must not break a commit.
func makeHookRunRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		hookType := args[0]
		if hookType != internal.HookPostCommit {
			fmt.Fprintf(cmd.ErrOrStderr(), "twin-mind hook: unsupported hook type %s\n", hookType)
			return nil
		}

		out, err := uc().Index.Execute(cmd.Context(), internal.IndexInput{Scope: rootFlag(cmd)})
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "twin-mind hook: %v\n", err)
			return nil
		}
		if !out.UpToDate {
			fmt.Fprintf(cmd.ErrOrStderr(), "twin-mind: indexed %d added, %d updated, %d deleted\n",
				out.Added, out.Updated, out.Deleted)
		}
		return nil
	}
}
