package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "twin-mind",
		Short: "Project memory for coding agents",
		Long: `twin-mind keeps a searchable index of your code next to two memory layers:
local notes that stay on this machine and shared decisions committed with the repository.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	setHelpWithPlugins(rootCmd)

	if a != nil {
		rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
			a.verbose, _ = cmd.Flags().GetBool("verbose")
		}
	}
	addSubcommands(rootCmd, a)

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("root", "C", "", "Project root (default: nearest initialized ancestor)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging on stderr")
}

// addSubcommands registers every command. With a nil app only the command
// tree is built, which is enough to list names.
func addSubcommands(root *cobra.Command, a *app) {
	uc := func() *internal.UseCases { return a.uc }

	root.AddCommand(
		NewInitCmd(uc),
		NewIndexCmd(uc),
		NewRememberCmd(uc),
		NewSearchCmd(uc),
		NewAskCmd(uc),
		NewContextCmd(uc),
		NewRecentCmd(uc),
		NewStatusCmd(uc),
		NewPruneCmd(uc),
		NewDoctorCmd(uc),
		NewResetCmd(uc),
		NewReindexCmd(uc),
		NewEntitiesCmd(uc),
		NewHookCmd(uc),
		NewSkillCmd(),
	)
}

func setHelpWithPlugins(cmd *cobra.Command) {
	defaultHelp := cmd.HelpFunc()

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		if c == c.Root() {
			printPlugins(c)
		}
	})
}

func printPlugins(cmd *cobra.Command) {
	plugins := listPlugins()
	if len(plugins) == 0 {
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nPlugins (twin-mind-*):")
	for _, name := range plugins {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
	}
}
