package main

import (
	"fmt"
	"os"
	"path/filepath"

	twinmind "github.com/pego/twin-mind"
	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

const skillName = "using-twin-mind"

func NewSkillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Manage agent skills",
		Long:  `Install the bundled skill that teaches coding agents to use twin-mind.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(newSkillInstallCmd())
	return cmd
}

func newSkillInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the " + skillName + " skill into .claude/skills/",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scope, err := internal.NewScopeResolver().Resolve(rootFlag(cmd))
			if err != nil {
				return err
			}

			data, err := twinmind.Skills.ReadFile("skills/" + skillName + "/SKILL.md")
			if err != nil {
				return fmt.Errorf("read embedded skill: %w", err)
			}

			dest := filepath.Join(scope.BrainPath, "skills", skillName, "SKILL.md")
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("create skill directory: %w", err)
			}
			if err := internal.WriteFileAtomic(dest, data, 0644); err != nil {
				return fmt.Errorf("write skill file: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s skill to %s\n", skillName, dest)
			return nil
		},
	}
}
