package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewEntitiesCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entities <name...>",
		Short: "Look up functions, types and methods by name",
		Args:  cobra.MinimumNArgs(1),
		RunE:  makeEntitiesRunner(uc),
	}

	cmd.Flags().String("kind", "", "Only this kind, e.g. function, method, struct, class")
	cmd.Flags().String("scope", "", "Only entities under this directory")
	cmd.Flags().IntP("limit", "n", 20, "Maximum results")

	for _, g := range []struct{ lookup, short string }{
		{internal.GraphCallers, "List call sites of a function or method"},
		{internal.GraphCallees, "List what a function or method calls"},
		{internal.GraphInherits, "List types that embed, extend or implement a type"},
		{internal.GraphImporters, "List files that import a module"},
	} {
		cmd.AddCommand(newRelationsCmd(uc, g.lookup, g.short))
	}
	return cmd
}

func newRelationsCmd(uc func() *internal.UseCases, lookup, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   lookup + " <symbol>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("scope")
			limit, _ := cmd.Flags().GetInt("limit")

			out, err := uc().Relations.Execute(cmd.Context(), internal.RelationsInput{
				Scope:      rootFlag(cmd),
				Lookup:     lookup,
				Symbol:     args[0],
				PathPrefix: path,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return outputJSON(cmd, out)
			}

			w := cmd.OutOrStdout()
			if len(out.Relations) == 0 {
				fmt.Fprintf(w, "No %s found for %s\n", lookup, args[0])
				return nil
			}
			for _, r := range out.Relations {
				if lookup == internal.GraphCallees {
					fmt.Fprintf(w, "%-40s %s\n", r.Target, r.Locator())
				} else {
					fmt.Fprintf(w, "%-40s %s\n", r.Source, r.Locator())
				}
			}
			return nil
		},
	}
	if lookup == internal.GraphInherits {
		cmd.Aliases = []string{"subclasses"}
	}

	cmd.Flags().String("scope", "", "Only edges in files under this directory")
	cmd.Flags().IntP("limit", "n", 20, "Maximum results")
	return cmd
}

func makeEntitiesRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		path, _ := cmd.Flags().GetString("scope")
		limit, _ := cmd.Flags().GetInt("limit")

		out, err := uc().Entities.Execute(cmd.Context(), internal.EntitiesInput{
			Scope:      rootFlag(cmd),
			Query:      joinArgs(args),
			Kind:       kind,
			PathPrefix: path,
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}

		for _, h := range out.Hits {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8s %-40s %s\n", h.Kind, h.Qualname, h.Locator())
		}
		return nil
	}
}
