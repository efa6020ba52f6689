package main

import (
	"fmt"
	"strings"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewSearchCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "search <query...>",
		Aliases: []string{"s"},
		Short:   "Search code, memories and entities",
		Args:    cobra.MinimumNArgs(1),
		RunE:    makeSearchRunner(uc),
	}

	cmd.Flags().String("in", "all", "Where to search: code, memory, entities or all")
	cmd.Flags().String("scope", "", "Only code and entities under this directory, e.g. src/auth/")
	cmd.Flags().IntP("top-k", "k", 0, "Maximum results (default from config)")
	cmd.Flags().Bool("no-adaptive", false, "Disable score-based result cutoff")
	cmd.Flags().Bool("full", false, "Show whole files for code results")
	cmd.Flags().IntP("context", "c", 0, "Show N lines around the match in code results")
	return cmd
}

func makeSearchRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		where, err := internal.ParseSearchScope(in)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("scope")
		topK, _ := cmd.Flags().GetInt("top-k")
		full, _ := cmd.Flags().GetBool("full")
		lines, _ := cmd.Flags().GetInt("context")
		if lines < 0 {
			return fmt.Errorf("--context must not be negative, got %d", lines)
		}

		input := internal.SearchInput{
			Scope:        rootFlag(cmd),
			Query:        joinArgs(args),
			In:           where,
			PathPrefix:   path,
			TopK:         topK,
			Full:         full,
			ContextLines: lines,
		}
		if noAdaptive, _ := cmd.Flags().GetBool("no-adaptive"); noAdaptive {
			adaptive := false
			input.Adaptive = &adaptive
		}

		return runSearch(cmd, uc, input)
	}
}

func runSearch(cmd *cobra.Command, uc func() *internal.UseCases, input internal.SearchInput) error {
	out, err := uc().Search.Execute(cmd.Context(), input)
	if err != nil {
		return err
	}

	printWarnings(cmd, out.Warnings)
	if wantJSON(cmd) {
		return outputJSON(cmd, out)
	}
	if len(out.Results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No results")
		return nil
	}
	for _, r := range out.Results {
		printSearchResult(cmd, r)
	}
	return nil
}

func printSearchResult(cmd *cobra.Command, r internal.SearchResult) {
	w := cmd.OutOrStdout()
	title := r.Title
	if title == "" {
		title = r.Locator
	}
	fmt.Fprintf(w, "%.3f  [%s] %s\n", r.Score, r.Source, title)
	if r.Locator != "" && r.Locator != title {
		fmt.Fprintf(w, "       %s\n", r.Locator)
	}
	if r.Tag != "" {
		fmt.Fprintf(w, "       %s\n", r.Tag)
	}
	if r.Line > 0 {
		for i, line := range strings.Split(r.Snippet, "\n") {
			fmt.Fprintf(w, "%6d | %s\n", r.Line+i, line)
		}
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(r.Snippet), "\n") {
		fmt.Fprintf(w, "       %s\n", line)
	}
}

// NewAskCmd is search over every store with a short result list.
func NewAskCmd(uc func() *internal.UseCases) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question...>",
		Short: "Ask a question across code, memories and entities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, uc, internal.SearchInput{
				Scope: rootFlag(cmd),
				Query: joinArgs(args),
				In:    internal.SearchAll,
				TopK:  5,
			})
		},
	}
}
