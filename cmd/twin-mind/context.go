package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewContextCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <query...>",
		Short: "Build a prompt-ready summary of relevant code and memories",
		Long: `Search code, memories and entities for the query and print the best
hits as one markdown document that stays within --max-tokens (about four
characters a token). Hits that do not fit are left out whole.`,
		Args: cobra.MinimumNArgs(1),
		RunE: makeContextRunner(uc),
	}

	cmd.Flags().IntP("max-tokens", "m", 0, "Token budget (default retrieval.context_tokens)")
	cmd.Flags().String("scope", "", "Only code and entities under this directory")
	return cmd
}

func makeContextRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		if maxTokens < 0 {
			return fmt.Errorf("--max-tokens must not be negative, got %d", maxTokens)
		}
		path, _ := cmd.Flags().GetString("scope")

		out, err := uc().Context.Execute(cmd.Context(), internal.ContextInput{
			Scope:      rootFlag(cmd),
			Query:      joinArgs(args),
			MaxTokens:  maxTokens,
			PathPrefix: path,
		})
		if err != nil {
			return err
		}

		printWarnings(cmd, out.Warnings)
		if wantJSON(cmd) {
			return outputJSON(cmd, out)
		}

		w := cmd.OutOrStdout()
		if out.Context == "" {
			fmt.Fprintf(w, "No relevant context found for: %s\n", out.Query)
			return nil
		}
		fmt.Fprintf(w, "# Context for: %s\n\n%s", out.Query, out.Context)
		fmt.Fprintf(w, "\n---\n_Generated from %d code files, %d memories and %d symbols_\n",
			out.CodeResults, out.MemoryResults, out.EntityResults)
		if out.Truncated {
			fmt.Fprintln(w, "_Some results were left out to fit the token budget_")
		}
		return nil
	}
}
