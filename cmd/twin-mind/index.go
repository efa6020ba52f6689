package main

import (
	"fmt"
	"io"
	"time"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewIndexCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bring the code index up to date",
		Long: `Index changed source files. Runs incrementally from the last indexed commit
when possible and falls back to a full scan otherwise.`,
		Args: cobra.NoArgs,
		RunE: makeIndexRunner(uc),
	}

	cmd.Flags().Bool("fresh", false, "Drop the code index and rebuild it from scratch")
	cmd.Flags().Bool("dry-run", false, "Show what would be indexed without writing")
	cmd.Flags().Bool("status", false, "Alias for --dry-run")
	cmd.Flags().Bool("watch", false, "Keep running and reindex on file changes")
	cmd.Flags().Duration("debounce", 2*time.Second, "Quiet period before a watch-triggered reindex")
	return cmd
}

func makeIndexRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		fresh, _ := cmd.Flags().GetBool("fresh")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		status, _ := cmd.Flags().GetBool("status")
		watch, _ := cmd.Flags().GetBool("watch")

		in := internal.IndexInput{Scope: rootFlag(cmd), Fresh: fresh, DryRun: dryRun || status}
		out, err := uc().Index.Execute(cmd.Context(), in)
		if err != nil {
			return err
		}
		if err := printIndexOutput(cmd, out); err != nil {
			return err
		}

		if !watch || in.DryRun {
			return nil
		}
		debounce, _ := cmd.Flags().GetDuration("debounce")
		in.Fresh = false
		return watchAndIndex(cmd, uc(), in, debounce)
	}
}

func printIndexOutput(cmd *cobra.Command, out *internal.IndexOutput) error {
	printWarnings(cmd, out.Warnings)
	if wantJSON(cmd) {
		return outputJSON(cmd, out)
	}

	w := cmd.OutOrStdout()
	if out.DryRun {
		printWorkSet(w, out.WorkSet)
		return nil
	}
	if out.UpToDate {
		fmt.Fprintln(w, "Index is up to date")
		return nil
	}

	fmt.Fprintf(w, "Indexed (%s): %d added, %d updated, %d deleted, %d unchanged\n",
		out.WorkSet.Mode, out.Added, out.Updated, out.Deleted, out.Unchanged)
	fmt.Fprintf(w, "%d frames, %d entities\n", out.FrameCount, out.Entities)
	for _, s := range out.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", s.Path, s.Reason)
	}
	return nil
}

func printWorkSet(w io.Writer, ws *internal.WorkSet) {
	fmt.Fprintf(w, "Mode: %s", ws.Mode)
	if ws.Reason != "" {
		fmt.Fprintf(w, " (%s)", ws.Reason)
	}
	fmt.Fprintln(w)

	for _, c := range ws.ToAdd {
		fmt.Fprintf(w, "  add     %s\n", c.Path)
	}
	for _, c := range ws.ToUpdate {
		fmt.Fprintf(w, "  update  %s\n", c.Path)
	}
	for _, p := range ws.ToDelete {
		fmt.Fprintf(w, "  delete  %s\n", p)
	}
	if len(ws.ToAdd)+len(ws.ToUpdate)+len(ws.ToDelete) == 0 {
		fmt.Fprintln(w, "Nothing to do")
	}
}
