package main

import (
	"fmt"

	"github.com/pego/twin-mind/internal"
	"github.com/spf13/cobra"
)

func NewDoctorCmd(uc func() *internal.UseCases) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check store health",
		Long: `Check store sizes, frame counts against the index state and the shared log
for malformed lines. --vacuum and --rebuild repair what they can.`,
		Args: cobra.NoArgs,
		RunE: makeDoctorRunner(uc),
	}

	cmd.Flags().Bool("vacuum", false, "Compact the local stores (backs them up first)")
	cmd.Flags().Bool("rebuild", false, "Rebuild full-text and derived indexes")
	return cmd
}

func makeDoctorRunner(uc func() *internal.UseCases) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		vacuum, _ := cmd.Flags().GetBool("vacuum")
		rebuild, _ := cmd.Flags().GetBool("rebuild")

		report, err := uc().Doctor.Execute(cmd.Context(), internal.DoctorInput{
			Scope:   rootFlag(cmd),
			Vacuum:  vacuum,
			Rebuild: rebuild,
		})
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, report)
		}

		w := cmd.OutOrStdout()
		for _, s := range report.Stores {
			printStoreLine(cmd, s)
		}
		for _, a := range report.Actions {
			fmt.Fprintf(w, "done: %s\n", a)
		}
		if report.Healthy() {
			fmt.Fprintln(w, "\nAll checks passed")
			return nil
		}
		fmt.Fprintln(w, "\nFindings:")
		for _, f := range report.Findings {
			fmt.Fprintf(w, "  - %s\n", f)
		}
		for _, m := range report.Malformed {
			fmt.Fprintf(w, "    line %d: %s\n", m.Line, m.Reason)
		}
		if len(report.Recommendations) > 0 {
			fmt.Fprintln(w, "\nRecommended:")
			for _, r := range report.Recommendations {
				fmt.Fprintf(w, "  - %s\n", r)
			}
		}
		return nil
	}
}
