package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/socialpulse/socialpulse/internal/models"
)

var runsFlags struct {
	Limit int
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show recent collection runs",
	Long: `Show recent collection runs, newest first, or one run with its error summary.

Example:
  socialpulse runs --limit 5
  socialpulse runs 5d1c9f3e-... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(runRuns),
}

func init() {
	runsCmd.Flags().IntVarP(&runsFlags.Limit, "limit", "n", 20, "Number of runs to show")
	RootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string, a *app) error {
	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		run, err := a.store.GetRun(ctx, args[0])
		if err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		if globalFlags.JSON {
			return printJSON(out, run)
		}
		printRun(cmd, run)
		return nil
	}

	if runsFlags.Limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	runs, err := a.store.ListRuns(ctx, runsFlags.Limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if globalFlags.JSON {
		if runs == nil {
			runs = []*models.CollectionRun{}
		}
		return printJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No collection runs yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tTRIGGER\tPLATFORM\tOK\tFAILED")
	for _, r := range runs {
		platform := r.PlatformFilter
		if platform == "" {
			platform = "all"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, formatTime(r.StartedAt), r.Status, r.Trigger, platform, r.Processed, r.Failed)
	}
	return w.Flush()
}

func printRun(cmd *cobra.Command, r *models.CollectionRun) {
	out := cmd.OutOrStdout()
	finished := "-"
	if r.FinishedAt != nil {
		finished = formatTime(*r.FinishedAt)
	}
	fmt.Fprintf(out, "Run:       %s\n", r.ID)
	fmt.Fprintf(out, "Status:    %s\n", r.Status)
	fmt.Fprintf(out, "Trigger:   %s\n", r.Trigger)
	fmt.Fprintf(out, "Started:   %s\n", formatTime(r.StartedAt))
	fmt.Fprintf(out, "Finished:  %s\n", finished)
	fmt.Fprintf(out, "Processed: %d\n", r.Processed)
	fmt.Fprintf(out, "Failed:    %d\n", r.Failed)
	if r.ErrorSummary != "" {
		fmt.Fprintf(out, "\nErrors:\n%s\n", r.ErrorSummary)
	}
}
