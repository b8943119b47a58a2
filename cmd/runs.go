package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-funnel/internal/ingest"
	"github.com/sells-group/lead-funnel/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ingestion run history",
	Long:  "Commands for listing, viewing, and summarizing sync and import runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := backend.Runs.List(ctx, source, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run, including its report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		source, _ := cmd.Flags().GetString("source")
		runs, err := backend.Runs.List(ctx, source, runsScanLimit)
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		run := findRun(runs, args[0])
		if run == nil {
			return eris.Errorf("runs show: run %s not found", args[0])
		}
		return printOutput(cmd, run)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		source, _ := cmd.Flags().GetString("source")
		since, _ := cmd.Flags().GetDuration("since")

		runs, err := backend.Runs.List(ctx, source, runsScanLimit)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var after time.Time
		if since > 0 {
			after = time.Now().Add(-since)
		}
		formatRunStats(cmd.OutOrStdout(), computeRunStats(runs, after))
		return nil
	},
}

// runsScanLimit bounds the history read by show and stats.
const runsScanLimit = 10000

func init() {
	runsListCmd.Flags().String("source", "", "filter by source system")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsShowCmd.Flags().String("source", "", "source system of the run")
	addFormatFlag(runsShowCmd)

	runsStatsCmd.Flags().String("source", "", "filter by source system")
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

func findRun(runs []runlog.Run, id string) *runlog.Run {
	for i := range runs {
		if fmt.Sprint(runs[i].ID) == id {
			return &runs[i]
		}
	}
	return nil
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	ByKind     map[string]int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics over the runs started after
// after. A zero after keeps every run.
func computeRunStats(runs []runlog.Run, after time.Time) runStats {
	s := runStats{ByKind: make(map[string]int)}

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if !after.IsZero() && r.StartedAt.Before(after) {
			continue
		}
		s.Total++
		s.ByKind[r.Kind]++
		switch r.Status {
		case runlog.StatusComplete:
			s.Complete++
			if r.CompletedAt != nil {
				totalDur += r.CompletedAt.Sub(r.StartedAt)
				durCount++
			}
		case runlog.StatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []runlog.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tKIND\tSTATUS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Source,
			r.Kind,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			truncate(r.Error, 40),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	for _, kind := range []string{ingest.KindCatalog, ingest.KindContacts, ingest.KindDeals, ingest.KindSpreadsheet, ingest.KindSurvey} {
		if n := s.ByKind[kind]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", kind, n)
		}
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
