package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/report"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize failed calls over a time window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		r, err := rangeFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s, err := newReportEngine(st, nil).Summarize(ctx, r)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return report.WriteJSON(os.Stdout, s)
		}
		formatSummary(os.Stdout, s)
		return nil
	},
}

func init() {
	addRangeFlags(reportCmd)
	reportCmd.Flags().Bool("json", false, "print the summary as JSON")
	rootCmd.AddCommand(reportCmd)
}

// formatSummary writes a human-readable summary to out.
func formatSummary(out io.Writer, s *model.Summary) {
	_, _ = fmt.Fprintf(out, "Calls %s to %s\n",
		s.Range.From.UTC().Format(time.RFC3339), s.Range.To.UTC().Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "Total: %d  Failed: %d  Failure rate: %.1f%%\n\n",
		s.TotalCalls, s.FailedCalls, s.FailureRate()*100)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "REASON\tCALLS")
	for _, reason := range model.Reasons {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", reason, s.CountsByReason[reason])
	}
	_ = w.Flush()

	if len(s.CountsByCause) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CAUSE\tDESCRIPTION\tREASON\tFAILED")
		for _, c := range s.CountsByCause {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", c.Cause, c.Description, c.Reason, c.Count)
		}
		_ = w.Flush()
	}

	for _, top := range []struct {
		title string
		list  []model.KeyCount
	}{
		{"TOP CALLERS", s.TopCallers},
		{"TOP DESTINATIONS", s.TopDestinations},
		{"TOP DEVICES", s.TopDevices},
	} {
		if len(top.list) == 0 {
			continue
		}
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "%s\tFAILED\n", top.title)
		for _, kc := range top.list {
			_, _ = fmt.Fprintf(w, "%s\t%d\n", kc.Key, kc.Count)
		}
		_ = w.Flush()
	}
}
