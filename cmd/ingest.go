package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/report"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest new CDR files from the input directory",
	Long: "Scans cdr.input_dir for files named with cdr.file_prefix, skips files already in the ingestion " +
		"ledger, classifies every call and stores the records. Files with bad headers or too many bad lines " +
		"are reported and left for the next run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			cfg.CDR.InputDir = dir
		}
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events, err := initEvents()
		if err != nil {
			return err
		}
		defer events.Close() //nolint:errcheck

		eng, err := newIngestEngine(st, nil)
		if err != nil {
			return err
		}

		rep, runErr := runIngest(ctx, eng, events)
		if rep != nil {
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if err := report.WriteJSON(os.Stdout, rep); err != nil {
					return err
				}
			} else {
				formatRunReport(os.Stdout, rep)
			}
		}
		return runErr
	},
}

func init() {
	ingestCmd.Flags().String("dir", "", "input directory (default cdr.input_dir)")
	ingestCmd.Flags().Bool("json", false, "print the run report as JSON")
	rootCmd.AddCommand(ingestCmd)
}

// formatRunReport writes a run report as a per-file table followed by totals.
func formatRunReport(out io.Writer, r *model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tSTATUS\tLINES\tBAD\tCLASSIFIED\tFAILED\tSTORED\tREASON")
	for _, f := range r.Files {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			f.File.Name, f.Status, f.DataLines, f.BadLines, f.Classified, f.Failed, f.Inserted, f.Reason)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nRun %s: %d files seen, %d ingested, %d already ingested, %d skipped\n",
		r.RunID, r.FilesSeen, r.FilesIngested, r.FilesAlready, r.FilesSkipped)
	_, _ = fmt.Fprintf(out, "Records: %d classified, %d failed, %d stored, %d bad lines\n",
		r.RecordsClassified, r.RecordsFailed, r.RecordsStored, r.BadLines)
}
