package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/report"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the summary and call detail for a renderer",
	Long: "Writes the summary and detail records for a time window as json (summary + records), " +
		"csv (records only) or xlsx (summary, hourly, cause, top and call sheets).",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("export"); err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "json", "csv", "xlsx":
		default:
			return fmt.Errorf("unknown format %q: want json, csv or xlsx", format)
		}
		r, err := rangeFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}
		filter, err := detailFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eng := newReportEngine(st, nil)
		doc := report.Document{GeneratedAt: time.Now().UTC()}
		if format != "csv" {
			if doc.Summary, err = eng.Summarize(ctx, r); err != nil {
				return err
			}
		}
		if doc.Records, err = eng.Detail(ctx, r, filter); err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(cfg.Report.ExportsDir,
				fmt.Sprintf("cdr-report-%s.%s", r.To.UTC().Format("20060102-1504"), format))
		}
		if err := writeExport(out, format, doc); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Wrote %d records to %s\n", len(doc.Records), out)
		return nil
	},
}

func init() {
	addRangeFlags(exportCmd)
	exportCmd.Flags().String("format", "xlsx", "output format: json, csv or xlsx")
	exportCmd.Flags().String("out", "", "output file, - for stdout (default report.exports_dir/cdr-report-<end>.<format>)")
	exportCmd.Flags().Bool("failed-only", false, "only include failed calls in the detail")
	exportCmd.Flags().String("reason", "", "only include calls with this failure reason")
	exportCmd.Flags().Int("limit", 0, "max detail records (default report.detail_limit)")
	rootCmd.AddCommand(exportCmd)
}

func detailFilterFromFlags(cmd *cobra.Command) (report.DetailFilter, error) {
	var f report.DetailFilter
	f.FailedOnly, _ = cmd.Flags().GetBool("failed-only")
	if s, _ := cmd.Flags().GetString("reason"); s != "" {
		reason, ok := model.ParseReason(s)
		if !ok {
			return f, fmt.Errorf("unknown reason %q", s)
		}
		f.Reason = reason
	}
	f.Limit, _ = cmd.Flags().GetInt("limit")
	if f.Limit <= 0 {
		f.Limit = cfg.Report.DetailLimit
	}
	return f, nil
}

// writeExport renders doc in format to path, or stdout for "-". Files are
// written under a temporary name and renamed into place.
func writeExport(path, format string, doc report.Document) error {
	if path == "-" {
		return render(os.Stdout, format, doc)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "export: create %s", filepath.Dir(path))
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", tmp)
	}
	if err := render(f, format, doc); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "export: close %s", tmp)
	}
	return eris.Wrapf(os.Rename(tmp, path), "export: rename %s", path)
}

func render(w io.Writer, format string, doc report.Document) error {
	switch format {
	case "json":
		return report.WriteJSON(w, doc)
	case "csv":
		return report.WriteCSV(w, doc.Records)
	default:
		return report.WriteXLSX(w, doc)
	}
}
