package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/store"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List files in the ingestion ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := store.LedgerFilter{Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		entries, err := st.ListLedger(ctx, filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No ingested files found.")
			return nil
		}
		formatLedger(os.Stdout, entries)
		return nil
	},
}

func init() {
	ledgerCmd.Flags().Duration("since", 0, "only files ingested within this window (e.g. 24h)")
	ledgerCmd.Flags().Int("limit", 50, "max number of entries to display")
	rootCmd.AddCommand(ledgerCmd)
}

// formatLedger writes a tabular list of ledger entries to w.
func formatLedger(out io.Writer, entries []model.LedgerEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFILE\tSIZE\tCHECKSUM\tINGESTED\tRECORDS\tFAILED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%d\n",
			e.ID, e.File.Name, e.File.Size, e.File.Checksum,
			e.IngestedAt.UTC().Format("2006-01-02 15:04:05"), e.RecordCount, e.FailedCount)
	}
	_ = w.Flush()
}
