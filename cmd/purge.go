package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/cdr-reporter/internal/report"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete records older than the retention window",
	Long: "Deletes call records that started before now minus cdr.retention_days, then removes ledger " +
		"entries left without records so their files are eligible again. With --exports-dir, exported " +
		"report files older than the window are removed too.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if days, _ := cmd.Flags().GetInt("retention-days"); days > 0 {
			cfg.CDR.RetentionDays = days
		}
		if err := cfg.Validate("purge"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		now := time.Now().UTC()
		res, err := st.PurgeOlderThan(ctx, cfg.CDR.Retention(), now)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Purged %d records before %s, released %d ledger entries\n",
			res.RecordsDeleted, res.Cutoff.Format(time.RFC3339), res.FilesReleased)

		if dir, _ := cmd.Flags().GetString("exports-dir"); dir != "" {
			removed, err := report.CleanExports(dir, res.Cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Removed %d exported reports from %s\n", len(removed), dir)
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().Int("retention-days", 0, "retention window in days (default cdr.retention_days)")
	purgeCmd.Flags().String("exports-dir", "", "also remove exported reports older than the window")
	rootCmd.AddCommand(purgeCmd)
}
