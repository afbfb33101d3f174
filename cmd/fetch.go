package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/fetcher"
	"github.com/sells-group/cdr-reporter/internal/resilience"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Mirror recent CDR files from the billing server",
	Long: "Downloads files named with cdr.file_prefix and modified within fetch.lookback_hours from " +
		"fetch.url into cdr.input_dir. Files already present with the same size are skipped. " +
		"With --ingest the input directory is ingested afterwards.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("fetch"); err != nil {
			return err
		}

		f, err := fetcher.NewFTPFetcher(fetcher.FTPOptions{
			URL:      cfg.Fetch.URL,
			Username: cfg.Fetch.User,
			Password: cfg.Fetch.Password,
			Timeout:  time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return err
		}

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Fetch.LookbackHours
		}
		since := time.Now().Add(-time.Duration(hours) * time.Hour)

		res, err := fetcher.Mirror(ctx, f, cfg.CDR.InputDir, fetcher.MirrorOptions{
			Prefix:     cfg.CDR.FilePrefix,
			Since:      since,
			RatePerSec: cfg.Fetch.RatePerSec,
			Retry:      resilience.DefaultRetryConfig().WithAttempts(cfg.Fetch.MaxAttempts),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Listed %d, downloaded %d, already present %d, failed %d\n",
			res.Listed, len(res.Downloaded), res.Present, len(res.Failed))
		for _, name := range res.Failed {
			zap.L().Warn("fetch failed", zap.String("file", name))
		}

		if doIngest, _ := cmd.Flags().GetBool("ingest"); !doIngest {
			return nil
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
			formatRunReport(os.Stdout, rep)
		}
		return runErr
	},
}

func init() {
	fetchCmd.Flags().Int("hours", 0, "lookback window in hours (default fetch.lookback_hours)")
	fetchCmd.Flags().Bool("ingest", false, "ingest the input directory after fetching")
	rootCmd.AddCommand(fetchCmd)
}
