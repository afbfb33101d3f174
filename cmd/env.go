package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/cdr"
	"github.com/sells-group/cdr-reporter/internal/classify"
	"github.com/sells-group/cdr-reporter/internal/ingest"
	"github.com/sells-group/cdr-reporter/internal/metrics"
	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/publisher"
	"github.com/sells-group/cdr-reporter/internal/report"
	"github.com/sells-group/cdr-reporter/internal/resilience"
	"github.com/sells-group/cdr-reporter/internal/store"
)

// initStore opens the configured store and applies pending migrations.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		MaxConns:    cfg.Store.MaxConns,
		MinConns:    cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// initEvents connects the MQTT publisher, or returns a drop-all Events when
// no broker is configured.
func initEvents() (*publisher.Events, error) {
	if cfg.MQTT.Broker == "" {
		return publisher.NewEvents(nil, cfg.MQTT.TopicPrefix), nil
	}
	p, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
	})
	if err != nil {
		return nil, err
	}
	return publisher.NewEvents(p, cfg.MQTT.TopicPrefix), nil
}

func newIngestEngine(st store.Store, m *metrics.Metrics) (*ingest.Engine, error) {
	policy, err := classify.NewPolicy(cfg.CDR.Policy())
	if err != nil {
		return nil, eris.Wrap(err, "classification policy")
	}
	parser := cdr.NewParser(cdr.Options{
		Delimiter:        cfg.CDR.DelimiterRune(),
		Encoding:         cfg.CDR.Encoding,
		AbandonThreshold: cfg.CDR.AbandonThreshold,
	})
	return ingest.NewEngine(parser, classify.New(policy), st, m, ingest.Options{
		Workers:      cfg.CDR.Workers,
		ParseTimeout: time.Duration(cfg.CDR.ParseTimeoutSecs) * time.Second,
		StoreTimeout: time.Duration(cfg.CDR.StoreTimeoutSecs) * time.Second,
		Retry:        resilience.DefaultRetryConfig().WithAttempts(cfg.CDR.StoreMaxAttempts),
	}), nil
}

func newReportEngine(st store.Store, m *metrics.Metrics) *report.Engine {
	return report.NewEngine(st, report.Options{TopN: cfg.Report.TopN}, m)
}

// runIngest ingests the input directory and publishes the run report.
func runIngest(ctx context.Context, eng *ingest.Engine, events *publisher.Events) (*model.RunReport, error) {
	rep, err := eng.RunDir(ctx, cfg.CDR.InputDir, cfg.CDR.FilePrefix)
	if rep != nil {
		if perr := events.PublishRun(ctx, rep); perr != nil {
			zap.L().Warn("publish run report failed", zap.String("run_id", rep.RunID), zap.Error(perr))
		}
	}
	return rep, err
}

// addRangeFlags registers --from, --to and --hours on cmd.
func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().String("from", "", "range start, RFC 3339 or YYYY-MM-DD (inclusive)")
	cmd.Flags().String("to", "", "range end, RFC 3339 or YYYY-MM-DD (exclusive; default now)")
	cmd.Flags().Int("hours", 0, "trailing window in hours when --from is not set (default report.hours)")
}

// rangeFromFlags resolves the report window from the range flags.
func rangeFromFlags(cmd *cobra.Command, now time.Time) (model.TimeRange, error) {
	fromS, _ := cmd.Flags().GetString("from")
	toS, _ := cmd.Flags().GetString("to")
	hours, _ := cmd.Flags().GetInt("hours")
	if hours <= 0 {
		hours = cfg.Report.Hours
	}
	return parseRange(fromS, toS, hours, now)
}

func parseRange(fromS, toS string, hours int, now time.Time) (model.TimeRange, error) {
	to := now.UTC()
	if toS != "" {
		t, err := parseTime(toS)
		if err != nil {
			return model.TimeRange{}, err
		}
		to = t
	}
	if fromS == "" {
		return model.LastHours(to, hours), nil
	}
	from, err := parseTime(fromS)
	if err != nil {
		return model.TimeRange{}, err
	}
	r := model.TimeRange{From: from, To: to}
	return r, report.ValidateRange(r)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
}
