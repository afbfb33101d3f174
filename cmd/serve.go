package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cdr-reporter/internal/ingest"
	"github.com/sells-group/cdr-reporter/internal/metrics"
	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/monitoring"
	"github.com/sells-group/cdr-reporter/internal/publisher"
	"github.com/sells-group/cdr-reporter/internal/report"
	"github.com/sells-group/cdr-reporter/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the report API and ingest on a schedule",
	Long: "Starts the HTTP report API (summary, call detail, ledger, Prometheus metrics), ingests the " +
		"input directory every server.ingest_interval_mins followed by a retention purge, and checks " +
		"failure thresholds every monitoring.check_interval_secs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
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

		m := metrics.New()
		eng, err := newIngestEngine(st, m)
		if err != nil {
			return err
		}
		reports := newReportEngine(st, m)
		checker := monitoring.NewChecker(
			monitoring.NewCollector(reports),
			monitoring.NewAlerter(cfg.Monitoring, events),
			cfg.Monitoring,
		)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(st, reports, m, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			ingestLoop(gctx, time.Duration(cfg.Server.IngestIntervalMins)*time.Minute, eng, st, events, m)
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// ingestLoop ingests and purges once, then every interval until ctx is done.
// A non-positive interval disables scheduled ingestion.
func ingestLoop(ctx context.Context, interval time.Duration, eng *ingest.Engine, st store.Store, events *publisher.Events, m *metrics.Metrics) {
	if interval <= 0 {
		return
	}
	log := zap.L().With(zap.String("component", "serve.ingest"))
	tick := func() {
		if _, err := runIngest(ctx, eng, events); err != nil {
			log.Error("scheduled ingest failed", zap.Error(err))
		}
		res, err := st.PurgeOlderThan(ctx, cfg.CDR.Retention(), time.Now().UTC())
		if err != nil {
			log.Error("scheduled purge failed", zap.Error(err))
			return
		}
		m.ObservePurge(res)
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// pinger is the store surface the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// ledgerLister is the store surface the ledger endpoint needs.
type ledgerLister interface {
	ListLedger(ctx context.Context, filter store.LedgerFilter) ([]model.LedgerEntry, error)
}

// apiStore is what the router needs from the store.
type apiStore interface {
	pinger
	ledgerLister
}

// buildRouter wires the report API.
func buildRouter(st apiStore, reports *report.Engine, m *metrics.Metrics, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := st.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", func(w http.ResponseWriter, req *http.Request) {
			tr, err := rangeFromQuery(req)
			if err != nil {
				writeError(w, err)
				return
			}
			s, err := reports.Summarize(req.Context(), tr)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, s)
		})

		r.Get("/calls", func(w http.ResponseWriter, req *http.Request) {
			tr, err := rangeFromQuery(req)
			if err != nil {
				writeError(w, err)
				return
			}
			f, err := detailFilterFromQuery(req)
			if err != nil {
				writeError(w, err)
				return
			}
			recs, err := reports.Detail(req.Context(), tr, f)
			if err != nil {
				writeError(w, err)
				return
			}
			switch req.URL.Query().Get("format") {
			case "csv":
				w.Header().Set("Content-Type", "text/csv")
				w.Header().Set("Content-Disposition", `attachment; filename="calls.csv"`)
				_ = report.WriteCSV(w, recs)
			case "xlsx":
				w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
				w.Header().Set("Content-Disposition", `attachment; filename="calls.xlsx"`)
				_ = report.WriteXLSX(w, report.Document{GeneratedAt: time.Now().UTC(), Records: recs})
			default:
				writeJSON(w, http.StatusOK, map[string]any{"range": tr, "count": len(recs), "records": recs})
			}
		})

		r.Get("/ledger", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			filter := store.LedgerFilter{Limit: 100}
			if s := q.Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil || n < 0 {
					writeError(w, &badRequest{fmt.Sprintf("invalid limit %q", s)})
					return
				}
				filter.Limit = n
			}
			if s := q.Get("since"); s != "" {
				t, err := parseTime(s)
				if err != nil {
					writeError(w, &badRequest{err.Error()})
					return
				}
				filter.Since = t
			}
			entries, err := st.ListLedger(req.Context(), filter)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})
	})
	return r
}

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func rangeFromQuery(req *http.Request) (model.TimeRange, error) {
	q := req.URL.Query()
	hours := cfg.Report.Hours
	if s := q.Get("hours"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return model.TimeRange{}, &badRequest{fmt.Sprintf("invalid hours %q", s)}
		}
		hours = n
	}
	r, err := parseRange(q.Get("from"), q.Get("to"), hours, time.Now())
	var qe *report.QueryError
	if err != nil && !errors.As(err, &qe) {
		return r, &badRequest{err.Error()}
	}
	return r, err
}

func detailFilterFromQuery(req *http.Request) (report.DetailFilter, error) {
	q := req.URL.Query()
	f := report.DetailFilter{FailedOnly: q.Get("failed_only") == "true", Limit: cfg.Report.DetailLimit}
	if s := q.Get("reason"); s != "" {
		reason, ok := model.ParseReason(s)
		if !ok {
			return f, &badRequest{fmt.Sprintf("unknown reason %q", s)}
		}
		f.Reason = reason
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, &badRequest{fmt.Sprintf("invalid limit %q", s)}
		}
		f.Limit = n
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var qe *report.QueryError
	var br *badRequest
	status := http.StatusInternalServerError
	if errors.As(err, &qe) || errors.As(err, &br) {
		status = http.StatusBadRequest
	} else {
		zap.L().Error("api request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
