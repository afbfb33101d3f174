package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cdr-reporter/internal/cdr"
	"github.com/sells-group/cdr-reporter/internal/classify"
	"github.com/sells-group/cdr-reporter/internal/metrics"
	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/resilience"
	"github.com/sells-group/cdr-reporter/internal/store"
)

// Committer persists one file's classified records together with its ledger
// entry. store.Store satisfies it.
type Committer interface {
	Insert(ctx context.Context, file model.FileIdentity, recs []model.ClassifiedRecord) (*model.InsertResult, error)
}

// Options tunes an Engine.
type Options struct {
	Workers      int           // parallel files; default 4
	ParseTimeout time.Duration // per file; default 2m
	StoreTimeout time.Duration // per store transaction; default 30s
	Retry        resilience.RetryConfig
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ParseTimeout <= 0 {
		o.ParseTimeout = 2 * time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 30 * time.Second
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = resilience.DefaultRetryConfig()
	}
	return o
}

// Engine runs ingestion over a set of raw files.
type Engine struct {
	parser     *cdr.Parser
	classifier *classify.Classifier
	committer  Committer
	tracker    *Tracker
	metrics    *metrics.Metrics
	opts       Options
	now        func() time.Time
}

// NewEngine creates an Engine. st is used both as the ledger and as the
// record committer; m may be nil.
func NewEngine(p *cdr.Parser, c *classify.Classifier, st store.Store, m *metrics.Metrics, opts Options) *Engine {
	return newEngine(p, c, st, st, m, opts)
}

func newEngine(p *cdr.Parser, c *classify.Classifier, l Ledger, cm Committer, m *metrics.Metrics, opts Options) *Engine {
	opts = opts.withDefaults()
	opts.Retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, store.ErrIngestionConflict) && resilience.IsTransient(err)
	}
	opts.Retry.OnRetry = resilience.RetryLogger("ingest.engine", "store transaction")
	return &Engine{
		parser:     p,
		classifier: c,
		committer:  cm,
		tracker:    NewTracker(l),
		metrics:    m,
		opts:       opts,
		now:        time.Now,
	}
}

// RunDir scans dir for files matching prefix and ingests them. Files that
// cannot be read at scan time are reported as read errors. Only a failure to
// list dir returns a nil report.
func (e *Engine) RunDir(ctx context.Context, dir, prefix string) (*model.RunReport, error) {
	files, unreadable, err := Scan(ctx, dir, prefix)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, files, unreadable)
}

// Run ingests files in parallel and always returns a report. A store
// transaction failure stops new files from starting; the report is still
// returned along with the error. Files never started are reported cancelled.
func (e *Engine) Run(ctx context.Context, files []model.RawFile) (*model.RunReport, error) {
	return e.run(ctx, files, nil)
}

func (e *Engine) run(ctx context.Context, files []model.RawFile, unreadable []model.FileResult) (*model.RunReport, error) {
	report := &model.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: e.now().UTC(),
		FilesSeen: len(files) + len(unreadable),
	}
	log := zap.L().With(zap.String("component", "ingest.engine"), zap.String("run_id", report.RunID))
	log.Info("run started", zap.Int("files", report.FilesSeen), zap.Int("workers", e.opts.Workers))

	results := make([]model.FileResult, len(files))
	for i, f := range files {
		results[i] = model.FileResult{File: f.Identity(), Status: model.FileCancelled, Reason: "cancelled"}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fr, err := e.processFile(gctx, f, log)
			results[i] = fr
			return err
		})
	}
	abortErr := g.Wait()

	results = append(results, unreadable...)
	sort.SliceStable(results, func(i, j int) bool { return results[i].File.Name < results[j].File.Name })
	for _, fr := range results {
		report.Add(fr)
	}
	report.CompletedAt = e.now().UTC()
	e.metrics.ObserveRun(report, abortErr != nil)

	log.Info("run complete",
		zap.Int("ingested", report.FilesIngested),
		zap.Int("already_ingested", report.FilesAlready),
		zap.Int("skipped", report.FilesSkipped),
		zap.Int("records_stored", report.RecordsStored),
		zap.Int("records_failed", report.RecordsFailed),
		zap.Int("bad_lines", report.BadLines),
		zap.Duration("elapsed", report.CompletedAt.Sub(report.StartedAt)),
	)

	if abortErr != nil {
		return report, eris.Wrap(abortErr, "ingest: run aborted")
	}
	if err := ctx.Err(); err != nil {
		return report, eris.Wrap(err, "ingest: run cancelled")
	}
	return report, nil
}

// processFile handles one file. Only a store transaction failure is returned
// as an error; everything else is recorded on the FileResult.
func (e *Engine) processFile(ctx context.Context, f model.RawFile, runLog *zap.Logger) (model.FileResult, error) {
	fr := model.FileResult{File: f.Identity()}
	log := runLog.With(zap.String("file", fr.File.Name))

	should, err := e.tracker.ShouldIngest(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(fr), nil
		}
		log.Warn("ledger check failed", zap.Error(err))
		fr.Status, fr.Reason = model.FileStoreError, err.Error()
		return fr, nil
	}
	if !should {
		fr.Status, fr.Reason = model.FileAlreadyIngested, "already ingested"
		log.Debug("skipping file already in ledger")
		return fr, nil
	}

	pf, err := e.parse(ctx, f)
	if pf != nil {
		fr.DataLines, fr.BadLines, fr.NonCallRows = pf.DataLines, pf.BadLines, pf.NonCallRows
	}
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(fr), nil
		}
		fr.Status, fr.Reason = parseStatus(err)
		log.Warn("file skipped", zap.String("status", string(fr.Status)), zap.Error(err))
		return fr, nil
	}
	for _, pe := range pf.Errors {
		log.Debug("malformed line", zap.Int("line", pe.Line), zap.String("reason", pe.Reason))
	}

	recs, ignored := e.classifier.ClassifyAll(pf.Records)
	fr.Classified, fr.Ignored = len(recs), ignored
	for _, r := range recs {
		if r.Failed() {
			fr.Failed++
		}
	}

	if len(recs) == 0 {
		err = resilience.Do(ctx, e.opts.Retry, func(ctx context.Context) error {
			sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
			defer cancel()
			return e.tracker.MarkIngested(sctx, f, 0)
		})
	} else {
		var res *model.InsertResult
		res, err = resilience.DoVal(ctx, e.opts.Retry, func(ctx context.Context) (*model.InsertResult, error) {
			sctx, cancel := context.WithTimeout(ctx, e.opts.StoreTimeout)
			defer cancel()
			return e.committer.Insert(sctx, fr.File, recs)
		})
		if err == nil {
			fr.Inserted, fr.Duplicates = res.Inserted, res.Duplicates
		}
	}

	switch {
	case err == nil:
		fr.Status = model.FileIngested
		log.Info("file ingested",
			zap.Int("records", fr.Classified),
			zap.Int("failed", fr.Failed),
			zap.Int("inserted", fr.Inserted),
			zap.Int("duplicates", fr.Duplicates),
			zap.Int("bad_lines", fr.BadLines),
		)
		return fr, nil
	case errors.Is(err, store.ErrIngestionConflict):
		// Another run committed this identity first.
		fr.Status, fr.Reason = model.FileAlreadyIngested, "already ingested, 0 new records"
		fr.Inserted, fr.Duplicates = 0, 0
		log.Info("file committed by a concurrent run")
		return fr, nil
	case ctx.Err() != nil:
		return cancelled(fr), nil
	default:
		fr.Status, fr.Reason = model.FileStoreError, err.Error()
		log.Error("store transaction failed; aborting run", zap.Error(err))
		return fr, err
	}
}

// errFileChanged marks a file whose content no longer matches its scanned
// identity.
var errFileChanged = eris.New("file changed since scan")

// parse hashes the bytes as they are parsed so the records committed are the
// ones that belong to the scanned identity.
func (e *Engine) parse(ctx context.Context, f model.RawFile) (*cdr.ParsedFile, error) {
	pctx, cancel := context.WithTimeout(ctx, e.opts.ParseTimeout)
	defer cancel()

	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", f.Path)
	}
	defer fh.Close() //nolint:errcheck

	h := xxhash.New()
	pf, err := e.parser.Parse(pctx, io.TeeReader(fh, h))
	if err != nil {
		if pctx.Err() != nil && ctx.Err() == nil {
			return pf, eris.Wrapf(err, "parse timed out after %s", e.opts.ParseTimeout)
		}
		return pf, err
	}

	// Hash anything the parser left unread.
	if _, err := io.Copy(h, fh); err != nil {
		return pf, eris.Wrapf(err, "ingest: checksum %s", f.Path)
	}
	info, err := fh.Stat()
	if err != nil {
		return pf, eris.Wrapf(err, "ingest: stat %s", f.Path)
	}
	if sum := sumHex(h); sum != f.Checksum || info.Size() != f.Size {
		zap.L().Debug("file identity mismatch",
			zap.String("file", f.Path),
			zap.String("scanned", f.Checksum),
			zap.String("parsed", sum))
		return pf, eris.Wrapf(errFileChanged, "%s", filepath.Base(f.Path))
	}
	return pf, nil
}

func parseStatus(err error) (model.FileStatus, string) {
	var schemaErr *cdr.SchemaError
	var abandoned *cdr.AbandonedError
	switch {
	case errors.As(err, &schemaErr):
		return model.FileSchemaError, schemaErr.Error()
	case errors.As(err, &abandoned):
		return model.FileAbandoned, abandoned.Error()
	default:
		return model.FileReadError, fmt.Sprintf("read: %v", err)
	}
}

func cancelled(fr model.FileResult) model.FileResult {
	fr.Status, fr.Reason = model.FileCancelled, "cancelled"
	return fr
}
