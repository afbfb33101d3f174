package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/cdr"
	"github.com/sells-group/cdr-reporter/internal/classify"
	"github.com/sells-group/cdr-reporter/internal/model"
	"github.com/sells-group/cdr-reporter/internal/resilience"
	"github.com/sells-group/cdr-reporter/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const header = "cdrRecordType,globalCallID_callManagerId,globalCallID_callId,dateTimeOrigination,callingPartyNumber,finalCalledPartyNumber,origCause_value,destCause_value,duration"

const baseEpoch = 1709290800 // 2024-03-01T11:00:00Z

func callLine(id, origCause, destCause, duration int) string {
	return fmt.Sprintf("1,1,%d,%d,1001,2002,%d,%d,%d", id, baseEpoch+id, origCause, destCause, duration)
}

func writeFile(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	content := strings.Join(append([]string{header}, lines...), "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func testOptions() Options {
	return Options{
		Workers: 2,
		Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

func newSQLiteEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cdr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewEngine(cdr.NewParser(cdr.Options{}), classify.New(nil), st, nil, testOptions()), st
}

func allRecords(t *testing.T, st store.Store) []model.ClassifiedRecord {
	t.Helper()
	recs, err := st.Query(context.Background(), model.TimeRange{
		From: time.Unix(baseEpoch-3600, 0),
		To:   time.Unix(baseEpoch+86400, 0),
	})
	require.NoError(t, err)
	return recs
}

func fileStatus(r *model.RunReport, name string) model.FileResult {
	for _, f := range r.Files {
		if f.File.Name == name {
			return f
		}
	}
	return model.FileResult{}
}

// --- Tracker ---

type memLedger struct {
	mu      sync.Mutex
	entries map[model.FileIdentity]int
	hasErr  error
}

func newMemLedger() *memLedger {
	return &memLedger{entries: map[model.FileIdentity]int{}}
}

func (l *memLedger) HasFile(_ context.Context, f model.FileIdentity) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasErr != nil {
		return false, l.hasErr
	}
	_, ok := l.entries[f]
	return ok, nil
}

func (l *memLedger) MarkIngested(_ context.Context, f model.FileIdentity, n int) (*model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[f]; ok {
		return nil, store.ErrIngestionConflict
	}
	l.entries[f] = n
	return &model.LedgerEntry{File: f, RecordCount: n}, nil
}

func TestTracker(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newMemLedger())
	f := model.RawFile{Path: "/data/cdr_1", Size: 10, Checksum: "abc"}

	ok, err := tr.ShouldIngest(ctx, f)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tr.MarkIngested(ctx, f, 0))

	ok, err = tr.ShouldIngest(ctx, f)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same name in another directory has the same identity.
	moved := f
	moved.Path = "/archive/cdr_1"
	ok, err = tr.ShouldIngest(ctx, moved)
	require.NoError(t, err)
	assert.False(t, ok)

	// Rewritten content is a new identity.
	rewritten := f
	rewritten.Checksum = "def"
	ok, err = tr.ShouldIngest(ctx, rewritten)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, tr.MarkIngested(ctx, f, 0), store.ErrIngestionConflict)
}

func TestTracker_LedgerError(t *testing.T) {
	l := newMemLedger()
	l.hasErr = errors.New("disk I/O error")
	_, err := NewTracker(l).ShouldIngest(context.Background(), model.RawFile{Path: "cdr_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check ledger")
}

// --- Scan ---

func TestScan(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"cdr_b":        "two",
		"cdr_a":        "one",
		"cmr_a":        "metrics",
		".cdr_c.part":  "partial",
		"cdr_d.part":   "partial",
		".hidden_cdr_": "x",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "cdr_dir"), 0o755))

	files, unreadable, err := Scan(context.Background(), dir, "cdr_")
	require.NoError(t, err)
	assert.Empty(t, unreadable)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(dir, "cdr_a"), files[0].Path)
	assert.Equal(t, int64(3), files[0].Size)
	assert.Len(t, files[0].Checksum, 16)
	assert.NotEqual(t, files[0].Checksum, files[1].Checksum)

	all, _, err := Scan(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestScan_MissingDir(t *testing.T) {
	_, _, err := Scan(context.Background(), filepath.Join(t.TempDir(), "nope"), "")
	assert.Error(t, err)
}

func TestScan_UnreadableFileIsReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	writeFile(t, dir, "cdr_2", callLine(2, 16, 0, 3))

	orig := checksumFile
	t.Cleanup(func() { checksumFile = orig })
	checksumFile = func(path string) (string, error) {
		if filepath.Base(path) == "cdr_1" {
			return "", errors.New("input/output error")
		}
		return orig(path)
	}

	files, unreadable, err := Scan(context.Background(), dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cdr_2", files[0].Identity().Name)
	require.Len(t, unreadable, 1)
	assert.Equal(t, "cdr_1", unreadable[0].File.Name)
	assert.Equal(t, model.FileReadError, unreadable[0].Status)
	assert.Contains(t, unreadable[0].Reason, "input/output error")
}

func TestChecksum_StableForSameContent(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a"), filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	sa, err := Checksum(a)
	require.NoError(t, err)
	sb, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sa, sb)
}

// --- Engine against SQLite ---

func TestEngine_IngestIsIdempotent(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 0, 17, 0), callLine(2, 16, 0, 60))
	writeFile(t, dir, "cdr_2", callLine(3, 0, 0, 0))

	first, err := e.RunDir(context.Background(), dir, "cdr_")
	require.NoError(t, err)
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, 2, first.FilesSeen)
	assert.Equal(t, 2, first.FilesIngested)
	assert.Equal(t, 3, first.RecordsStored)
	assert.Equal(t, 1, first.RecordsFailed)

	second, err := e.RunDir(context.Background(), dir, "cdr_")
	require.NoError(t, err)
	assert.Equal(t, 0, second.FilesIngested)
	assert.Equal(t, 2, second.FilesAlready)
	assert.Equal(t, 0, second.RecordsStored)

	assert.Len(t, allRecords(t, st), 3)
}

func TestEngine_BusyAndAnsweredCalls(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1",
		callLine(1, 0, 17, 0),  // busy
		callLine(2, 16, 0, 95), // answered
	)

	_, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)

	recs := allRecords(t, st)
	require.Len(t, recs, 2)
	assert.Equal(t, "1-1", recs[0].CallID)
	assert.Equal(t, model.OutcomeFailed, recs[0].Outcome)
	assert.Equal(t, model.ReasonBusy, recs[0].Reason)
	assert.Equal(t, model.Cause(17), recs[0].Cause)
	assert.Equal(t, model.OutcomeOK, recs[1].Outcome)
	assert.Equal(t, model.ReasonNone, recs[1].Reason)
}

func TestEngine_PartialFailureIsolation(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	var lines []string
	for i := range 100 {
		if i%10 == 0 {
			lines = append(lines, fmt.Sprintf("1,1,%d,%d,1001,2002,x,0,0", i, baseEpoch+i))
			continue
		}
		lines = append(lines, callLine(i, 16, 0, 30))
	}
	writeFile(t, dir, "cdr_1", lines...)

	r, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	fr := fileStatus(r, "cdr_1")
	assert.Equal(t, model.FileIngested, fr.Status)
	assert.Equal(t, 100, fr.DataLines)
	assert.Equal(t, 10, fr.BadLines)
	assert.Equal(t, 90, fr.Inserted)
	assert.Equal(t, 10, r.BadLines)
	assert.Len(t, allRecords(t, st), 90)
}

func TestEngine_SchemaAndAbandonedFilesStayEligible(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cdr_bad_header"), []byte("foo,bar\n1,2\n"), 0o644))
	writeFile(t, dir, "cdr_garbage", "1,1,1,x,,,,,", "1,1,2,y,,,,,", callLine(3, 16, 0, 4))
	writeFile(t, dir, "cdr_good", callLine(9, 16, 0, 4))

	r, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, model.FileSchemaError, fileStatus(r, "cdr_bad_header").Status)
	assert.Equal(t, model.FileAbandoned, fileStatus(r, "cdr_garbage").Status)
	assert.Equal(t, model.FileIngested, fileStatus(r, "cdr_good").Status)
	assert.Equal(t, 2, r.FilesSkipped)
	assert.Equal(t, 1, r.FilesIngested)

	entries, err := st.ListLedger(context.Background(), store.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cdr_good", entries[0].File.Name)
}

func TestEngine_HeaderOnlyFileIsMarked(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "cdr_empty")

	r, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, model.FileIngested, fileStatus(r, "cdr_empty").Status)

	entries, err := st.ListLedger(context.Background(), store.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].RecordCount)

	r, err = e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, model.FileAlreadyIngested, fileStatus(r, "cdr_empty").Status)
}

func TestEngine_ConcurrentRunsCommitOnce(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cdr.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	dir := t.TempDir()
	for i := range 6 {
		writeFile(t, dir, fmt.Sprintf("cdr_%d", i), callLine(i*10+1, 0, 17, 0), callLine(i*10+2, 16, 0, 12))
	}

	var (
		wg      sync.WaitGroup
		reports [2]*model.RunReport
		errs    [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := NewEngine(cdr.NewParser(cdr.Options{}), classify.New(nil), st, nil, testOptions())
			reports[i], errs[i] = e.RunDir(context.Background(), dir, "cdr_")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 6, reports[0].FilesIngested+reports[1].FilesIngested)
	assert.Equal(t, 6, reports[0].FilesAlready+reports[1].FilesAlready)
	assert.Len(t, allRecords(t, st), 12)
}

// --- Engine against a fake committer ---

type fakeCommitter struct {
	mu    sync.Mutex
	calls int
	errs  []error // returned in order, then success
}

func (c *fakeCommitter) Insert(_ context.Context, _ model.FileIdentity, recs []model.ClassifiedRecord) (*model.InsertResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &model.InsertResult{Inserted: len(recs)}, nil
}

func newFakeEngine(c Committer, workers int) *Engine {
	opts := testOptions()
	opts.Workers = workers
	return newEngine(cdr.NewParser(cdr.Options{}), classify.New(nil), newMemLedger(), c, nil, opts)
}

func TestEngine_TransientStoreErrorIsRetried(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	c := &fakeCommitter{errs: []error{
		&store.StoreTransactionError{Op: "insert", File: "cdr_1", Err: errors.New("database is locked")},
	}}

	r, err := newFakeEngine(c, 1).RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, 2, c.calls)
	assert.Equal(t, model.FileIngested, fileStatus(r, "cdr_1").Status)
}

func TestEngine_ConflictIsNoop(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	c := &fakeCommitter{errs: []error{store.ErrIngestionConflict}}

	r, err := newFakeEngine(c, 1).RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
	fr := fileStatus(r, "cdr_1")
	assert.Equal(t, model.FileAlreadyIngested, fr.Status)
	assert.Equal(t, "already ingested, 0 new records", fr.Reason)
	assert.Zero(t, fr.Inserted)
}

func TestEngine_StoreFailureAbortsRun(t *testing.T) {
	dir := t.TempDir()
	for i := range 4 {
		writeFile(t, dir, fmt.Sprintf("cdr_%d", i), callLine(i+1, 16, 0, 3))
	}
	c := &fakeCommitter{errs: []error{
		&store.StoreTransactionError{Op: "insert", File: "cdr_0", Err: errors.New("check constraint violated")},
	}}

	r, err := newFakeEngine(c, 1).RunDir(context.Background(), dir, "")
	require.Error(t, err)
	var txErr *store.StoreTransactionError
	assert.ErrorAs(t, err, &txErr)

	require.NotNil(t, r)
	assert.Equal(t, 4, r.FilesSeen)
	assert.Equal(t, model.FileStoreError, fileStatus(r, "cdr_0").Status)
	for _, name := range []string{"cdr_1", "cdr_2", "cdr_3"} {
		assert.Equal(t, model.FileCancelled, fileStatus(r, name).Status, name)
	}
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, 4, r.FilesSkipped)
}

func TestEngine_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	files, _, err := Scan(context.Background(), dir, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &fakeCommitter{}
	r, err := newFakeEngine(c, 1).Run(ctx, files)
	require.Error(t, err)
	assert.Equal(t, model.FileCancelled, fileStatus(r, "cdr_1").Status)
	assert.Zero(t, c.calls)
}

func TestEngine_LedgerErrorSkipsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	l := newMemLedger()
	l.hasErr = errors.New("no such table")
	c := &fakeCommitter{}
	e := newEngine(cdr.NewParser(cdr.Options{}), classify.New(nil), l, c, nil, testOptions())

	r, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, model.FileStoreError, fileStatus(r, "cdr_1").Status)
	assert.Zero(t, c.calls)
}

func TestEngine_UnreadableFileDoesNotAbortRun(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))
	writeFile(t, dir, "cdr_2", callLine(2, 0, 17, 0))

	orig := checksumFile
	t.Cleanup(func() { checksumFile = orig })
	checksumFile = func(path string) (string, error) {
		if filepath.Base(path) == "cdr_1" {
			return "", errors.New("no such file or directory")
		}
		return orig(path)
	}

	r, err := e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 2, r.FilesSeen)
	assert.Equal(t, 1, r.FilesIngested)
	assert.Equal(t, 1, r.FilesSkipped)
	assert.Equal(t, model.FileReadError, fileStatus(r, "cdr_1").Status)
	assert.Equal(t, model.FileIngested, fileStatus(r, "cdr_2").Status)
	assert.Equal(t, []string{"cdr_1", "cdr_2"}, []string{r.Files[0].File.Name, r.Files[1].File.Name})
	assert.Len(t, allRecords(t, st), 1)
}

func TestEngine_FileChangedSinceScanIsNotCommitted(t *testing.T) {
	e, st := newSQLiteEngine(t)
	dir := t.TempDir()
	writeFile(t, dir, "cdr_1", callLine(1, 16, 0, 3))

	files, _, err := Scan(context.Background(), dir, "")
	require.NoError(t, err)
	require.Len(t, files, 1)

	// Same size, different bytes.
	writeFile(t, dir, "cdr_1", callLine(2, 16, 0, 3))

	r, err := e.Run(context.Background(), files)
	require.NoError(t, err)
	fr := fileStatus(r, "cdr_1")
	assert.Equal(t, model.FileReadError, fr.Status)
	assert.Contains(t, fr.Reason, "file changed since scan")
	assert.Empty(t, allRecords(t, st))

	has, err := st.HasFile(context.Background(), files[0].Identity())
	require.NoError(t, err)
	assert.False(t, has)

	// A fresh scan picks up the new identity.
	r, err = e.RunDir(context.Background(), dir, "")
	require.NoError(t, err)
	assert.Equal(t, model.FileIngested, fileStatus(r, "cdr_1").Status)
	assert.Len(t, allRecords(t, st), 1)
}
