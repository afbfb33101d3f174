package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cdr-reporter/internal/model"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	st.now = func() time.Time { return testNow }
	return st
}

func fileID(name string) model.FileIdentity {
	return model.FileIdentity{Name: name, Size: int64(len(name)) * 100, Checksum: "ck-" + name}
}

func okRec(id string, start time.Time) model.ClassifiedRecord {
	return model.ClassifiedRecord{
		CallRecord: model.CallRecord{CallID: id, StartTime: start, Duration: 42, OrigCause: model.Cause(16)},
		Outcome:    model.OutcomeOK,
		Reason:     model.ReasonNone,
		Cause:      model.Cause(16),
	}
}

func failedRec(id string, start time.Time, cause int, reason model.Reason) model.ClassifiedRecord {
	return model.ClassifiedRecord{
		CallRecord: model.CallRecord{CallID: id, StartTime: start, OrigCause: model.Cause(cause)},
		Outcome:    model.OutcomeFailed,
		Reason:     reason,
		Cause:      model.Cause(cause),
	}
}

func TestSQLite_InsertAndQuery(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := testNow.Add(-2 * time.Hour)

	full := model.ClassifiedRecord{
		CallRecord: model.CallRecord{
			CallID:               "1-200",
			CallingNumber:        "1001",
			OriginalCalledNumber: "2002",
			FinalCalledNumber:    "3003",
			OrigDevice:           "SEP000001",
			DestDevice:           "SEP000002",
			OrigIP:               "10.1.1.1",
			DestIP:               "10.1.1.2",
			HuntPilot:            "5000",
			LastRedirect:         "4004",
			StartTime:            base.Add(time.Minute),
			ConnectTime:          base.Add(time.Minute + 3*time.Second),
			DisconnectTime:       base.Add(2 * time.Minute),
			Duration:             57,
			OrigCause:            model.Cause(16),
			Video:                true,
			Line:                 9,
		},
		Outcome: model.OutcomeOK,
		Reason:  model.ReasonNone,
		Cause:   model.Cause(16),
	}
	recs := []model.ClassifiedRecord{
		failedRec("1-300", base.Add(2*time.Minute), 17, model.ReasonBusy),
		full,
		okRec("1-100", base),
	}

	res, err := st.Insert(ctx, fileID("cdr_a"), recs)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 0, res.Duplicates)
	assert.Equal(t, 1, res.Failed)
	assert.NotZero(t, res.FileID)

	got, err := st.Query(ctx, model.TimeRange{From: base, To: testNow})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1-100", "1-200", "1-300"}, []string{got[0].CallID, got[1].CallID, got[2].CallID})

	full.FileID = res.FileID
	assert.Equal(t, full, got[1])
	assert.False(t, got[0].DestCause.Valid)
	assert.True(t, got[0].ConnectTime.IsZero())
	assert.Equal(t, model.ReasonBusy, got[2].Reason)
}

func TestSQLite_QueryRangeIsHalfOpen(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	from := testNow.Add(-time.Hour)

	_, err := st.Insert(ctx, fileID("cdr_a"), []model.ClassifiedRecord{
		okRec("before", from.Add(-time.Second)),
		okRec("at-from", from),
		okRec("at-to", testNow),
	})
	require.NoError(t, err)

	got, err := st.Query(ctx, model.TimeRange{From: from, To: testNow})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "at-from", got[0].CallID)
}

func TestSQLite_DuplicateRecordsAcrossFiles(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	start := testNow.Add(-time.Hour)

	_, err := st.Insert(ctx, fileID("cdr_a"), []model.ClassifiedRecord{okRec("1-1", start)})
	require.NoError(t, err)

	res, err := st.Insert(ctx, fileID("cdr_b"), []model.ClassifiedRecord{
		okRec("1-1", start),
		failedRec("1-2", start, 18, model.ReasonNoAnswer),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Failed)

	entries, err := st.ListLedger(ctx, LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cdr_b", entries[0].File.Name)
	assert.Equal(t, 1, entries[0].RecordCount)
	assert.Equal(t, 1, entries[0].FailedCount)
}

func TestSQLite_SameCallIDDifferentStart(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	start := testNow.Add(-time.Hour)

	res, err := st.Insert(ctx, fileID("cdr_a"), []model.ClassifiedRecord{
		okRec("1-1", start),
		okRec("1-1", start.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Duplicates)
}

func TestSQLite_InsertConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := fileID("cdr_a")

	_, err := st.Insert(ctx, f, []model.ClassifiedRecord{okRec("1-1", testNow.Add(-time.Hour))})
	require.NoError(t, err)

	_, err = st.Insert(ctx, f, []model.ClassifiedRecord{okRec("1-2", testNow.Add(-time.Hour))})
	assert.ErrorIs(t, err, ErrIngestionConflict)

	// The losing insert left nothing behind.
	got, err := st.Query(ctx, model.TimeRange{From: testNow.Add(-24 * time.Hour), To: testNow})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLite_IdentityIncludesSizeAndChecksum(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := fileID("cdr_a")

	_, err := st.MarkIngested(ctx, f, 0)
	require.NoError(t, err)

	changed := f
	changed.Checksum = "other"
	ok, err := st.HasFile(ctx, changed)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.HasFile(ctx, f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_MarkIngested(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := fileID("cdr_empty")

	entry, err := st.MarkIngested(ctx, f, 0)
	require.NoError(t, err)
	assert.Equal(t, f, entry.File)
	assert.Equal(t, testNow, entry.IngestedAt)

	_, err = st.MarkIngested(ctx, f, 0)
	assert.ErrorIs(t, err, ErrIngestionConflict)
}

func TestSQLite_ConcurrentInsertSingleWinner(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	f := fileID("cdr_race")
	recs := []model.ClassifiedRecord{okRec("1-1", testNow.Add(-time.Hour)), okRec("1-2", testNow.Add(-time.Hour))}

	const workers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
		others    []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Insert(ctx, f, recs)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrIngestionConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)

	entries, err := st.ListLedger(ctx, LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RecordCount)
}

func TestSQLite_PurgeOlderThan(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	old := testNow.Add(-10 * 24 * time.Hour)
	recent := testNow.Add(-time.Hour)

	// Ingested long ago; every record is past the window.
	st.now = func() time.Time { return old }
	_, err := st.Insert(ctx, fileID("cdr_old"), []model.ClassifiedRecord{okRec("a-1", old), okRec("a-2", old.Add(time.Minute))})
	require.NoError(t, err)
	// Record-less entry older than the cutoff.
	_, err = st.MarkIngested(ctx, fileID("cdr_empty_old"), 0)
	require.NoError(t, err)

	st.now = func() time.Time { return testNow }
	// One old and one recent record; the entry must survive.
	_, err = st.Insert(ctx, fileID("cdr_mixed"), []model.ClassifiedRecord{okRec("b-1", old), okRec("b-2", recent)})
	require.NoError(t, err)
	// Record-less entry inside the window.
	_, err = st.MarkIngested(ctx, fileID("cdr_empty_new"), 0)
	require.NoError(t, err)

	res, err := st.PurgeOlderThan(ctx, 72*time.Hour, testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-72*time.Hour), res.Cutoff)
	assert.Equal(t, int64(3), res.RecordsDeleted)
	assert.Equal(t, int64(2), res.FilesReleased)

	for name, want := range map[string]bool{
		"cdr_old":       false,
		"cdr_empty_old": false,
		"cdr_mixed":     true,
		"cdr_empty_new": true,
	} {
		ok, err := st.HasFile(ctx, fileID(name))
		require.NoError(t, err)
		assert.Equal(t, want, ok, name)
	}

	got, err := st.Query(ctx, model.TimeRange{From: old.Add(-time.Hour), To: testNow})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b-2", got[0].CallID)

	// A released file can be ingested again.
	_, err = st.Insert(ctx, fileID("cdr_old"), nil)
	assert.NoError(t, err)
}

func TestSQLite_PurgeNothing(t *testing.T) {
	st := newTestSQLiteStore(t)

	res, err := st.PurgeOlderThan(context.Background(), time.Hour, testNow)
	require.NoError(t, err)
	assert.Zero(t, res.RecordsDeleted)
	assert.Zero(t, res.FilesReleased)
}

func TestSQLite_ListLedgerFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, name := range []string{"cdr_1", "cdr_2", "cdr_3"} {
		at := testNow.Add(time.Duration(i) * time.Hour)
		st.now = func() time.Time { return at }
		_, err := st.MarkIngested(ctx, fileID(name), i)
		require.NoError(t, err)
	}

	entries, err := st.ListLedger(ctx, LedgerFilter{Since: testNow.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "cdr_3", entries[0].File.Name)
	assert.Equal(t, 2, entries[0].RecordCount)
	assert.Equal(t, testNow.Add(2*time.Hour), entries[0].IngestedAt)

	entries, err = st.ListLedger(ctx, LedgerFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cdr_3", entries[0].File.Name)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestOpen_PostgresRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestOpen_SQLite(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "open.db")})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck
	assert.NoError(t, s.Ping(context.Background()))
}
