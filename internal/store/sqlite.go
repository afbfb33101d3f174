package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Times are stored as
// unix seconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// sqliteDSN adds the connection settings every pooled connection needs:
// WAL, a busy timeout, enforced foreign keys and BEGIN IMMEDIATE so that
// concurrent writers queue on the lock instead of failing mid-transaction.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// NewSQLite opens a SQLite database at the given path.
func NewSQLite(path string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := sdb.Ping(); err != nil {
		sdb.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: sdb, now: time.Now}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return migrateSQLite(ctx, s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteInsertLedger = `INSERT INTO cdr_ingested_files (name, size, checksum, ingested_at, record_count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (name, size, checksum) DO NOTHING
RETURNING id`

const sqliteUpdateCounts = `UPDATE cdr_ingested_files SET
	record_count = (SELECT count(*) FROM cdr_call_records WHERE file_id = ?1),
	failed_count = (SELECT count(*) FROM cdr_call_records WHERE file_id = ?1 AND outcome = 'failed')
WHERE id = ?1
RETURNING record_count, failed_count`

func (s *SQLiteStore) Insert(ctx context.Context, file model.FileIdentity, recs []model.ClassifiedRecord) (*model.InsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback() //nolint:errcheck

	var fileID int64
	err = tx.QueryRowContext(ctx, sqliteInsertLedger,
		file.Name, file.Size, file.Checksum, s.now().Unix(), 0,
	).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIngestionConflict
	}
	if err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "insert ledger entry"))
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cdr_call_records (`+strings.Join(recordColumns, ", ")+`)
		VALUES (`+strings.TrimSuffix(strings.Repeat("?, ", len(recordColumns)), ", ")+`)
		ON CONFLICT (call_id, start_time) DO NOTHING`)
	if err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "prepare record insert"))
	}
	defer stmt.Close() //nolint:errcheck

	res := &model.InsertResult{FileID: fileID}
	for _, r := range recs {
		out, err := stmt.ExecContext(ctx, sqliteRecordArgs(fileID, r)...)
		if err != nil {
			return nil, txError("insert", file.Name, eris.Wrapf(err, "insert record %s", r.CallID))
		}
		if n, _ := out.RowsAffected(); n == 0 {
			res.Duplicates++
		}
	}

	if err := tx.QueryRowContext(ctx, sqliteUpdateCounts, fileID).Scan(&res.Inserted, &res.Failed); err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "update ledger counts"))
	}
	if err := tx.Commit(); err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "commit"))
	}
	return res, nil
}

func (s *SQLiteStore) MarkIngested(ctx context.Context, file model.FileIdentity, recordCount int) (*model.LedgerEntry, error) {
	now := time.Unix(s.now().Unix(), 0).UTC()
	var id int64
	err := s.db.QueryRowContext(ctx, sqliteInsertLedger,
		file.Name, file.Size, file.Checksum, now.Unix(), recordCount,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIngestionConflict
	}
	if err != nil {
		return nil, txError("mark", file.Name, eris.Wrap(err, "insert ledger entry"))
	}
	return &model.LedgerEntry{ID: id, File: file, IngestedAt: now, RecordCount: recordCount}, nil
}

func (s *SQLiteStore) HasFile(ctx context.Context, file model.FileIdentity) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM cdr_ingested_files WHERE name = ? AND size = ? AND checksum = ?)`,
		file.Name, file.Size, file.Checksum,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: has file %s", file.Name)
	}
	return exists, nil
}

func (s *SQLiteStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, name, size, checksum, ingested_at, record_count, failed_count FROM cdr_ingested_files`
	var args []any
	if !filter.Since.IsZero() {
		query += ` WHERE ingested_at >= ?`
		args = append(args, filter.Since.Unix())
	}
	query += ` ORDER BY ingested_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.LedgerEntry
	for rows.Next() {
		var (
			e  model.LedgerEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.File.Name, &e.File.Size, &e.File.Checksum, &at, &e.RecordCount, &e.FailedCount); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		e.IngestedAt = time.Unix(at, 0).UTC()
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate ledger")
}

const purgeLedger = `DELETE FROM cdr_ingested_files
WHERE NOT EXISTS (SELECT 1 FROM cdr_call_records r WHERE r.file_id = cdr_ingested_files.id)
AND (record_count > 0 OR ingested_at < ?)`

func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, window time.Duration, now time.Time) (*model.PurgeResult, error) {
	cutoff := now.Add(-window).UTC()
	res := &model.PurgeResult{Cutoff: cutoff}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "begin"))
	}
	defer tx.Rollback() //nolint:errcheck

	out, err := tx.ExecContext(ctx, `DELETE FROM cdr_call_records WHERE start_time < ?`, cutoff.Unix())
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "delete records"))
	}
	res.RecordsDeleted, _ = out.RowsAffected()

	out, err = tx.ExecContext(ctx, purgeLedger, cutoff.Unix())
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "delete ledger entries"))
	}
	res.FilesReleased, _ = out.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "commit"))
	}
	return res, nil
}

func (s *SQLiteStore) Query(ctx context.Context, r model.TimeRange) ([]model.ClassifiedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM cdr_call_records
		WHERE start_time >= ? AND start_time < ?
		ORDER BY start_time, call_id`,
		r.From.Unix(), r.To.Unix(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.ClassifiedRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func sqliteRecordArgs(fileID int64, r model.ClassifiedRecord) []any {
	return []any{
		r.CallID, r.StartTime.Unix(), fileID, r.CallingNumber, r.OriginalCalledNumber,
		r.FinalCalledNumber, r.OrigDevice, r.DestDevice, r.OrigIP, r.DestIP,
		r.HuntPilot, r.LastRedirect, unixOrNil(r.ConnectTime), unixOrNil(r.DisconnectTime), r.Duration,
		causeArg(r.OrigCause), causeArg(r.DestCause), causeArg(r.Cause), string(r.Outcome), string(r.Reason), r.Video, r.Line,
	}
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v *int64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return time.Unix(*v, 0).UTC()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scannable) (model.ClassifiedRecord, error) {
	var (
		r                         model.ClassifiedRecord
		start                     int64
		connect, disconnect       *int64
		origCause, destCause, eff *int64
		outcome, reason           string
	)
	err := row.Scan(
		&r.CallID, &start, &r.FileID, &r.CallingNumber, &r.OriginalCalledNumber,
		&r.FinalCalledNumber, &r.OrigDevice, &r.DestDevice, &r.OrigIP, &r.DestIP,
		&r.HuntPilot, &r.LastRedirect, &connect, &disconnect, &r.Duration,
		&origCause, &destCause, &eff, &outcome, &reason, &r.Video, &r.Line,
	)
	if err != nil {
		return r, eris.Wrap(err, "sqlite: scan record")
	}
	r.StartTime = time.Unix(start, 0).UTC()
	r.ConnectTime = timeFromUnix(connect)
	r.DisconnectTime = timeFromUnix(disconnect)
	r.OrigCause = causeFrom(origCause)
	r.DestCause = causeFrom(destCause)
	r.Cause = causeFrom(eff)
	r.Outcome = model.Outcome(outcome)
	r.Reason = model.Reason(reason)
	return r, nil
}
