package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/db"
	"github.com/sells-group/cdr-reporter/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgInsertLedger = `INSERT INTO cdr_ingested_files (name, size, checksum, ingested_at, record_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name, size, checksum) DO NOTHING
RETURNING id`

const pgUpdateCounts = `UPDATE cdr_ingested_files SET
	record_count = (SELECT count(*) FROM cdr_call_records WHERE file_id = $1),
	failed_count = (SELECT count(*) FROM cdr_call_records WHERE file_id = $1 AND outcome = 'failed')
WHERE id = $1
RETURNING record_count, failed_count`

var recordInsert = db.InsertConfig{
	Table:        "cdr_call_records",
	Columns:      recordColumns,
	ConflictKeys: []string{"call_id", "start_time"},
}

// Insert runs the whole file in one transaction. A concurrent run inserting
// the same identity blocks on the unique ledger key until this one commits,
// then sees no returned id and rolls back.
func (s *PostgresStore) Insert(ctx context.Context, file model.FileIdentity, recs []model.ClassifiedRecord) (*model.InsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var fileID int64
	err = tx.QueryRow(ctx, pgInsertLedger, file.Name, file.Size, file.Checksum, s.now().UTC(), 0).Scan(&fileID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIngestionConflict
	}
	if err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "insert ledger entry"))
	}

	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = pgRecordArgs(fileID, r)
	}
	inserted, err := db.InsertIgnore(ctx, tx, recordInsert, rows)
	if err != nil {
		return nil, txError("insert", file.Name, err)
	}

	res := &model.InsertResult{FileID: fileID, Duplicates: len(recs) - int(inserted)}
	if err := tx.QueryRow(ctx, pgUpdateCounts, fileID).Scan(&res.Inserted, &res.Failed); err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "update ledger counts"))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, txError("insert", file.Name, eris.Wrap(err, "commit"))
	}
	return res, nil
}

func (s *PostgresStore) MarkIngested(ctx context.Context, file model.FileIdentity, recordCount int) (*model.LedgerEntry, error) {
	now := s.now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, pgInsertLedger, file.Name, file.Size, file.Checksum, now, recordCount).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIngestionConflict
	}
	if err != nil {
		return nil, txError("mark", file.Name, eris.Wrap(err, "insert ledger entry"))
	}
	return &model.LedgerEntry{ID: id, File: file, IngestedAt: now, RecordCount: recordCount}, nil
}

func (s *PostgresStore) HasFile(ctx context.Context, file model.FileIdentity) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM cdr_ingested_files WHERE name = $1 AND size = $2 AND checksum = $3)`,
		file.Name, file.Size, file.Checksum,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: has file %s", file.Name)
	}
	return exists, nil
}

func (s *PostgresStore) ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, name, size, checksum, ingested_at, record_count, failed_count FROM cdr_ingested_files`
	var args []any
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += ` WHERE ingested_at >= $1`
	}
	query += ` ORDER BY ingested_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger")
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.File.Name, &e.File.Size, &e.File.Checksum, &e.IngestedAt, &e.RecordCount, &e.FailedCount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.IngestedAt = e.IngestedAt.UTC()
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate ledger")
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, window time.Duration, now time.Time) (*model.PurgeResult, error) {
	cutoff := now.Add(-window).UTC()
	res := &model.PurgeResult{Cutoff: cutoff}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "begin"))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `DELETE FROM cdr_call_records WHERE start_time < $1`, cutoff)
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "delete records"))
	}
	res.RecordsDeleted = tag.RowsAffected()

	tag, err = tx.Exec(ctx, strings.Replace(purgeLedger, "?", "$1", 1), cutoff)
	if err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "delete ledger entries"))
	}
	res.FilesReleased = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return nil, txError("purge", "", eris.Wrap(err, "commit"))
	}
	return res, nil
}

func (s *PostgresStore) Query(ctx context.Context, r model.TimeRange) ([]model.ClassifiedRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM cdr_call_records
		WHERE start_time >= $1 AND start_time < $2
		ORDER BY start_time, call_id`,
		r.From.UTC(), r.To.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var recs []model.ClassifiedRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: iterate records")
}

func pgRecordArgs(fileID int64, r model.ClassifiedRecord) []any {
	return []any{
		r.CallID, r.StartTime.UTC(), fileID, r.CallingNumber, r.OriginalCalledNumber,
		r.FinalCalledNumber, r.OrigDevice, r.DestDevice, r.OrigIP, r.DestIP,
		r.HuntPilot, r.LastRedirect, timeOrNil(r.ConnectTime), timeOrNil(r.DisconnectTime), r.Duration,
		causeArg(r.OrigCause), causeArg(r.DestCause), causeArg(r.Cause), string(r.Outcome), string(r.Reason), r.Video, r.Line,
	}
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanPgRecord(row scannable) (model.ClassifiedRecord, error) {
	var (
		r                         model.ClassifiedRecord
		connect, disconnect       *time.Time
		origCause, destCause, eff *int64
		outcome, reason           string
	)
	err := row.Scan(
		&r.CallID, &r.StartTime, &r.FileID, &r.CallingNumber, &r.OriginalCalledNumber,
		&r.FinalCalledNumber, &r.OrigDevice, &r.DestDevice, &r.OrigIP, &r.DestIP,
		&r.HuntPilot, &r.LastRedirect, &connect, &disconnect, &r.Duration,
		&origCause, &destCause, &eff, &outcome, &reason, &r.Video, &r.Line,
	)
	if err != nil {
		return r, eris.Wrap(err, "postgres: scan record")
	}
	r.StartTime = r.StartTime.UTC()
	if connect != nil {
		r.ConnectTime = connect.UTC()
	}
	if disconnect != nil {
		r.DisconnectTime = disconnect.UTC()
	}
	r.OrigCause = causeFrom(origCause)
	r.DestCause = causeFrom(destCause)
	r.Cause = causeFrom(eff)
	r.Outcome = model.Outcome(outcome)
	r.Reason = model.Reason(reason)
	return r, nil
}
