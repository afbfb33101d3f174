// Package store persists classified call records and the ingestion ledger,
// enforces the retention window and answers time-range queries.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cdr-reporter/internal/model"
)

// ErrIngestionConflict is returned when the file identity is already in the
// ledger. The losing transaction has been rolled back and is a no-op.
var ErrIngestionConflict = eris.New("store: file already ingested")

// StoreTransactionError wraps an infrastructure failure inside a store
// transaction. Nothing from the transaction was committed, so the file stays
// eligible for the next run.
type StoreTransactionError struct { //nolint:revive
	Op   string // insert, mark, purge
	File string // file name, empty for purge
	Err  error
}

func (e *StoreTransactionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.File, e.Err)
}

func (e *StoreTransactionError) Unwrap() error { return e.Err }

func txError(op, file string, err error) error {
	return &StoreTransactionError{Op: op, File: file, Err: err}
}

// LedgerFilter narrows ListLedger.
type LedgerFilter struct {
	Since time.Time `json:"since,omitempty"` // ingested at or after
	Limit int       `json:"limit,omitempty"`
}

// Store is the retention store and ingestion ledger.
type Store interface {
	// Insert commits a file's ledger entry and records in one transaction.
	// Records whose (call id, start time) is already stored are skipped and
	// counted as duplicates. Returns ErrIngestionConflict if the identity is
	// already in the ledger.
	Insert(ctx context.Context, file model.FileIdentity, recs []model.ClassifiedRecord) (*model.InsertResult, error)

	// MarkIngested adds a ledger entry without records.
	MarkIngested(ctx context.Context, file model.FileIdentity, recordCount int) (*model.LedgerEntry, error)

	// HasFile reports whether the identity is in the ledger.
	HasFile(ctx context.Context, file model.FileIdentity) (bool, error)

	// ListLedger returns ledger entries, newest first.
	ListLedger(ctx context.Context, filter LedgerFilter) ([]model.LedgerEntry, error)

	// PurgeOlderThan deletes records that started before now-window, then
	// ledger entries left without records: those that contributed records,
	// and record-less ones ingested before the cutoff.
	PurgeOlderThan(ctx context.Context, window time.Duration, now time.Time) (*model.PurgeResult, error)

	// Query returns records with start time in [From, To), ordered by start
	// time then call id.
	Query(ctx context.Context, r model.TimeRange) ([]model.ClassifiedRecord, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "cdr.db"
		}
		return NewSQLite(dsn)
	case "postgres", "postgresql":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: postgres requires store.database_url")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// recordColumns is the column order shared by inserts and selects.
var recordColumns = []string{
	"call_id", "start_time", "file_id", "calling_number", "original_called_number",
	"final_called_number", "orig_device", "dest_device", "orig_ip", "dest_ip",
	"hunt_pilot", "last_redirect", "connect_time", "disconnect_time", "duration",
	"orig_cause", "dest_cause", "cause", "outcome", "reason", "video", "source_line",
}

func causeArg(c model.CauseCode) any {
	if !c.Valid {
		return nil
	}
	return c.Value
}

func causeFrom(v *int64) model.CauseCode {
	if v == nil {
		return model.CauseCode{}
	}
	return model.Cause(int(*v))
}
