package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cdr-reporter/internal/db"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// migrationLockID keys the Postgres advisory lock held while migrating.
const migrationLockID = 7_240_531

const migrationTable = `
CREATE TABLE IF NOT EXISTS cdr_schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// migrationFiles returns the embedded migration names for a dialect, sorted.
func migrationFiles(dialect string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, path.Join("migrations", dialect))
	if err != nil {
		return nil, eris.Wrapf(err, "store: read %s migrations", dialect)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// migratePostgres applies pending migrations under an advisory lock so that
// overlapping deploys do not race.
func migratePostgres(ctx context.Context, pool db.Pool) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return eris.Wrap(err, "store: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			log.Warn("store: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if _, err := pool.Exec(ctx, migrationTable); err != nil {
		return eris.Wrap(err, "store: ensure migration table")
	}

	rows, err := pool.Query(ctx, "SELECT filename FROM cdr_schema_migrations")
	if err != nil {
		return eris.Wrap(err, "store: query applied migrations")
	}
	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "store: iterate applied migrations")
	}

	names, err := migrationFiles("postgres")
	if err != nil {
		return err
	}
	for _, name := range names {
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile(path.Join("migrations", "postgres", name))
		if err != nil {
			return eris.Wrapf(err, "store: read migration %s", name)
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return eris.Wrapf(err, "store: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO cdr_schema_migrations (filename) VALUES ($1)", name,
		); err != nil {
			return eris.Wrapf(err, "store: record migration %s", name)
		}
	}
	return nil
}

// migrateSQLite applies pending migrations. SQLite serializes writers, so no
// extra lock is taken.
func migrateSQLite(ctx context.Context, sdb *sql.DB) error {
	if _, err := sdb.ExecContext(ctx, migrationTable); err != nil {
		return eris.Wrap(err, "sqlite: ensure migration table")
	}

	names, err := migrationFiles("sqlite")
	if err != nil {
		return err
	}
	for _, name := range names {
		var n int
		if err := sdb.QueryRowContext(ctx,
			"SELECT count(*) FROM cdr_schema_migrations WHERE filename = ?", name,
		).Scan(&n); err != nil {
			return eris.Wrapf(err, "sqlite: check migration %s", name)
		}
		if n > 0 {
			continue
		}

		data, err := migrationFS.ReadFile(path.Join("migrations", "sqlite", name))
		if err != nil {
			return eris.Wrapf(err, "sqlite: read migration %s", name)
		}

		tx, err := sdb.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "sqlite: begin migration")
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			_ = tx.Rollback()
			return eris.Wrapf(err, "sqlite: apply migration %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO cdr_schema_migrations (filename) VALUES (?)", name,
		); err != nil {
			_ = tx.Rollback()
			return eris.Wrapf(err, "sqlite: record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return eris.Wrapf(err, "sqlite: commit migration %s", name)
		}
		zap.L().Info("applied migration", zap.String("component", "store.migrate"), zap.String("file", name))
	}
	return nil
}
