// Package migrate applies the embedded SQL migration files against the
// sqlite database, tracking which have already run, targeting
// modernc.org/sqlite for a local-first, single-file store.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"
)

//go:embed *.sql
var migrationFiles embed.FS

// Migration describes one embedded SQL file.
type Migration struct {
	ID   string
	Body string
}

// Plan returns the embedded migrations in deterministic lexicographic
// order by filename, independent of whether they've been applied.
func Plan() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{ID: name, Body: string(body)})
	}
	return migrations, nil
}

// Run applies all pending migrations against db inside individual
// transactions, recording each in sentrygate_migrations as it completes.
func Run(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sentrygate_migrations (id TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("ensuring migrations table: %w", err)
	}

	migrations, err := Plan()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := isApplied(ctx, db, m.ID)
		if err != nil {
			return fmt.Errorf("checking migration status: %w", err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction for %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, m.Body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sentrygate_migrations (id, applied_at) VALUES (?, ?)",
			m.ID, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", m.ID, err)
		}
	}
	return nil
}

func isApplied(ctx context.Context, db *sql.DB, id string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sentrygate_migrations WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
