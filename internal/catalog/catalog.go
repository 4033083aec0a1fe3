// Package catalog is larch's persistent record of accounts, mailboxes, and
// message GUIDs, used to detect new and removed messages between runs.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hkdb/larch/internal/logging"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// accountMaxAge is how long an account may go untouched before post-run
// maintenance removes it.
const accountMaxAge = 30 * 24 * time.Hour

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
	log  zerolog.Logger
}

// Open opens or creates the catalog database at the given path.
func Open(path string) (*DB, error) {
	// Ensure directory exists with owner-only permissions.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	// PRAGMAs ride in the DSN so every pooled connection gets the same
	// configuration (busy_timeout in particular prevents SQLITE_BUSY when
	// scan and copy transactions interleave).
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// SQLite WAL allows one writer; keep the pool modest.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set catalog permissions: %w", err)
	}

	return &DB{DB: db, path: path, log: logging.WithComponent("catalog")}, nil
}

// Path returns the catalog file path.
func (db *DB) Path() string { return db.path }

// Close closes the database connection.
func (db *DB) Close() error { return db.DB.Close() }

// Migrate applies all pending migrations.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
		}
	}
	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Maintain runs post-run maintenance: accounts untouched for 30 days are
// removed along with their mailboxes and messages, the WAL is checkpointed,
// and statistics are refreshed with ANALYZE. The file is not vacuumed.
func (db *DB) Maintain(ctx context.Context) error {
	cutoff := time.Now().Add(-accountMaxAge).Unix()

	res, err := db.ExecContext(ctx, `
		DELETE FROM accounts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune stale accounts: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.log.Info().Int64("accounts", n).Msg("Pruned stale accounts")
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze: %w", err)
	}
	return nil
}
