package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sageloop/sage/internal/db/migrations"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/sageloop/sage/internal/logging"
)

// NewSQLite opens (creating if needed) the SQLite database at path, runs
// schema and code migrations, and returns a Store ready for use. An
// optional SweepOptions tunes the one-shot polluted-memory sweep.
func NewSQLite(path string, sweepOpts ...SweepOptions) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode and single connection (no concurrency).
	// _txlock=immediate makes every transaction take the write lock up
	// front, which the scheduled-item claim relies on.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(1000000000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// CRITICAL: Force single connection - SQLite doesn't handle concurrent writers well
	// All DB access must be serialized through this single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	sweep := DefaultSweepOptions()
	if len(sweepOpts) > 0 {
		sweep = sweepOpts[0]
	}
	store := NewStore(db)
	if err := store.runCodeMigrations(sweep); err != nil {
		return nil, fmt.Errorf("failed to run code migrations: %w", err)
	}

	logging.Infof("[db] SQLite database initialized at %s", path)
	return store, nil
}
