// Package store is the request repository (spec component C): a
// SQLite-backed, write-ahead-logged database of sessions, captured
// requests and bookmarks, grounded on the teacher's
// internal/ledger/store package (go:embed schema, WAL pragma,
// database/sql + mattn/go-sqlite3).
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mtford90/procsi/internal/assert"
)

//go:embed schema.sql
var schemaSQL string

// migrations is the ordered list of idempotent statements applied to
// bring a database up to the latest schema_version. Each entry is one
// migration step; a fresh database applies all of them in a single
// transaction and is stamped directly to len(migrations).
var migrations = []string{
	schemaSQL,
}

// DB is the request repository. All writes go through conn; reads
// share it via SQLite's own locking under WAL mode.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex // serializes the amortised eviction check

	insertsSinceCheck atomic.Int64
	maxStoredRequests int
}

// Open creates/migrates the database at dbPath and returns a ready
// repository. maxStoredRequests <= 0 falls back to 5000.
func Open(dbPath string, maxStoredRequests int) (*DB, error) {
	if err := assert.Check(dbPath != "", "database path must not be empty"); err != nil {
		return nil, err
	}
	if maxStoredRequests <= 0 {
		maxStoredRequests = 5000
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{conn: conn, maxStoredRequests: maxStoredRequests}, nil
}

func migrate(conn *sql.DB) error {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		tx.Rollback()
		return fmt.Errorf("stamping schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migrations: %w", err)
	}
	return nil
}

// CompactDatabase truncates the WAL and reclaims space. Never called
// on the hot path — only from the supervisor's shutdown sequence.
func (db *DB) CompactDatabase() error {
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("compacting database: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
