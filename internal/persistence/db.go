// Package persistence is the sqlite-backed storage layer for signals and
// triggers (spec §6). It wraps database/sql with the teacher's WAL-mode
// connection profile and migrates its schema from an embedded SQL file.
package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a sqlite connection configured for a single-writer,
// many-reader workload: WAL journalling, NORMAL sync, and a generous
// page cache so the orchestrator's write path never blocks on fsync
// for long under normal load.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates (or re-opens) the sqlite database at path and applies the
// schema migration. path may be "file::memory:?cache=shared" for tests.
func Open(path string) (*DB, error) {
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		path = absPath
	}

	connStr := path + "?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-64000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite: one writer; serialises through database/sql's pool
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw *sql.DB for callers that need direct access
// (migrations tooling, health checks).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the resolved filesystem path of the database, for callers
// that snapshot the file directly (e.g. the backup service).
func (db *DB) Path() string {
	return db.path
}
