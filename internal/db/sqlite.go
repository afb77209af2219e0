// Package db provides SQLite connection management for the agentmux store.
//
// The store is a single database file under the project state directory.
// Writes serialize through one connection; WAL mode lets readers proceed
// concurrently. The sqlite-vec extension is registered process-wide so the
// RAG vector table is available on every connection.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlitevec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// WAL mode allows many readers alongside the single writer.
	defaultReaderConns = 4
)

var vecOnce sync.Once

// registerVec loads sqlite-vec as an auto extension. Every sqlite3
// connection opened afterwards carries the vec0 module.
func registerVec() {
	vecOnce.Do(sqlitevec.Auto)
}

// writerDSN builds the writer connection string:
// - foreign_keys=on: enforce FK constraints consistently.
// - mode=rwc: create the file if missing (URI parameter, no underscore).
// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
// - journal_mode=WAL: better read concurrency with a single writer.
// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
func writerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(defaultBusyTimeout/time.Millisecond),
	)
}

// readerDSN builds the read-only connection string for the reader pool.
func readerDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_foreign_keys=on&mode=ro&_busy_timeout=%d",
		path,
		int(defaultBusyTimeout/time.Millisecond),
	)
}

// Open opens the agentmux database configured for writes (single connection).
func Open(dbPath string) (*sqlx.DB, error) {
	registerVec()

	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	db, err := sqlx.Open("sqlite3", writerDSN(normalizedPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// OpenReader opens a read-only connection pool with multiple concurrent
// connections. Combined with WAL mode, readers proceed without blocking on
// (or being blocked by) writes.
func OpenReader(dbPath string) (*sqlx.DB, error) {
	registerVec()

	db, err := sqlx.Open("sqlite3", readerDSN(normalizePath(dbPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(defaultReaderConns)
	db.SetMaxIdleConns(defaultReaderConns)

	return db, nil
}

// OpenMemory opens a private in-memory database. Used by tests and by the
// vector-extension probe.
func OpenMemory() (*sqlx.DB, error) {
	registerVec()

	db, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// WithTx executes fn inside a transaction on the writer connection.
// The transaction is rolled back if fn returns an error or panics,
// committed otherwise.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
