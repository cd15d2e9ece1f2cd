// Package storage is the durable SQLite-backed store for events, rules,
// alerts and session windows. WAL mode with separate read and write pools
// gives concurrent readers beside a single writer; every read-modify-write
// of an alert or session row runs inside a transaction on the single-writer
// pool, which serializes writers and stands in for a per-row exclusive lock.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the read and write connection pools.
type SQLite struct {
	WriteDB *sql.DB // single-writer pool, MaxOpenConns=1
	ReadDB  *sql.DB // concurrent reader pool
	Path    string
	Logger  *zap.SugaredLogger
}

const (
	readPoolSize     = 10
	busyTimeoutMS    = 5000
	writeTxTimeout   = 30 * time.Second
	connMaxIdleConns = 5
)

// NewSQLite opens (and migrates) the database at dbPath. ":memory:" opens a
// shared-cache in-memory database, used by tests.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dsn := dbPath
	if dbPath == ":memory:" {
		// Both pools must see the same in-memory database.
		dsn = "file::memory:?cache=shared"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open write pool: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	if err := configureConnection(writeDB, dbPath); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to configure write pool: %w", err)
	}

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(connMaxIdleConns)
	readDB.SetConnMaxLifetime(0)
	if err := configureConnection(readDB, dbPath); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("failed to configure read pool: %w", err)
	}

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("Opened SQLite storage", "path", dbPath)
	return s, nil
}

// configureConnection applies the pragmas every pool needs. WAL does not
// apply to in-memory databases; they report journal_mode=memory.
func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS)); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to read journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("journal mode is %q, want wal", journalMode)
	}
	return nil
}

// WithWriteTx runs fn inside a transaction on the write pool. The pool has
// exactly one connection, so write transactions serialize: a read-modify-
// write of an alert or session row holds the sole writer for its duration,
// which is the per-row lock discipline the dedup invariants require.
func (s *SQLite) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, writeTxTimeout)
	defer cancel()

	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.Logger.Warnw("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	return nil
}

// Close closes both pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
