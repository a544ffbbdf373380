// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

// Package litestore is a SQLite-backed implementation of the transact store
// interfaces, suitable for embedded deployments and for in-memory tests.
package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// Store implements both transact.DocStore and transact.TxnStore over a single
// SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	writeMu sync.Mutex // serialize writers to sidestep SQLite locking issues
}

// Open opens (or creates) the database at dsn and initializes the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	store, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing database handle and initializes the schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// A single connection keeps :memory: databases coherent (each new
	// connection would otherwise see a fresh empty database).
	db.SetMaxOpenConns(1)
	if err := initializeSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS transact_txn (
			id            TEXT PRIMARY KEY,
			app           TEXT NOT NULL,
			state         TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 0,
			created       INTEGER NOT NULL,  -- unix millis
			last_modified INTEGER NOT NULL,  -- unix millis
			delayed_ns    INTEGER NOT NULL DEFAULT 0
		)`,

		// The UNIQUE on doc_id is the system-wide mutual exclusion lock: one
		// outstanding change per document across all live transactions. It is
		// released when the transaction row cascades its changes away.
		`CREATE TABLE IF NOT EXISTS transact_txn_change (
			txn_id  TEXT NOT NULL REFERENCES transact_txn(id) ON DELETE CASCADE,
			seq     INTEGER NOT NULL,
			coll    TEXT NOT NULL,
			doc_id  TEXT NOT NULL UNIQUE,
			act     TEXT NOT NULL,
			data    TEXT,  -- JSON
			inc     TEXT,  -- JSON
			push    TEXT,  -- JSON
			pull    TEXT,  -- JSON
			prev    TEXT,  -- JSON
			state   TEXT NOT NULL,
			msg     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (txn_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS transact_doc (
			coll    TEXT NOT NULL,
			doc_id  TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			payload TEXT NOT NULL,  -- JSON
			PRIMARY KEY (coll, doc_id)
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create transact table: %w", err)
		}
	}
	return nil
}

// isConstraintViolation reports whether err is a SQLite uniqueness or primary
// key constraint failure.
func isConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint
}

// querier abstracts *sql.DB and *sql.Tx for the shared read helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
