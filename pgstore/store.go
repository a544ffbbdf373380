// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

// Package pgstore is a PostgreSQL-backed implementation of the transact store
// interfaces.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements both transact.DocStore and transact.TxnStore over a
// PostgreSQL pool. All tables live in a dedicated "transact" schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps an existing pool and initializes the schema. The caller owns
// the pool's lifecycle.
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize transact schema: %w", err)
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) initializeSchema(ctx context.Context) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS transact`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transact.txn (
			id            UUID PRIMARY KEY,
			app           TEXT NOT NULL,
			state         TEXT NOT NULL,
			version       BIGINT NOT NULL DEFAULT 0,
			created       TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_modified TIMESTAMPTZ NOT NULL DEFAULT now(),
			delayed_ns    BIGINT NOT NULL DEFAULT 0
		)`,

		// The UNIQUE on doc_id is the system-wide mutual exclusion lock: one
		// outstanding change per document across all live transactions.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transact.txn_change (
			txn_id  UUID NOT NULL REFERENCES transact.txn(id) ON DELETE CASCADE,
			seq     INT NOT NULL,
			coll    TEXT NOT NULL,
			doc_id  TEXT NOT NULL UNIQUE,
			act     TEXT NOT NULL,
			data    JSONB,
			inc     JSONB,
			push    JSONB,
			pull    JSONB,
			prev    JSONB,
			state   TEXT NOT NULL,
			msg     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (txn_id, seq)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS transact.doc (
			coll    TEXT NOT NULL,
			doc_id  TEXT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			payload JSONB NOT NULL,
			PRIMARY KEY (coll, doc_id)
		)`,

		`CREATE INDEX IF NOT EXISTS txn_change_state_idx ON transact.txn_change(txn_id, state)`,
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, migration := range migrations {
			s.logger.Debug("running transact migration", "step", i+1, "total", len(migrations))
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("transact migration %d failed: %w", i+1, err)
			}
		}
		return nil
	})
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

// querier abstracts *pgxpool.Pool and pgx.Tx for the shared read helpers.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
