// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/niahmiah/go-transact/transact"
)

// InsertTxn persists a new transaction and its changes in one SQL transaction.
// The UNIQUE constraint on change doc ids turns a concurrent claim into
// transact.ErrDocHeld.
func (s *Store) InsertTxn(ctx context.Context, txn *transact.Transaction) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction %s: %w", txn.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transact_txn (id, app, state, version, created, last_modified, delayed_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.App, string(txn.State), txn.Version,
		txn.Created.UnixMilli(), txn.LastModified.UnixMilli(), int64(txn.Delayed),
	); err != nil {
		if isConstraintViolation(err) {
			return transact.ErrDocHeld
		}
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}

	for i := range txn.Changes {
		ch := &txn.Changes[i]
		data, err := encodeJSON(ch.Data)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", ch.DocID, err)
		}
		inc, err := encodeJSON(ch.Inc)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", ch.DocID, err)
		}
		push, err := encodeJSON(ch.Push)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", ch.DocID, err)
		}
		pull, err := encodeJSON(ch.Pull)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", ch.DocID, err)
		}
		prev, err := encodeJSON(ch.Prev)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", ch.DocID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transact_txn_change
				(txn_id, seq, coll, doc_id, act, data, inc, push, pull, prev, state, msg)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID.String(), i, ch.Coll, ch.DocID, string(ch.Act),
			data, inc, push, pull, prev, string(ch.State), ch.Msg,
		); err != nil {
			if isConstraintViolation(err) {
				return transact.ErrDocHeld
			}
			return fmt.Errorf("insert change %s of transaction %s: %w", ch.DocID, txn.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateTxn applies set iff expect still matches, bumps the version and
// returns the fresh transaction.
func (s *Store) UpdateTxn(ctx context.Context, id uuid.UUID, expect transact.TxnFilter, set transact.TxnUpdate) (*transact.Transaction, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update transaction %s: %w", id, err)
	}
	defer tx.Rollback()

	// The version/state CAS on the transaction row fences everything below.
	query := `UPDATE transact_txn
		SET version = version + 1, last_modified = ?,
		    state = COALESCE(?, state), app = COALESCE(?, app)
		WHERE id = ?`
	args := []any{time.Now().UTC().UnixMilli(), nullableState(set.State), nullableString(set.App), id.String()}
	if expect.Version != nil {
		query += ` AND version = ?`
		args = append(args, *expect.Version)
	}
	if expect.State != nil {
		query += ` AND state = ?`
		args = append(args, string(*expect.State))
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update transaction %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, transact.ErrTxnConflict
	}

	if expect.ChangeState != nil && expect.ChangeDocID == "" {
		// Filter-only condition: some change must currently be in this state.
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM transact_txn_change WHERE txn_id = ? AND state = ?
			)`, id.String(), string(*expect.ChangeState)).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check change state in transaction %s: %w", id, err)
		}
		if !exists {
			return nil, transact.ErrTxnConflict
		}
	}

	if set.ChangeState != nil || set.ChangeMsg != nil {
		query := `UPDATE transact_txn_change
			SET state = COALESCE(?, state), msg = COALESCE(?, msg)
			WHERE txn_id = ? AND doc_id = ?`
		args := []any{nullableState(set.ChangeState), nullableString(set.ChangeMsg), id.String(), expect.ChangeDocID}
		if expect.ChangeState != nil {
			query += ` AND state = ?`
			args = append(args, string(*expect.ChangeState))
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("update change %s of transaction %s: %w", expect.ChangeDocID, id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n == 0 {
			return nil, transact.ErrTxnConflict
		}
	}

	txn, err := loadTxn(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// DeleteTxn removes the transaction iff it is in state and every change is in
// changeState, releasing the doc id claims.
func (s *Store) DeleteTxn(ctx context.Context, id uuid.UUID, state, changeState transact.State) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM transact_txn
		WHERE id = ? AND state = ?
		  AND NOT EXISTS (
			SELECT 1 FROM transact_txn_change WHERE txn_id = transact_txn.id AND state <> ?
		  )`, id.String(), string(state), string(changeState))
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return transact.ErrTxnConflict
	}
	// Explicit cleanup; does not rely on foreign_keys being on for this
	// connection.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transact_txn_change WHERE txn_id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete changes of transaction %s: %w", id, err)
	}
	return tx.Commit()
}

// FindTxn returns the stored transaction.
func (s *Store) FindTxn(ctx context.Context, id uuid.UUID) (*transact.Transaction, error) {
	return loadTxn(ctx, s.db, id)
}

func loadTxn(ctx context.Context, q querier, id uuid.UUID) (*transact.Transaction, error) {
	var (
		app, state            string
		version               int64
		created, lastModified int64
		delayed               int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT app, state, version, created, last_modified, delayed_ns
		FROM transact_txn WHERE id = ?`, id.String()).
		Scan(&app, &state, &version, &created, &lastModified, &delayed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transact.ErrTxnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", id, err)
	}
	txn := &transact.Transaction{
		ID:           id,
		App:          app,
		State:        transact.State(state),
		Version:      version,
		Created:      time.UnixMilli(created).UTC(),
		LastModified: time.UnixMilli(lastModified).UTC(),
		Delayed:      time.Duration(delayed),
	}

	rows, err := q.QueryContext(ctx, `
		SELECT coll, doc_id, act, data, inc, push, pull, prev, state, msg
		FROM transact_txn_change WHERE txn_id = ? ORDER BY seq`, id.String())
	if err != nil {
		return nil, fmt.Errorf("load changes of transaction %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ch                          transact.Change
			act, chState                string
			data, inc, push, pull, prev sql.NullString
		)
		if err := rows.Scan(&ch.Coll, &ch.DocID, &act, &data, &inc, &push, &pull, &prev, &chState, &ch.Msg); err != nil {
			return nil, fmt.Errorf("scan change of transaction %s: %w", id, err)
		}
		ch.Act = transact.Act(act)
		ch.State = transact.State(chState)
		if err := decodeJSON(data, &ch.Data); err != nil {
			return nil, fmt.Errorf("decode change %s: %w", ch.DocID, err)
		}
		if err := decodeJSON(inc, &ch.Inc); err != nil {
			return nil, fmt.Errorf("decode change %s: %w", ch.DocID, err)
		}
		if err := decodeJSON(push, &ch.Push); err != nil {
			return nil, fmt.Errorf("decode change %s: %w", ch.DocID, err)
		}
		if err := decodeJSON(pull, &ch.Pull); err != nil {
			return nil, fmt.Errorf("decode change %s: %w", ch.DocID, err)
		}
		if err := decodeJSON(prev, &ch.Prev); err != nil {
			return nil, fmt.Errorf("decode change %s: %w", ch.DocID, err)
		}
		txn.Changes = append(txn.Changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load changes of transaction %s: %w", id, err)
	}
	return txn, nil
}

// encodeJSON marshals v for a nullable JSON column; nil values (including
// typed nils) become SQL NULL.
func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func decodeJSON(col sql.NullString, out any) error {
	if !col.Valid {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}

func nullableState(s *transact.State) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
