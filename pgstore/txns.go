// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/niahmiah/go-transact/transact"
)

// InsertTxn persists a new transaction and its changes in one SQL transaction.
// The UNIQUE constraint on change doc ids turns a concurrent claim into
// transact.ErrDocHeld.
func (s *Store) InsertTxn(ctx context.Context, txn *transact.Transaction) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO transact.txn (id, app, state, version, created, last_modified, delayed_ns)
			VALUES (@id, @app, @state, @version, @created, @last_modified, @delayed_ns)`,
			pgx.NamedArgs{
				"id":            txn.ID,
				"app":           txn.App,
				"state":         string(txn.State),
				"version":       txn.Version,
				"created":       txn.Created,
				"last_modified": txn.LastModified,
				"delayed_ns":    int64(txn.Delayed),
			})
		if err != nil {
			return err
		}
		for i := range txn.Changes {
			ch := &txn.Changes[i]
			args := pgx.NamedArgs{
				"txn_id": txn.ID,
				"seq":    i,
				"coll":   ch.Coll,
				"doc_id": ch.DocID,
				"act":    string(ch.Act),
				"state":  string(ch.State),
				"msg":    ch.Msg,
			}
			for name, v := range map[string]any{
				"data": ch.Data, "inc": ch.Inc, "push": ch.Push, "pull": ch.Pull, "prev": ch.Prev,
			} {
				enc, err := encodeJSON(v)
				if err != nil {
					return fmt.Errorf("encode change %s: %w", ch.DocID, err)
				}
				args[name] = enc
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO transact.txn_change
					(txn_id, seq, coll, doc_id, act, data, inc, push, pull, prev, state, msg)
				VALUES (@txn_id, @seq, @coll, @doc_id, @act, @data, @inc, @push, @pull, @prev, @state, @msg)`,
				args); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return transact.ErrDocHeld
	}
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, err)
	}
	return nil
}

// UpdateTxn applies set iff expect still matches, bumps the version and
// returns the fresh transaction.
func (s *Store) UpdateTxn(ctx context.Context, id uuid.UUID, expect transact.TxnFilter, set transact.TxnUpdate) (*transact.Transaction, error) {
	var txn *transact.Transaction
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The version/state CAS on the transaction row fences everything below.
		query := `UPDATE transact.txn
			SET version = version + 1, last_modified = now(),
			    state = COALESCE(@new_state::text, state), app = COALESCE(@new_app::text, app)
			WHERE id = @id`
		args := pgx.NamedArgs{
			"id":        id,
			"new_state": nullableState(set.State),
			"new_app":   set.App,
		}
		if expect.Version != nil {
			query += ` AND version = @version`
			args["version"] = *expect.Version
		}
		if expect.State != nil {
			query += ` AND state = @state`
			args["state"] = string(*expect.State)
		}
		tag, err := tx.Exec(ctx, query, args)
		if err != nil {
			return fmt.Errorf("update transaction %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return transact.ErrTxnConflict
		}

		if expect.ChangeState != nil && expect.ChangeDocID == "" {
			// Filter-only condition: some change must currently be in this state.
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM transact.txn_change WHERE txn_id = @txn_id AND state = @state
				)`, pgx.NamedArgs{"txn_id": id, "state": string(*expect.ChangeState)}).Scan(&exists); err != nil {
				return fmt.Errorf("check change state in transaction %s: %w", id, err)
			}
			if !exists {
				return transact.ErrTxnConflict
			}
		}

		if set.ChangeState != nil || set.ChangeMsg != nil {
			query := `UPDATE transact.txn_change
				SET state = COALESCE(@new_state::text, state), msg = COALESCE(@new_msg::text, msg)
				WHERE txn_id = @txn_id AND doc_id = @doc_id`
			args := pgx.NamedArgs{
				"txn_id":    id,
				"doc_id":    expect.ChangeDocID,
				"new_state": nullableState(set.ChangeState),
				"new_msg":   set.ChangeMsg,
			}
			if expect.ChangeState != nil {
				query += ` AND state = @state`
				args["state"] = string(*expect.ChangeState)
			}
			tag, err := tx.Exec(ctx, query, args)
			if err != nil {
				return fmt.Errorf("update change %s of transaction %s: %w", expect.ChangeDocID, id, err)
			}
			if tag.RowsAffected() == 0 {
				return transact.ErrTxnConflict
			}
		}

		txn, err = loadTxn(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// DeleteTxn removes the transaction iff it is in state and every change is in
// changeState, releasing the doc id claims.
func (s *Store) DeleteTxn(ctx context.Context, id uuid.UUID, state, changeState transact.State) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM transact.txn
		WHERE id = @id AND state = @state
		  AND NOT EXISTS (
			SELECT 1 FROM transact.txn_change
			WHERE txn_id = transact.txn.id AND state <> @change_state
		  )`,
		pgx.NamedArgs{"id": id, "state": string(state), "change_state": string(changeState)})
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return transact.ErrTxnConflict
	}
	return nil
}

// FindTxn returns the stored transaction.
func (s *Store) FindTxn(ctx context.Context, id uuid.UUID) (*transact.Transaction, error) {
	return loadTxn(ctx, s.pool, id)
}

func loadTxn(ctx context.Context, q querier, id uuid.UUID) (*transact.Transaction, error) {
	var (
		txn     transact.Transaction
		state   string
		delayed int64
	)
	err := q.QueryRow(ctx, `
		SELECT app, state, version, created, last_modified, delayed_ns
		FROM transact.txn WHERE id = @id`, pgx.NamedArgs{"id": id}).
		Scan(&txn.App, &state, &txn.Version, &txn.Created, &txn.LastModified, &delayed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transact.ErrTxnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", id, err)
	}
	txn.ID = id
	txn.State = transact.State(state)
	txn.Delayed = time.Duration(delayed)

	rows, err := q.Query(ctx, `
		SELECT coll, doc_id, act, data, inc, push, pull, prev, state, msg
		FROM transact.txn_change WHERE txn_id = @txn_id ORDER BY seq`,
		pgx.NamedArgs{"txn_id": id})
	if err != nil {
		return nil, fmt.Errorf("load changes of transaction %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ch                          transact.Change
			act, chState                string
			data, inc, push, pull, prev []byte
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
	return &txn, nil
}

// encodeJSON marshals v for a nullable JSONB column; nil values (including
// typed nils) become SQL NULL.
func encodeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func decodeJSON(col []byte, out any) error {
	if col == nil {
		return nil
	}
	return json.Unmarshal(col, out)
}

func nullableState(s *transact.State) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
