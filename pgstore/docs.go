// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/niahmiah/go-transact/transact"
)

// InsertDoc atomically creates a document.
func (s *Store) InsertDoc(ctx context.Context, coll, docID string, doc transact.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", coll, docID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO transact.doc (coll, doc_id, payload)
		VALUES (@coll, @doc_id, @payload)`,
		pgx.NamedArgs{"coll": coll, "doc_id": docID, "payload": payload})
	if isUniqueViolation(err) {
		return transact.ErrDocExists
	}
	if err != nil {
		return fmt.Errorf("insert document %s/%s: %w", coll, docID, err)
	}
	return nil
}

// FindDoc returns the current payload and version of a document.
func (s *Store) FindDoc(ctx context.Context, coll, docID string) (transact.Document, int64, error) {
	return findDoc(ctx, s.pool, coll, docID, false)
}

func findDoc(ctx context.Context, q querier, coll, docID string, forUpdate bool) (transact.Document, int64, error) {
	query := `SELECT version, payload FROM transact.doc WHERE coll = @coll AND doc_id = @doc_id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		version int64
		payload []byte
	)
	err := q.QueryRow(ctx, query, pgx.NamedArgs{"coll": coll, "doc_id": docID}).
		Scan(&version, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, transact.ErrDocNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("find document %s/%s: %w", coll, docID, err)
	}
	var doc transact.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal document %s/%s: %w", coll, docID, err)
	}
	return doc, version, nil
}

// ModifyDoc applies a conditional find-and-modify. The row lock taken by
// SELECT FOR UPDATE makes the read-modify-write atomic.
func (s *Store) ModifyDoc(ctx context.Context, coll, docID string, fence *int64, mut transact.DocMutation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		doc, version, err := findDoc(ctx, tx, coll, docID, true)
		if err != nil {
			return err
		}
		if fence != nil && version != *fence {
			// A stale fence is "no match", same as a missing document.
			return transact.ErrDocNotFound
		}
		payload, err := json.Marshal(mut.Apply(doc))
		if err != nil {
			return fmt.Errorf("marshal document %s/%s: %w", coll, docID, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE transact.doc SET payload = @payload, version = version + 1
			WHERE coll = @coll AND doc_id = @doc_id`,
			pgx.NamedArgs{"coll": coll, "doc_id": docID, "payload": payload})
		if err != nil {
			return fmt.Errorf("update document %s/%s: %w", coll, docID, err)
		}
		return nil
	})
}

// ReplaceDoc swaps the document's payload wholesale.
func (s *Store) ReplaceDoc(ctx context.Context, coll, docID string, doc transact.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", coll, docID, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transact.doc SET payload = @payload, version = version + 1
		WHERE coll = @coll AND doc_id = @doc_id`,
		pgx.NamedArgs{"coll": coll, "doc_id": docID, "payload": payload})
	if err != nil {
		return fmt.Errorf("replace document %s/%s: %w", coll, docID, err)
	}
	if tag.RowsAffected() == 0 {
		return transact.ErrDocNotFound
	}
	return nil
}

// DeleteDoc atomically removes a document.
func (s *Store) DeleteDoc(ctx context.Context, coll, docID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM transact.doc WHERE coll = @coll AND doc_id = @doc_id`,
		pgx.NamedArgs{"coll": coll, "doc_id": docID})
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", coll, docID, err)
	}
	if tag.RowsAffected() == 0 {
		return transact.ErrDocNotFound
	}
	return nil
}
