// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package litestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/niahmiah/go-transact/transact"
)

// InsertDoc atomically creates a document.
func (s *Store) InsertDoc(ctx context.Context, coll, docID string, doc transact.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", coll, docID, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transact_doc (coll, doc_id, payload) VALUES (?, ?, ?)`,
		coll, docID, string(payload))
	if isConstraintViolation(err) {
		return transact.ErrDocExists
	}
	if err != nil {
		return fmt.Errorf("insert document %s/%s: %w", coll, docID, err)
	}
	return nil
}

// FindDoc returns the current payload and version of a document.
func (s *Store) FindDoc(ctx context.Context, coll, docID string) (transact.Document, int64, error) {
	return findDoc(ctx, s.db, coll, docID)
}

func findDoc(ctx context.Context, q querier, coll, docID string) (transact.Document, int64, error) {
	var (
		version int64
		payload string
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, payload FROM transact_doc WHERE coll = ? AND doc_id = ?`,
		coll, docID).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, transact.ErrDocNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("find document %s/%s: %w", coll, docID, err)
	}
	var doc transact.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, 0, fmt.Errorf("unmarshal document %s/%s: %w", coll, docID, err)
	}
	return doc, version, nil
}

// ModifyDoc applies a conditional find-and-modify. SQLite's single-writer
// model plus the surrounding SQL transaction make the read-modify-write
// atomic.
func (s *Store) ModifyDoc(ctx context.Context, coll, docID string, fence *int64, mut transact.DocMutation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin modify %s/%s: %w", coll, docID, err)
	}
	defer tx.Rollback()

	doc, version, err := findDoc(ctx, tx, coll, docID)
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE transact_doc SET payload = ?, version = version + 1 WHERE coll = ? AND doc_id = ?`,
		string(payload), coll, docID); err != nil {
		return fmt.Errorf("update document %s/%s: %w", coll, docID, err)
	}
	return tx.Commit()
}

// ReplaceDoc swaps the document's payload wholesale.
func (s *Store) ReplaceDoc(ctx context.Context, coll, docID string, doc transact.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s/%s: %w", coll, docID, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transact_doc SET payload = ?, version = version + 1 WHERE coll = ? AND doc_id = ?`,
		string(payload), coll, docID)
	if err != nil {
		return fmt.Errorf("replace document %s/%s: %w", coll, docID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return transact.ErrDocNotFound
	}
	return nil
}

// DeleteDoc atomically removes a document.
func (s *Store) DeleteDoc(ctx context.Context, coll, docID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transact_doc WHERE coll = ? AND doc_id = ?`, coll, docID)
	if err != nil {
		return fmt.Errorf("delete document %s/%s: %w", coll, docID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return transact.ErrDocNotFound
	}
	return nil
}
