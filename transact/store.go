// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// DocStore is the document store driver the coordinator mutates business
// documents through. Every method is a single-document atomic operation, and
// every method reports "no match" (ErrDocNotFound, ErrDocExists) distinctly
// from an operation error.
type DocStore interface {
	// InsertDoc atomically creates a document. Returns ErrDocExists when the
	// identity is already taken.
	InsertDoc(ctx context.Context, coll, docID string, doc Document) error

	// FindDoc returns the current payload and version of a document.
	FindDoc(ctx context.Context, coll, docID string) (Document, int64, error)

	// ModifyDoc applies a conditional find-and-modify. When fence is non-nil
	// the modification only matches a document at exactly that version.
	// Returns ErrDocNotFound when the filter matches nothing; never upserts.
	ModifyDoc(ctx context.Context, coll, docID string, fence *int64, mut DocMutation) error

	// ReplaceDoc swaps the document's payload wholesale.
	ReplaceDoc(ctx context.Context, coll, docID string, doc Document) error

	// DeleteDoc atomically removes a document. Absence is ErrDocNotFound,
	// not a silent success.
	DeleteDoc(ctx context.Context, coll, docID string) error
}

// DocMutation is the update body of a conditional find-and-modify: set fields,
// increment numeric fields, append to one array field and remove from one
// array field.
type DocMutation struct {
	Set  Document
	Inc  map[string]float64
	Push *PushSpec
	Pull *PullSpec
}

// Apply composes the mutation over a document payload and returns the result.
// Store implementations use it inside their own atomic read-modify-write.
func (m DocMutation) Apply(doc Document) Document {
	out := doc.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range m.Set {
		out[k] = v
	}
	for k, delta := range m.Inc {
		out[k] = asFloat(out[k]) + delta
	}
	if m.Push != nil {
		arr, _ := out[m.Push.To].([]any)
		out[m.Push.To] = append(arr, m.Push.Data)
	}
	if m.Pull != nil {
		if arr, ok := out[m.Pull.From].([]any); ok {
			kept := make([]any, 0, len(arr))
			for _, v := range arr {
				if !reflect.DeepEqual(v, m.Pull.Data) {
					kept = append(kept, v)
				}
			}
			out[m.Pull.From] = kept
		}
	}
	return out
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// TxnFilter narrows a conditional transaction write to an expected snapshot.
// Nil fields match anything. When ChangeDocID is set the write targets that
// change; ChangeState without ChangeDocID requires some change to currently be
// in that state.
type TxnFilter struct {
	Version     *int64
	State       *State
	ChangeDocID string
	ChangeState *State
}

// TxnUpdate is the mutation side of a conditional transaction write. Every
// matched write also bumps the transaction version and its last-modified
// timestamp. Nil fields are left untouched.
type TxnUpdate struct {
	State       *State
	App         *string
	ChangeState *State
	ChangeMsg   *string
}

// TxnStore persists transactions. Implementations enforce a uniqueness
// constraint over the doc ids of all changes across all stored transactions;
// that constraint is the system's only cross-transaction lock.
type TxnStore interface {
	// InsertTxn persists a new transaction and its changes. Returns ErrDocHeld
	// when another stored transaction already claims one of the doc ids.
	InsertTxn(ctx context.Context, tx *Transaction) error

	// UpdateTxn is the compare-and-swap every state transition runs through:
	// it applies set iff expect still matches, bumps the version, and returns
	// the new value. Returns ErrTxnConflict when nothing matched.
	UpdateTxn(ctx context.Context, id uuid.UUID, expect TxnFilter, set TxnUpdate) (*Transaction, error)

	// DeleteTxn removes the transaction iff it is in state and every change is
	// in changeState. Returns ErrTxnConflict when the condition fails.
	DeleteTxn(ctx context.Context, id uuid.UUID, state, changeState State) error

	// FindTxn returns the stored transaction, or ErrTxnNotFound.
	FindTxn(ctx context.Context, id uuid.UUID) (*Transaction, error)
}
