// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

import (
	"time"

	"github.com/google/uuid"
)

// Document is a schemaless document payload. The field named by IdentityField
// carries the document's identity within its collection.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// PushSpec appends a value to an array field. V optionally fences the update to
// a specific document version.
type PushSpec struct {
	To   string `json:"to"`
	Data any    `json:"data"`
	V    int64  `json:"v,omitempty"`
}

// PullSpec removes matching values from an array field. V optionally fences the
// update to a specific document version.
type PullSpec struct {
	From string `json:"from"`
	Data any    `json:"data"`
	V    int64  `json:"v,omitempty"`
}

// Change is a single document mutation inside a transaction. Changes execute
// and, on rollback, revert in the order they were submitted.
type Change struct {
	Coll  string             `json:"coll"`           // target collection
	DocID string             `json:"doc_id"`         // target document identity
	Act   Act                `json:"act"`            // insert, update, upsert or remove
	Data  Document           `json:"data,omitempty"` // insert payload or update field set
	Inc   map[string]float64 `json:"inc,omitempty"`  // numeric field deltas
	Push  *PushSpec          `json:"push,omitempty"`
	Pull  *PullSpec          `json:"pull,omitempty"`
	Prev  Document           `json:"prev,omitempty"` // pre-change snapshot, the rollback payload
	State State              `json:"state"`
	Msg   string             `json:"msg,omitempty"` // last operation result message
}

// Transaction is a batch of changes that either all complete or are all rolled
// back. Version is an optimistic-concurrency fence: every state-mutating write
// supplies the version it last observed and atomically increments it.
type Transaction struct {
	ID           uuid.UUID     `json:"id"`
	App          string        `json:"app"` // originator of the request
	Created      time.Time     `json:"created"`
	LastModified time.Time     `json:"last_modified"`
	State        State         `json:"state"`
	Version      int64         `json:"version"`
	Changes      []Change      `json:"changes"`
	Delayed      time.Duration `json:"delayed"` // backoff consumed retrying creation
}

// NewTransaction builds a transaction in state "new" with a fresh id. The
// change order is preserved as given.
func NewTransaction(app string, changes []Change) *Transaction {
	now := time.Now().UTC()
	tx := &Transaction{
		ID:           uuid.New(),
		App:          app,
		Created:      now,
		LastModified: now,
		State:        StateNew,
		Changes:      make([]Change, len(changes)),
	}
	copy(tx.Changes, changes)
	for i := range tx.Changes {
		if tx.Changes[i].State == "" {
			tx.Changes[i].State = StateNew
		}
	}
	return tx
}
