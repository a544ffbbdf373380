// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Store sentinels. Both store implementations map their driver-specific
// failures onto these so the coordinator can tell "no match" apart from an
// operation error.
var (
	// ErrDocExists indicates an atomic create hit a duplicate document identity.
	ErrDocExists = errors.New("document already exists")

	// ErrDocNotFound indicates a conditional modify or delete matched no document.
	ErrDocNotFound = errors.New("document not found")

	// ErrDocHeld indicates another live transaction already claims one of the
	// requested documents.
	ErrDocHeld = errors.New("document is claimed by another transaction")

	// ErrTxnConflict indicates a conditional transaction write matched nothing:
	// the expected version or state no longer holds.
	ErrTxnConflict = errors.New("transaction state conflict")

	// ErrTxnNotFound indicates the transaction record does not exist.
	ErrTxnNotFound = errors.New("transaction not found")
)

// ValidationError reports a malformed change request. The transaction was not
// persisted and the request is never retried.
type ValidationError struct {
	Index  int    // position of the offending change, -1 for transaction-level
	DocID  string // target document of the offending change
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid transaction: " + e.Reason
	}
	return fmt.Sprintf("invalid change %d (%s): %s", e.Index, e.DocID, e.Reason)
}

// ConflictError reports an optimistic-concurrency or uniqueness collision.
// Creation-time collisions are retried with bounded backoff before one is
// surfaced; every other conflict is surfaced immediately.
type ConflictError struct {
	Op    string // coordinator step that hit the conflict
	TxnID uuid.UUID
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on transaction %s: %v", e.Op, e.TxnID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ActionError reports a forward action failure against the document store.
// It is what triggers rollback.
type ActionError struct {
	Coll  string
	DocID string
	Msg   string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Coll, e.DocID, e.Msg)
}

// CompensationError reports a failed compensating action. The transaction is
// escalated to the error state and retained for operator inspection; a
// document was left in a post-mutation state with no automated recovery.
type CompensationError struct {
	Coll  string
	DocID string
	Msg   string
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("change cannot be reverted; %s: %s: %s", e.Coll, e.DocID, e.Msg)
}

// RollbackError reports that a transaction failed but every applied change was
// compensated. Cause is the original failure that triggered the rollback.
type RollbackError struct {
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction failed, but was rolled back successfully: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }
