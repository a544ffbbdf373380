// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

// Package transact coordinates pseudo-transactions over a document store that
// has no native multi-document transaction primitive. A batch of changes is
// executed forward one document at a time; on any failure the already-applied
// changes are undone by compensating operations, so that either every change
// completes or none survive observably.
package transact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config holds coordinator tuning knobs.
type Config struct {
	// CreateTimeout bounds the total backoff spent retrying transaction
	// creation against a document-claim collision.
	CreateTimeout time.Duration

	// RetryDelay is the fixed backoff increment between creation retries.
	RetryDelay time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() *Config {
	return &Config{
		CreateTimeout: 5 * time.Second,
		RetryDelay:    20 * time.Millisecond,
	}
}

// Coordinator drives transactions through their lifecycle. Changes within one
// transaction execute strictly sequentially; distinct transactions may run
// concurrently, fenced from each other only by the document-claim uniqueness
// constraint in the transaction store.
type Coordinator struct {
	txns   TxnStore
	docs   DocStore
	config *Config
	logger *slog.Logger
}

// NewCoordinator creates a coordinator over the given stores.
func NewCoordinator(txns TxnStore, docs DocStore, config *Config, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{txns: txns, docs: docs, config: config, logger: logger}
}

// CreateTransaction validates and persists a new transaction for app. On a
// document-claim collision it retries with a linear backoff until the
// configured timeout, then surfaces a ConflictError. The returned transaction
// is in state "new"; pass it to Start to run it.
func (c *Coordinator) CreateTransaction(ctx context.Context, app string, changes []Change) (*Transaction, error) {
	tx := NewTransaction(app, changes)
	if err := Validate(tx); err != nil {
		return nil, err
	}
	if err := c.create(ctx, tx); err != nil {
		return nil, err
	}
	c.logger.Debug("transaction created", "txn", tx.ID, "app", app,
		"changes", len(tx.Changes), "delayed", tx.Delayed)
	return tx, nil
}

// create persists tx, absorbing claim collisions into bounded linear backoff.
func (c *Coordinator) create(ctx context.Context, tx *Transaction) error {
	for {
		err := c.txns.InsertTxn(ctx, tx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDocHeld) {
			return fmt.Errorf("persist transaction %s: %w", tx.ID, err)
		}
		if tx.Delayed >= c.config.CreateTimeout {
			return &ConflictError{Op: "create", TxnID: tx.ID, Err: err}
		}
		tx.Delayed += c.config.RetryDelay
		c.logger.Debug("document claim collision, retrying create",
			"txn", tx.ID, "delayed", tx.Delayed)
		if err := sleepWithContext(ctx, c.config.RetryDelay); err != nil {
			return err
		}
	}
}

// Execute is the end-to-end happy path: create the transaction and run it to a
// terminal state in one call.
func (c *Coordinator) Execute(ctx context.Context, app string, changes []Change) error {
	tx, err := c.CreateTransaction(ctx, app, changes)
	if err != nil {
		return err
	}
	return c.Start(ctx, tx, app)
}

// Start transitions the transaction from new to started, recording app as the
// originator, then executes its changes in order. A nil return means every
// change applied and the transaction record was deleted. A RollbackError means
// the transaction failed but every applied change was compensated. A
// CompensationError means rollback itself failed and the transaction is
// retained in the error state.
//
// The transition is fenced on the version tx last observed: if the stored
// transaction moved on (already started, or touched by a concurrent writer)
// Start reports a ConflictError and changes nothing.
func (c *Coordinator) Start(ctx context.Context, tx *Transaction, app string) error {
	cur, err := c.txns.UpdateTxn(ctx, tx.ID,
		TxnFilter{Version: &tx.Version, State: statePtr(StateNew)},
		TxnUpdate{State: statePtr(StateStarted), App: &app},
	)
	if errors.Is(err, ErrTxnConflict) {
		return &ConflictError{Op: "start", TxnID: tx.ID, Err: err}
	}
	if err != nil {
		return fmt.Errorf("start transaction %s: %w", tx.ID, err)
	}
	*tx = *cur
	c.logger.Debug("transaction started", "txn", tx.ID, "app", app)
	return c.startChanges(ctx, tx)
}

// startChanges executes changes strictly in sequence order. The first failure
// stops the iteration and hands the error to revert; if every change
// completes, finish deletes the transaction.
func (c *Coordinator) startChanges(ctx context.Context, tx *Transaction) error {
	for i := range tx.Changes {
		if err := c.startChange(ctx, tx, i); err != nil {
			return c.revert(ctx, tx, err)
		}
	}
	return c.finish(ctx, tx)
}

// startChange marks change i started, runs its forward action and records the
// result.
func (c *Coordinator) startChange(ctx context.Context, tx *Transaction, i int) error {
	docID := tx.Changes[i].DocID
	cur, err := c.txns.UpdateTxn(ctx, tx.ID,
		TxnFilter{Version: &tx.Version, ChangeDocID: docID, ChangeState: statePtr(StateNew)},
		TxnUpdate{ChangeState: statePtr(StateStarted)},
	)
	if errors.Is(err, ErrTxnConflict) {
		return &ConflictError{Op: "start change " + docID, TxnID: tx.ID, Err: err}
	}
	if err != nil {
		return fmt.Errorf("start change %s in transaction %s: %w", docID, tx.ID, err)
	}
	*tx = *cur

	res := c.doChange(ctx, &tx.Changes[i])
	return c.handleChangeResult(ctx, tx, i, res)
}

// handleChangeResult records {state,msg} on change i, fenced on the version
// observed when the action's result came back. Losing that race is an error of
// its own, distinct from the action's outcome. A recorded error state surfaces
// as the ActionError that triggers rollback.
func (c *Coordinator) handleChangeResult(ctx context.Context, tx *Transaction, i int, res actionResult) error {
	ch := tx.Changes[i]
	cur, err := c.txns.UpdateTxn(ctx, tx.ID,
		TxnFilter{Version: &tx.Version, ChangeDocID: ch.DocID},
		TxnUpdate{ChangeState: &res.state, ChangeMsg: &res.msg},
	)
	if errors.Is(err, ErrTxnConflict) {
		return &ConflictError{Op: "record change " + ch.DocID, TxnID: tx.ID, Err: err}
	}
	if err != nil {
		return fmt.Errorf("record change %s in transaction %s: %w", ch.DocID, tx.ID, err)
	}
	*tx = *cur
	if res.state == StateError {
		c.logger.Warn("change failed", "txn", tx.ID, "coll", ch.Coll,
			"doc", ch.DocID, "act", ch.Act, "msg", res.msg)
		return &ActionError{Coll: ch.Coll, DocID: ch.DocID, Msg: res.msg}
	}
	return nil
}

// finish deletes the transaction, conditioned on it still being started with
// every change done. A conflict here should not occur when the bookkeeping
// above is correct; it signals a logic or concurrency bug.
func (c *Coordinator) finish(ctx context.Context, tx *Transaction) error {
	if err := c.txns.DeleteTxn(ctx, tx.ID, StateStarted, StateDone); err != nil {
		if errors.Is(err, ErrTxnConflict) {
			return &ConflictError{Op: "finish", TxnID: tx.ID, Err: err}
		}
		return fmt.Errorf("finish transaction %s: %w", tx.ID, err)
	}
	c.logger.Info("transaction committed", "txn", tx.ID, "changes", len(tx.Changes))
	return nil
}

// revert transitions started to cancelling, conditioned on some change being
// in the error state, then drives the compensation pass. cause is the failure
// that got us here; it is reported back to the caller once rollback completes.
func (c *Coordinator) revert(ctx context.Context, tx *Transaction, cause error) error {
	cur, err := c.txns.UpdateTxn(ctx, tx.ID,
		TxnFilter{Version: &tx.Version, State: statePtr(StateStarted), ChangeState: statePtr(StateError)},
		TxnUpdate{State: statePtr(StateCancelling)},
	)
	if errors.Is(err, ErrTxnConflict) {
		return &ConflictError{Op: "revert", TxnID: tx.ID, Err: err}
	}
	if err != nil {
		return fmt.Errorf("revert transaction %s: %w", tx.ID, err)
	}
	*tx = *cur
	c.logger.Warn("rolling back transaction", "txn", tx.ID, "cause", cause)
	return c.revertChanges(ctx, tx, cause)
}

// revertChanges walks the changes in sequence order. Changes that never
// applied are marked cancelled outright; applied changes get their
// compensating action. The first compensation failure stops the iteration and
// fails the whole revert.
func (c *Coordinator) revertChanges(ctx context.Context, tx *Transaction, cause error) error {
	for i := range tx.Changes {
		if err := c.revertChange(ctx, tx, i); err != nil {
			return c.failRevert(ctx, tx, err)
		}
	}
	return c.completeRevert(ctx, tx, cause)
}

func (c *Coordinator) revertChange(ctx context.Context, tx *Transaction, i int) error {
	docID := tx.Changes[i].DocID
	switch from := tx.Changes[i].State; from {
	case StateNew, StateError:
		// Nothing was applied; cancel without compensation.
		cur, err := c.txns.UpdateTxn(ctx, tx.ID,
			TxnFilter{Version: &tx.Version, ChangeDocID: docID, ChangeState: &from},
			TxnUpdate{ChangeState: statePtr(StateCancelled)},
		)
		if errors.Is(err, ErrTxnConflict) {
			return &ConflictError{Op: "cancel change " + docID, TxnID: tx.ID, Err: err}
		}
		if err != nil {
			return fmt.Errorf("cancel change %s in transaction %s: %w", docID, tx.ID, err)
		}
		*tx = *cur
		return nil
	case StateDone:
		cur, err := c.txns.UpdateTxn(ctx, tx.ID,
			TxnFilter{Version: &tx.Version, ChangeDocID: docID, ChangeState: &from},
			TxnUpdate{ChangeState: statePtr(StateCancelling)},
		)
		if errors.Is(err, ErrTxnConflict) {
			return &ConflictError{Op: "cancel change " + docID, TxnID: tx.ID, Err: err}
		}
		if err != nil {
			return fmt.Errorf("cancel change %s in transaction %s: %w", docID, tx.ID, err)
		}
		*tx = *cur
		res := c.doRevert(ctx, &tx.Changes[i])
		return c.handleRevertResult(ctx, tx, i, res)
	default:
		return nil
	}
}

// handleRevertResult mirrors handleChangeResult for the compensation pass,
// with cancelerror as the failure state.
func (c *Coordinator) handleRevertResult(ctx context.Context, tx *Transaction, i int, res actionResult) error {
	ch := tx.Changes[i]
	cur, err := c.txns.UpdateTxn(ctx, tx.ID,
		TxnFilter{Version: &tx.Version, ChangeDocID: ch.DocID},
		TxnUpdate{ChangeState: &res.state, ChangeMsg: &res.msg},
	)
	if errors.Is(err, ErrTxnConflict) {
		return &ConflictError{Op: "record revert " + ch.DocID, TxnID: tx.ID, Err: err}
	}
	if err != nil {
		return fmt.Errorf("record revert %s in transaction %s: %w", ch.DocID, tx.ID, err)
	}
	*tx = *cur
	if res.state == StateCancelError {
		return &CompensationError{Coll: ch.Coll, DocID: ch.DocID, Msg: res.msg}
	}
	return nil
}

// failRevert marks the whole transaction failed, unconditionally, and raises
// the compensation failure as fatal. This is the single unrecoverable failure
// mode: a document was left in a post-mutation state. The transaction is
// retained, still claiming its doc ids, until an operator intervenes.
func (c *Coordinator) failRevert(ctx context.Context, tx *Transaction, revErr error) error {
	if _, err := c.txns.UpdateTxn(ctx, tx.ID, TxnFilter{}, TxnUpdate{State: statePtr(StateError)}); err != nil {
		return fmt.Errorf("mark transaction %s failed after %v: %w", tx.ID, revErr, err)
	}
	c.logger.Error("rollback failed, transaction retained for inspection",
		"txn", tx.ID, "error", revErr)
	return revErr
}

// completeRevert deletes the fully rolled-back transaction, releasing its doc
// claims, and reports the original trigger: the caller must know the requested
// work did not happen.
func (c *Coordinator) completeRevert(ctx context.Context, tx *Transaction, cause error) error {
	if err := c.txns.DeleteTxn(ctx, tx.ID, StateCancelling, StateCancelled); err != nil {
		if errors.Is(err, ErrTxnConflict) {
			return &ConflictError{Op: "complete revert", TxnID: tx.ID, Err: err}
		}
		return fmt.Errorf("complete revert of transaction %s: %w", tx.ID, err)
	}
	c.logger.Warn("transaction rolled back", "txn", tx.ID, "cause", cause)
	return &RollbackError{Cause: cause}
}

// CaptureSnapshots fills in the prev snapshot of every update and remove
// change that does not carry one, reading the current document through the
// store. Call it before CreateTransaction; prev is both the validation input
// and the rollback payload.
func (c *Coordinator) CaptureSnapshots(ctx context.Context, changes []Change) error {
	for i := range changes {
		ch := &changes[i]
		if ch.Prev != nil || (ch.Act != ActUpdate && ch.Act != ActRemove) {
			continue
		}
		doc, _, err := c.docs.FindDoc(ctx, ch.Coll, ch.DocID)
		if err != nil {
			return fmt.Errorf("snapshot %s/%s: %w", ch.Coll, ch.DocID, err)
		}
		ch.Prev = doc
	}
	return nil
}

// Get returns the stored transaction. Committed and rolled-back transactions
// are deleted, so this is mostly useful for inspecting transactions retained
// in the error state.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return c.txns.FindTxn(ctx, id)
}

func statePtr(s State) *State { return &s }
