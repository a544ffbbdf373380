// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

import (
	"context"
	"errors"
)

// actionResult is what an action hands back to the state machine: the message
// and state recorded on the change.
type actionResult struct {
	msg   string
	state State
}

func forwardResult(err error) actionResult {
	if err != nil {
		return actionResult{msg: err.Error(), state: StateError}
	}
	return actionResult{msg: msgSuccess, state: StateDone}
}

func revertResult(err error) actionResult {
	if err != nil {
		return actionResult{msg: err.Error(), state: StateCancelError}
	}
	return actionResult{msg: msgSuccess, state: StateCancelled}
}

// doChange dispatches a started change to its forward action.
func (c *Coordinator) doChange(ctx context.Context, ch *Change) actionResult {
	switch ch.Act {
	case ActInsert:
		return c.doInsert(ctx, ch)
	case ActUpdate:
		return c.doUpdate(ctx, ch)
	case ActUpsert:
		return c.doUpsert(ctx, ch)
	case ActRemove:
		return c.doRemove(ctx, ch)
	default:
		return actionResult{msg: "invalid change action", state: StateError}
	}
}

// doRevert dispatches a change in state cancelling to its compensating action.
func (c *Coordinator) doRevert(ctx context.Context, ch *Change) actionResult {
	switch ch.Act {
	case ActInsert:
		return c.doRevertInsert(ctx, ch)
	case ActUpdate:
		return c.doRevertUpdate(ctx, ch)
	case ActUpsert:
		return c.doRevertUpsert(ctx, ch)
	case ActRemove:
		return c.doRevertRemove(ctx, ch)
	default:
		return actionResult{msg: "invalid change action", state: StateCancelError}
	}
}

// doInsert constructs the document from the change data, forces its identity
// to the change's docId and attempts an atomic create. A duplicate identity is
// a conflict the caller must resolve, not a transient fault, so it is reported
// with a distinguishing message.
func (c *Coordinator) doInsert(ctx context.Context, ch *Change) actionResult {
	doc := ch.Data.Clone()
	doc[IdentityField] = ch.DocID
	err := c.docs.InsertDoc(ctx, ch.Coll, ch.DocID, doc)
	if errors.Is(err, ErrDocExists) {
		return actionResult{msg: msgDocExists, state: StateError}
	}
	return forwardResult(err)
}

// doUpdate builds a conditional update keyed by docId, optionally fenced to
// the document version named by push.v/pull.v. The body composes the field
// set (identity stripped), the increments, one array append and one array
// remove. No-upsert semantics: no matching document fails the change.
func (c *Coordinator) doUpdate(ctx context.Context, ch *Change) actionResult {
	mut := DocMutation{Inc: ch.Inc, Push: ch.Push, Pull: ch.Pull}
	if ch.Data != nil {
		mut.Set = ch.Data.Clone()
		delete(mut.Set, IdentityField)
	}
	var fence *int64
	if ch.Push != nil && ch.Push.V != 0 {
		fence = &ch.Push.V
	} else if ch.Pull != nil && ch.Pull.V != 0 {
		fence = &ch.Pull.V
	}
	err := c.docs.ModifyDoc(ctx, ch.Coll, ch.DocID, fence, mut)
	if errors.Is(err, ErrDocNotFound) {
		return actionResult{msg: msgNoDocUpdate, state: StateError}
	}
	return forwardResult(err)
}

// doRemove deletes the document. Absence is an error, not a silent success.
func (c *Coordinator) doRemove(ctx context.Context, ch *Change) actionResult {
	err := c.docs.DeleteDoc(ctx, ch.Coll, ch.DocID)
	if errors.Is(err, ErrDocNotFound) {
		return actionResult{msg: msgNoDocRemove, state: StateError}
	}
	return forwardResult(err)
}

// doUpsert is a placeholder. The validator rejects upserts at admission, so
// this is unreachable through the public surface; it reports success without
// side effect, as does its compensation.
func (c *Coordinator) doUpsert(_ context.Context, _ *Change) actionResult {
	return forwardResult(nil)
}

// doRevertInsert compensates an applied insert by deleting the document it
// created.
func (c *Coordinator) doRevertInsert(ctx context.Context, ch *Change) actionResult {
	return revertResult(c.docs.DeleteDoc(ctx, ch.Coll, ch.DocID))
}

// doRevertUpdate compensates an applied update by replacing the document with
// the prev snapshot captured at admission.
func (c *Coordinator) doRevertUpdate(ctx context.Context, ch *Change) actionResult {
	err := c.docs.ReplaceDoc(ctx, ch.Coll, ch.DocID, ch.Prev)
	if errors.Is(err, ErrDocNotFound) {
		return actionResult{msg: msgNoDocRestore, state: StateCancelError}
	}
	return revertResult(err)
}

// doRevertRemove compensates an applied remove by re-inserting the prev
// snapshot. A duplicate identity here is a compensation failure, not success:
// someone else recreated the document while the transaction held its claim.
func (c *Coordinator) doRevertRemove(ctx context.Context, ch *Change) actionResult {
	doc := ch.Prev.Clone()
	doc[IdentityField] = ch.DocID
	err := c.docs.InsertDoc(ctx, ch.Coll, ch.DocID, doc)
	if errors.Is(err, ErrDocExists) {
		return actionResult{msg: msgDocExists, state: StateCancelError}
	}
	return revertResult(err)
}

func (c *Coordinator) doRevertUpsert(_ context.Context, _ *Change) actionResult {
	return revertResult(nil)
}
