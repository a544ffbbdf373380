// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

// State is a lifecycle state of a transaction or of one of its changes.
type State string

// Transaction and change lifecycle states
const (
	StateNew         State = "new"
	StateStarted     State = "started"
	StateCancelling  State = "cancelling"
	StateCancelled   State = "cancelled"
	StateCancelError State = "cancelerror"
	StateError       State = "error"
	StateDone        State = "done"
)

// Act identifies the operation a change performs against its target document.
type Act string

// Change actions
const (
	ActInsert Act = "insert"
	ActUpdate Act = "update"
	ActUpsert Act = "upsert"
	ActRemove Act = "remove"
)

// IdentityField is the document field that carries a document's identity.
const IdentityField = "id"

// Messages recorded on a change after an action runs
const (
	msgSuccess      = "success"
	msgDocExists    = "document already exists"
	msgNoDocUpdate  = "could not find document to update"
	msgNoDocRemove  = "could not find document to remove"
	msgNoDocRestore = "could not find document to restore"
)
