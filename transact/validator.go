// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

// Validate is the admission gate: it checks every change in sequence order and
// fails closed on the first violation. A transaction that fails validation is
// never persisted.
func Validate(tx *Transaction) error {
	if tx.App == "" {
		return &ValidationError{Index: -1, Reason: "transaction requires an app"}
	}
	if len(tx.Changes) == 0 {
		return &ValidationError{Index: -1, Reason: "a transaction without changes is not a transaction"}
	}
	for i := range tx.Changes {
		if reason := validateChange(&tx.Changes[i]); reason != "" {
			return &ValidationError{Index: i, DocID: tx.Changes[i].DocID, Reason: reason}
		}
	}
	return nil
}

// validateChange returns the first violation found, or "".
func validateChange(ch *Change) string {
	if ch.Coll == "" {
		return "change requires a collection name"
	}
	if ch.DocID == "" {
		return "change requires a docId"
	}
	switch ch.Act {
	case ActInsert:
		return validateInsert(ch)
	case ActUpdate:
		return validateUpdate(ch)
	case ActUpsert:
		return "upsert is not implemented"
	case ActRemove:
		return validateRemove(ch)
	default:
		return "invalid change action"
	}
}

func validateInsert(ch *Change) string {
	if ch.Data == nil {
		return "inserts require data"
	}
	if id, ok := ch.Data[IdentityField]; !ok {
		return "insert data requires an identity"
	} else if s, ok := id.(string); !ok || s != ch.DocID {
		return "insert data identity does not match docId"
	}
	if ch.Prev != nil {
		return "inserts cannot have a previous document"
	}
	if ch.Inc != nil {
		return "inserts cannot increment"
	}
	if ch.Push != nil {
		return "inserts cannot push"
	}
	if ch.Pull != nil {
		return "inserts cannot pull"
	}
	return ""
}

func validateUpdate(ch *Change) string {
	if ch.Prev == nil {
		return "updates require a copy of the previous document"
	}
	if ch.Inc == nil && ch.Data == nil && ch.Push == nil && ch.Pull == nil {
		return "update requested with no update fields"
	}
	if ch.Push != nil {
		if ch.Push.To == "" {
			return "push requires a field to push to"
		}
		if ch.Push.Data == nil {
			return "push requires data"
		}
	}
	if ch.Pull != nil {
		if ch.Pull.From == "" {
			return "pull requires a field to pull from"
		}
		if ch.Pull.Data == nil {
			return "pull requires data"
		}
	}
	if ch.Push != nil && ch.Pull != nil && ch.Push.V != 0 && ch.Pull.V != 0 && ch.Push.V != ch.Pull.V {
		return "push and pull have different doc versions"
	}
	return ""
}

func validateRemove(ch *Change) string {
	if ch.Prev == nil {
		return "remove requires a copy of the current document"
	}
	if ch.Data != nil {
		return "remove does not take data"
	}
	if ch.Inc != nil {
		return "remove cannot increment"
	}
	if ch.Push != nil {
		return "remove cannot push"
	}
	if ch.Pull != nil {
		return "remove cannot pull"
	}
	return ""
}
