// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package transact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validInsert(docID string) Change {
	return Change{
		Coll:  "users",
		DocID: docID,
		Act:   ActInsert,
		Data:  Document{"id": docID, "name": "Bob"},
	}
}

func validUpdate(docID string) Change {
	return Change{
		Coll:  "users",
		DocID: docID,
		Act:   ActUpdate,
		Data:  Document{"phone": "123-123-1234"},
		Prev:  Document{"id": docID, "name": "Bob"},
	}
}

func validRemove(docID string) Change {
	return Change{
		Coll:  "users",
		DocID: docID,
		Act:   ActRemove,
		Prev:  Document{"id": docID, "name": "Bob"},
	}
}

func TestValidateTransactionLevel(t *testing.T) {
	err := Validate(NewTransaction("test", nil))
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, -1, verr.Index)

	err = Validate(NewTransaction("", []Change{validInsert("u1")}))
	require.Error(t, err)

	err = Validate(NewTransaction("test", []Change{validInsert("u1"), validInsert("u2")}))
	require.NoError(t, err)
}

func TestValidateChangeShape(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Change)
		base    func(string) Change
		wantErr string
	}{
		{"missing coll", func(c *Change) { c.Coll = "" }, validInsert, "collection name"},
		{"missing docId", func(c *Change) { c.DocID = "" }, validInsert, "docId"},
		{"unknown act", func(c *Change) { c.Act = "merge" }, validInsert, "invalid change action"},
		{"upsert rejected", func(c *Change) { c.Act = ActUpsert }, validInsert, "not implemented"},

		{"insert without data", func(c *Change) { c.Data = nil }, validInsert, "require data"},
		{"insert without identity", func(c *Change) { delete(c.Data, "id") }, validInsert, "identity"},
		{"insert identity mismatch", func(c *Change) { c.Data["id"] = "other" }, validInsert, "does not match docId"},
		{"insert with prev", func(c *Change) { c.Prev = Document{"id": "u1"} }, validInsert, "previous document"},
		{"insert with inc", func(c *Change) { c.Inc = map[string]float64{"n": 1} }, validInsert, "cannot increment"},
		{"insert with push", func(c *Change) { c.Push = &PushSpec{To: "tags", Data: "x"} }, validInsert, "cannot push"},
		{"insert with pull", func(c *Change) { c.Pull = &PullSpec{From: "tags", Data: "x"} }, validInsert, "cannot pull"},

		{"update without prev", func(c *Change) { c.Prev = nil }, validUpdate, "previous document"},
		{"update without fields", func(c *Change) { c.Data = nil }, validUpdate, "no update fields"},
		{"push without target", func(c *Change) { c.Push = &PushSpec{Data: "x"} }, validUpdate, "field to push to"},
		{"push without data", func(c *Change) { c.Push = &PushSpec{To: "tags"} }, validUpdate, "push requires data"},
		{"pull without source", func(c *Change) { c.Pull = &PullSpec{Data: "x"} }, validUpdate, "field to pull from"},
		{"pull without data", func(c *Change) { c.Pull = &PullSpec{From: "tags"} }, validUpdate, "pull requires data"},
		{"push pull fence mismatch", func(c *Change) {
			c.Push = &PushSpec{To: "tags", Data: "x", V: 3}
			c.Pull = &PullSpec{From: "tags", Data: "y", V: 4}
		}, validUpdate, "different doc versions"},

		{"remove without prev", func(c *Change) { c.Prev = nil }, validRemove, "current document"},
		{"remove with data", func(c *Change) { c.Data = Document{"x": 1} }, validRemove, "does not take data"},
		{"remove with inc", func(c *Change) { c.Inc = map[string]float64{"n": 1} }, validRemove, "cannot increment"},
		{"remove with push", func(c *Change) { c.Push = &PushSpec{To: "tags", Data: "x"} }, validRemove, "cannot push"},
		{"remove with pull", func(c *Change) { c.Pull = &PullSpec{From: "tags", Data: "x"} }, validRemove, "cannot pull"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := tt.base("u1")
			tt.mutate(&ch)
			err := Validate(NewTransaction("test", []Change{ch}))
			require.Error(t, err)
			require.ErrorContains(t, err, tt.wantErr)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateFirstViolationWins(t *testing.T) {
	// A change violating several rules reports the first one found.
	ch := validInsert("u1")
	ch.Data = nil
	ch.Inc = map[string]float64{"n": 1}
	err := Validate(NewTransaction("test", []Change{ch}))
	require.ErrorContains(t, err, "require data")
}

func TestValidateUpdateVariants(t *testing.T) {
	// Any one of data, inc, push or pull is enough.
	for name, mutate := range map[string]func(*Change){
		"inc only":  func(c *Change) { c.Data = nil; c.Inc = map[string]float64{"balance": -5} },
		"push only": func(c *Change) { c.Data = nil; c.Push = &PushSpec{To: "events", Data: "e"} },
		"pull only": func(c *Change) { c.Data = nil; c.Pull = &PullSpec{From: "events", Data: "e"} },
		"matching fences": func(c *Change) {
			c.Data = nil
			c.Push = &PushSpec{To: "events", Data: "e", V: 2}
			c.Pull = &PullSpec{From: "tags", Data: "x", V: 2}
		},
	} {
		t.Run(name, func(t *testing.T) {
			ch := validUpdate("u1")
			mutate(&ch)
			require.NoError(t, Validate(NewTransaction("test", []Change{ch})))
		})
	}
}

func TestValidateReportsOffendingChange(t *testing.T) {
	bad := validUpdate("u2")
	bad.Prev = nil
	err := Validate(NewTransaction("test", []Change{validInsert("u1"), bad}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, 1, verr.Index)
	require.Equal(t, "u2", verr.DocID)
}
