// Copyright 2025 The go-transact Authors
// SPDX-License-Identifier: Apache-2.0

package pgstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/niahmiah/go-transact/transact"
)

// testHarness runs the store against a disposable PostgreSQL container.
type testHarness struct {
	ctx   context.Context
	pool  *pgxpool.Pool
	store *Store
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("transact_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(ctx, pool, logger)
	require.NoError(t, err)

	return &testHarness{ctx: ctx, pool: pool, store: store}
}

func insertChange(coll, docID string, doc transact.Document) transact.Change {
	data := doc.Clone()
	if data == nil {
		data = transact.Document{}
	}
	data[transact.IdentityField] = docID
	return transact.Change{Coll: coll, DocID: docID, Act: transact.ActInsert, Data: data}
}

func statePtr(s transact.State) *transact.State { return &s }

func TestPostgresDocStore(t *testing.T) {
	h := newTestHarness(t)

	require.NoError(t, h.store.InsertDoc(h.ctx, "users", "bob",
		transact.Document{"id": "bob", "name": "Bob", "balance": float64(100)}))
	require.ErrorIs(t, h.store.InsertDoc(h.ctx, "users", "bob", transact.Document{"id": "bob"}),
		transact.ErrDocExists)

	doc, version, err := h.store.FindDoc(h.ctx, "users", "bob")
	require.NoError(t, err)
	require.Equal(t, "Bob", doc["name"])
	require.EqualValues(t, 1, version)

	err = h.store.ModifyDoc(h.ctx, "users", "bob", &version, transact.DocMutation{
		Set: transact.Document{"name": "Robert"},
		Inc: map[string]float64{"balance": -25},
	})
	require.NoError(t, err)

	doc, version, err = h.store.FindDoc(h.ctx, "users", "bob")
	require.NoError(t, err)
	require.Equal(t, "Robert", doc["name"])
	require.EqualValues(t, 75, doc["balance"])
	require.EqualValues(t, 2, version)

	stale := int64(1)
	err = h.store.ModifyDoc(h.ctx, "users", "bob", &stale, transact.DocMutation{
		Inc: map[string]float64{"balance": -25},
	})
	require.ErrorIs(t, err, transact.ErrDocNotFound)

	require.NoError(t, h.store.ReplaceDoc(h.ctx, "users", "bob", transact.Document{"id": "bob", "name": "Bob"}))
	require.NoError(t, h.store.DeleteDoc(h.ctx, "users", "bob"))
	require.ErrorIs(t, h.store.DeleteDoc(h.ctx, "users", "bob"), transact.ErrDocNotFound)
	_, _, err = h.store.FindDoc(h.ctx, "users", "bob")
	require.ErrorIs(t, err, transact.ErrDocNotFound)
}

func TestPostgresTxnStore(t *testing.T) {
	h := newTestHarness(t)

	txn := transact.NewTransaction("test", []transact.Change{
		insertChange("users", "u1", transact.Document{"name": "One"}),
		{
			Coll: "accounts", DocID: "a1", Act: transact.ActUpdate,
			Inc:  map[string]float64{"balance": -5},
			Push: &transact.PushSpec{To: "events", Data: "e1", V: 2},
			Prev: transact.Document{"id": "a1", "balance": float64(100)},
		},
	})
	require.NoError(t, h.store.InsertTxn(h.ctx, txn))

	got, err := h.store.FindTxn(h.ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, transact.StateNew, got.State)
	require.Len(t, got.Changes, 2)
	require.Equal(t, txn.Changes[1].Push, got.Changes[1].Push)
	require.Equal(t, txn.Changes[1].Prev, got.Changes[1].Prev)

	// Doc id claims are exclusive across transactions.
	require.ErrorIs(t, h.store.InsertTxn(h.ctx, transact.NewTransaction("test",
		[]transact.Change{insertChange("users", "u1", transact.Document{"name": "Other"})})),
		transact.ErrDocHeld)

	v0 := got.Version
	got, err = h.store.UpdateTxn(h.ctx, txn.ID,
		transact.TxnFilter{Version: &v0, State: statePtr(transact.StateNew)},
		transact.TxnUpdate{State: statePtr(transact.StateStarted)},
	)
	require.NoError(t, err)
	require.Equal(t, transact.StateStarted, got.State)
	require.Equal(t, v0+1, got.Version)

	_, err = h.store.UpdateTxn(h.ctx, txn.ID,
		transact.TxnFilter{Version: &v0, State: statePtr(transact.StateNew)},
		transact.TxnUpdate{State: statePtr(transact.StateStarted)},
	)
	require.ErrorIs(t, err, transact.ErrTxnConflict)

	msg := "success"
	for _, docID := range []string{"u1", "a1"} {
		got, err = h.store.UpdateTxn(h.ctx, txn.ID,
			transact.TxnFilter{Version: &got.Version, ChangeDocID: docID, ChangeState: statePtr(transact.StateNew)},
			transact.TxnUpdate{ChangeState: statePtr(transact.StateDone), ChangeMsg: &msg},
		)
		require.NoError(t, err)
	}
	require.Equal(t, transact.StateDone, got.Changes[0].State)
	require.Equal(t, transact.StateDone, got.Changes[1].State)

	require.NoError(t, h.store.DeleteTxn(h.ctx, txn.ID, transact.StateStarted, transact.StateDone))
	_, err = h.store.FindTxn(h.ctx, txn.ID)
	require.ErrorIs(t, err, transact.ErrTxnNotFound)

	// Deleting released the claims.
	require.NoError(t, h.store.InsertTxn(h.ctx, transact.NewTransaction("test",
		[]transact.Change{insertChange("users", "u1", transact.Document{"name": "Other"})})))
}

func TestPostgresEndToEnd(t *testing.T) {
	h := newTestHarness(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := transact.NewCoordinator(h.store, h.store, nil, logger)

	prev := transact.Document{"id": "a1", "balance": float64(100)}
	require.NoError(t, h.store.InsertDoc(h.ctx, "accounts", "a1", prev))

	err := coord.Execute(h.ctx, "test", []transact.Change{
		insertChange("users", "bob", transact.Document{"name": "Bob"}),
		{
			Coll: "accounts", DocID: "a1", Act: transact.ActUpdate,
			Inc: map[string]float64{"balance": -5}, Prev: prev,
		},
	})
	require.NoError(t, err)

	doc, _, err := h.store.FindDoc(h.ctx, "accounts", "a1")
	require.NoError(t, err)
	require.EqualValues(t, 95, doc["balance"])

	// Failure in the second change rolls back the first.
	err = coord.Execute(h.ctx, "test", []transact.Change{
		insertChange("users", "carol", transact.Document{"name": "Carol"}),
		insertChange("users", "bob", transact.Document{"name": "Bob Again"}),
	})
	var rberr *transact.RollbackError
	require.ErrorAs(t, err, &rberr)
	_, _, err = h.store.FindDoc(h.ctx, "users", "carol")
	require.ErrorIs(t, err, transact.ErrDocNotFound)
}
