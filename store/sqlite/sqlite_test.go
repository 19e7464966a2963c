package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/ledger/storetest"
	"github.com/warp/balance-ledger/store/sqlite"
	"github.com/warp/balance-ledger/users"
)

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.LedgerStore {
		return newTestStore(t)
	})
}

func TestStore_MovementRequiresOpenAccount(t *testing.T) {
	store := newTestStore(t)

	err := store.Append(context.Background(), storetest.Movement("ghost", 1, ledger.Credit, "1"))

	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_TransactionsQueueOnOneConnection(t *testing.T) {
	// GIVEN: A transaction on account a that has not finished
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.OpenAccount(ctx, ledger.Account{ID: "a", CreatedAt: time.Now()}))
	require.NoError(t, store.OpenAccount(ctx, ledger.Account{ID: "b", CreatedAt: time.Now()}))

	started := make(chan struct{})
	finish := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- store.WithTx(ctx, func(tx ledger.Store) error {
			close(started)
			<-finish
			return tx.Append(ctx, storetest.Movement("a", 1, ledger.Credit, "1"))
		})
	}()
	<-started

	// WHEN: A transaction on an unrelated account is started
	entered := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- store.WithTx(ctx, func(tx ledger.Store) error {
			close(entered)
			return tx.Append(ctx, storetest.Movement("b", 1, ledger.Credit, "1"))
		})
	}()

	// THEN: It waits for the connection until the first one commits
	select {
	case <-entered:
		t.Fatal("second transaction ran while the first held the connection")
	case <-time.After(50 * time.Millisecond):
	}
	close(finish)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	b, err := store.Balance(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "1.00", b.Balance().String())
}

func TestStore_SurvivesReopen(t *testing.T) {
	// GIVEN: A file-backed store with history
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	require.NoError(t, store.OpenAccount(ctx, ledger.Account{ID: "a", CreatedAt: time.Now()}))
	svc := ledger.NewService(store)
	_, err = svc.Deposit(ctx, "a", ledger.MustAmount("12.34"), "Deposit")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// WHEN: Reopening it
	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	// THEN: The running total and history are intact and agree
	svc = ledger.NewService(store)
	total, err := svc.Verify(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "12.34", total.Balance().String())
}

func TestStore_Users(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.OpenAccount(ctx, ledger.Account{ID: "acct-1", CreatedAt: time.Now()}))

	u := users.User{
		ID:           "user-1",
		Name:         "Ada",
		Email:        "Ada@Example.com",
		PasswordHash: "hash",
		AccountID:    "acct-1",
		CreatedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, store.CreateUser(ctx, u))

	byEmail, err := store.UserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", byEmail.ID)
	assert.Equal(t, ledger.AccountID("acct-1"), byEmail.AccountID)
	assert.True(t, byEmail.CreatedAt.Equal(u.CreatedAt))

	byID, err := store.UserByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", byID.Email)

	u.ID = "user-2"
	assert.ErrorIs(t, store.CreateUser(ctx, u), users.ErrEmailTaken)

	_, err = store.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, users.ErrUserNotFound)
}
