// Package storetest holds the behaviour every ledger.LedgerStore must share.
// Store packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) ledger.LedgerStore

// Run executes the shared store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.LedgerStore)
	}{
		{"AppendMaintainsRunningTotal", appendMaintainsRunningTotal},
		{"SequenceMustContinue", sequenceMustContinue},
		{"IdempotencyKeyUniquePerAccount", idempotencyKeyUniquePerAccount},
		{"BatchIsAtomic", batchIsAtomic},
		{"TxCommitsTogether", txCommitsTogether},
		{"TxRollsBack", txRollsBack},
		{"MovementLookup", movementLookup},
		{"AccountRegistry", accountRegistry},
		{"ServiceEndToEnd", serviceEndToEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// Movement builds a movement with a deterministic ID and timestamp.
func Movement(acct ledger.AccountID, seq int64, kind ledger.Kind, amount string) ledger.Movement {
	return ledger.Movement{
		ID:          ledger.MovementID(fmt.Sprintf("%s-%d", acct, seq)),
		AccountID:   acct,
		Kind:        kind,
		Amount:      ledger.MustAmount(amount),
		Description: string(kind),
		Sequence:    seq,
		CreatedAt:   base.Add(time.Duration(seq) * time.Second),
	}
}

func open(t *testing.T, s ledger.LedgerStore, ids ...ledger.AccountID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.OpenAccount(context.Background(), ledger.Account{ID: id, CreatedAt: base}))
	}
}

func appendMaintainsRunningTotal(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a")

	require.NoError(t, s.Append(ctx, Movement("a", 1, ledger.Credit, "100")))
	require.NoError(t, s.Append(ctx, Movement("a", 2, ledger.Debit, "40.25")))
	require.NoError(t, s.Append(ctx, Movement("a", 3, ledger.Credit, "0.25")))

	total, err := s.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "60.00", total.Balance().String())
	assert.Equal(t, int64(3), total.Sequence)
	assert.True(t, total.LastMovementAt.Equal(base.Add(3*time.Second)))

	history, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.True(t, ledger.Replay("a", history).Equal(total), "replay must equal the maintained total")
	assert.Equal(t, ledger.Debit, history[1].Kind)
	assert.Equal(t, "40.25", history[1].Amount.String())

	empty, err := s.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, empty.Balance().IsZero())
}

func sequenceMustContinue(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a")
	require.NoError(t, s.Append(ctx, Movement("a", 1, ledger.Credit, "10")))

	gap := Movement("a", 3, ledger.Credit, "10")
	assert.ErrorIs(t, s.Append(ctx, gap), ledger.ErrSequenceConflict)

	again := Movement("a", 1, ledger.Credit, "10")
	again.ID = "a-1-again"
	assert.ErrorIs(t, s.Append(ctx, again), ledger.ErrSequenceConflict)

	total, err := s.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "10.00", total.Balance().String())
}

func idempotencyKeyUniquePerAccount(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a", "b")

	first := Movement("a", 1, ledger.Credit, "10")
	first.IdempotencyKey = "k1"
	require.NoError(t, s.Append(ctx, first))

	dup := Movement("a", 2, ledger.Credit, "10")
	dup.IdempotencyKey = "k1"
	assert.ErrorIs(t, s.Append(ctx, dup), ledger.ErrDuplicateIdempotencyKey)

	other := Movement("b", 1, ledger.Credit, "10")
	other.IdempotencyKey = "k1"
	assert.NoError(t, s.Append(ctx, other), "keys are scoped to an account")

	found, err := s.FindByIdempotencyKey(ctx, "a", "k1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = s.FindByIdempotencyKey(ctx, "a", "missing")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)
}

func batchIsAtomic(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a", "b")
	require.NoError(t, s.Append(ctx, Movement("b", 1, ledger.Credit, "5")))

	err := s.AppendBatch(ctx, []ledger.Movement{
		Movement("a", 1, ledger.Credit, "10"),
		Movement("b", 1, ledger.Credit, "10"),
	})
	assert.ErrorIs(t, err, ledger.ErrSequenceConflict)

	history, err := s.History(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, history)
	total, err := s.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total.Sequence)
}

func txCommitsTogether(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a", "b")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.Append(ctx, Movement("a", 1, ledger.Credit, "10")); err != nil {
			return err
		}
		total, err := tx.Balance(ctx, "a")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), total.Sequence, "reads inside the tx see its writes")
		return tx.AppendBatch(ctx, []ledger.Movement{
			Movement("a", 2, ledger.Debit, "4"),
			Movement("b", 1, ledger.Credit, "4"),
		})
	})
	require.NoError(t, err)

	a, _ := s.Balance(ctx, "a")
	b, _ := s.Balance(ctx, "b")
	assert.Equal(t, "6.00", a.Balance().String())
	assert.Equal(t, "4.00", b.Balance().String())
}

func txRollsBack(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a")
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.Append(ctx, Movement("a", 1, ledger.Credit, "10")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	history, err := s.History(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, history)
	_, err = s.Movement(ctx, "a-1")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)
}

func movementLookup(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a", "b")

	debit := Movement("a", 1, ledger.Debit, "3")
	debit.TransferID, debit.CounterpartyID = "tr-1", "b"
	credit := Movement("b", 1, ledger.Credit, "3")
	credit.TransferID, credit.CounterpartyID = "tr-1", "a"
	// Balance checks are not the store's job
	require.NoError(t, s.AppendBatch(ctx, []ledger.Movement{debit, credit}))

	got, err := s.Movement(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferID("tr-1"), got.TransferID)
	assert.Equal(t, ledger.AccountID("b"), got.CounterpartyID)
	assert.True(t, got.CreatedAt.Equal(debit.CreatedAt))

	_, err = s.Movement(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)

	leg, err := s.FindByTransfer(ctx, "b", "tr-1")
	require.NoError(t, err)
	assert.Equal(t, credit.ID, leg.ID)
	_, err = s.FindByTransfer(ctx, "a", "tr-2")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)

	// Legs staged in a transaction are visible to it
	err = s.WithTx(ctx, func(tx ledger.Store) error {
		staged := Movement("b", 2, ledger.Credit, "1")
		staged.TransferID, staged.CounterpartyID = "tr-2", "a"
		if err := tx.Append(ctx, staged); err != nil {
			return err
		}
		leg, err := tx.FindByTransfer(ctx, "b", "tr-2")
		if err != nil {
			return err
		}
		assert.Equal(t, staged.ID, leg.ID)
		return nil
	})
	require.NoError(t, err)
}

func accountRegistry(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "b", "a")

	assert.ErrorIs(t, s.OpenAccount(ctx, ledger.Account{ID: "a", CreatedAt: base}), ledger.ErrAccountExists)

	_, err := s.Account(ctx, "c")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	acct, err := s.Account(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("a"), acct.ID)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, ledger.AccountID("a"), accounts[0].ID)
	assert.Equal(t, ledger.AccountID("b"), accounts[1].ID)
}

// serviceEndToEnd drives the store through the service, including a race.
func serviceEndToEnd(t *testing.T, s ledger.LedgerStore) {
	ctx := context.Background()
	open(t, s, "a", "b")
	svc := ledger.NewService(s)

	_, err := svc.Deposit(ctx, "a", ledger.MustAmount("100"), "Deposit")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, "a", ledger.MustAmount("100"), "Withdraw")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, declined int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			declined++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, declined)

	_, err = svc.Deposit(ctx, "a", ledger.MustAmount("50"), "Deposit")
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, ledger.TransferInput{From: "a", To: "b", Amount: ledger.MustAmount("20"), IdempotencyKey: "t1"})
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, ledger.TransferInput{From: "a", To: "b", Amount: ledger.MustAmount("20"), IdempotencyKey: "t1"})
	require.NoError(t, err)

	stmt, err := svc.Statement(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "30.00", stmt.Balance.String())
	assert.Len(t, stmt.Movements, 4)

	for _, id := range []ledger.AccountID{"a", "b"} {
		_, err := svc.Verify(ctx, id)
		assert.NoError(t, err)
	}
}
