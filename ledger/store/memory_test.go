package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/ledger/store"
	"github.com/warp/balance-ledger/ledger/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.LedgerStore {
		return store.NewMemory()
	})
}

func TestMemory_WithTxStagesUntilCommit(t *testing.T) {
	// GIVEN: A transaction that has appended but not returned
	ctx := context.Background()
	s := store.NewMemory()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.Append(ctx, storetest.Movement("a", 1, ledger.Credit, "10")))
		require.NoError(t, tx.Append(ctx, storetest.Movement("a", 2, ledger.Credit, "15")))

		// THEN: Reads outside the transaction do not see it
		outside, err := s.Balance(ctx, "a")
		require.NoError(t, err)
		assert.True(t, outside.Balance().IsZero())
		outsideHistory, _ := s.History(ctx, "a")
		assert.Empty(t, outsideHistory)

		// and reads inside do
		found, err := tx.FindByIdempotencyKey(ctx, "a", "")
		assert.ErrorIs(t, err, ledger.ErrMovementNotFound)
		assert.Empty(t, found.ID)
		m, err := tx.Movement(ctx, "a-2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), m.Sequence)
		return nil
	})
	require.NoError(t, err)

	total, _ := s.Balance(ctx, "a")
	assert.Equal(t, "25.00", total.Balance().String())
}

func TestMemory_StagedKeyVisibleInsideTx(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		m := storetest.Movement("a", 1, ledger.Credit, "10")
		m.IdempotencyKey = "k"
		require.NoError(t, tx.Append(ctx, m))

		found, err := tx.FindByIdempotencyKey(ctx, "a", "k")
		require.NoError(t, err)
		assert.Equal(t, m.ID, found.ID)

		dup := storetest.Movement("a", 2, ledger.Credit, "10")
		dup.IdempotencyKey = "k"
		assert.ErrorIs(t, tx.Append(ctx, dup), ledger.ErrDuplicateIdempotencyKey)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ConflictingCommitRejected(t *testing.T) {
	// GIVEN: A write that lands on the parent while a tx is open
	ctx := context.Background()
	s := store.NewMemory()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		require.NoError(t, tx.Append(ctx, storetest.Movement("a", 1, ledger.Credit, "10")))
		other := storetest.Movement("a", 1, ledger.Credit, "99")
		other.ID = "outside"
		require.NoError(t, s.Append(ctx, other))
		return nil
	})

	// THEN: The commit fails rather than forking the sequence
	assert.ErrorIs(t, err, ledger.ErrSequenceConflict)
	total, _ := s.Balance(ctx, "a")
	assert.Equal(t, "99.00", total.Balance().String())
}
