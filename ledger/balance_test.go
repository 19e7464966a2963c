package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
)

// fixedReader serves a maintained total and a history that may disagree.
type fixedReader struct {
	total   ledger.RunningTotal
	history []ledger.Movement
	err     error
}

func (r fixedReader) Balance(context.Context, ledger.AccountID) (ledger.RunningTotal, error) {
	return r.total, r.err
}

func (r fixedReader) History(context.Context, ledger.AccountID) ([]ledger.Movement, error) {
	return r.history, r.err
}

func movements() []ledger.Movement {
	return []ledger.Movement{
		{ID: "m1", AccountID: "a", Kind: ledger.Credit, Amount: amt("100"), Sequence: 1},
		{ID: "m2", AccountID: "a", Kind: ledger.Debit, Amount: amt("30.50"), Sequence: 2},
		{ID: "m3", AccountID: "a", Kind: ledger.Credit, Amount: amt("0.50"), Sequence: 3},
	}
}

func TestReplay(t *testing.T) {
	total := ledger.Replay("a", movements())

	assert.Equal(t, "70.00", total.Balance().String())
	assert.Equal(t, "100.50", total.Credits.String())
	assert.Equal(t, "30.50", total.Debits.String())
	assert.Equal(t, int64(3), total.Sequence)
}

func TestReplay_Empty(t *testing.T) {
	total := ledger.Replay("a", nil)
	assert.True(t, total.Balance().IsZero())
	assert.Equal(t, int64(0), total.Sequence)
}

func TestBalanceCalculator_VerifyMatches(t *testing.T) {
	history := movements()
	bc := &ledger.BalanceCalculator{Store: fixedReader{total: ledger.Replay("a", history), history: history}}

	total, err := bc.Verify(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "70.00", total.Balance().String())
}

func TestBalanceCalculator_VerifyDetectsDrift(t *testing.T) {
	// GIVEN: A maintained total that missed the last credit
	history := movements()
	maintained := ledger.Replay("a", history[:2])
	bc := &ledger.BalanceCalculator{Store: fixedReader{total: maintained, history: history}}

	// WHEN: Verifying
	_, err := bc.Verify(context.Background(), "a")

	// THEN: Drift is reported with both sides
	assert.ErrorIs(t, err, ledger.ErrBalanceDrift)
	var drift *ledger.BalanceDriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, "69.50", drift.Maintained.Balance().String())
	assert.Equal(t, "70.00", drift.Replayed.Balance().String())
}

func TestBalanceCalculator_ReadFailure(t *testing.T) {
	disk := errors.New("disk gone")
	bc := &ledger.BalanceCalculator{Store: fixedReader{err: disk}}

	_, err := bc.Current(context.Background(), "a")
	assert.ErrorIs(t, err, ledger.ErrPersistenceFailure)
	assert.ErrorIs(t, err, disk)
}
