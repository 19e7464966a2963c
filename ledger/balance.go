/*
balance.go - Balance calculation from movement history

PURPOSE:
  Answers "what is this account's balance?" in two ways that must always
  agree:
    (a) Replay: fold every committed movement from sequence 1
    (b) RunningTotal: the value the store updates in the same atomic write
        as each append

  (b) is the hot path for admission. (a) is the source of truth, used by
  Verify and by the audit scheduler to detect drift.

BALANCE:
  Balance = sum(credits) - sum(debits)

  Credits and debits are kept separately so a drift report can say which
  side diverged.

SEE ALSO:
  - store.go: Balance() returns the maintained RunningTotal
  - api/scheduler.go: Periodic Verify over all accounts
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// RUNNING TOTAL - Incrementally maintained balance
// =============================================================================

// RunningTotal is an account's balance as of its latest movement.
type RunningTotal struct {
	AccountID      AccountID
	Credits        Amount
	Debits         Amount
	Sequence       int64
	LastMovementAt time.Time
}

// EmptyTotal is the running total of an account with no movements.
func EmptyTotal(id AccountID) RunningTotal {
	return RunningTotal{AccountID: id, Credits: ZeroAmount(), Debits: ZeroAmount()}
}

func (t RunningTotal) Balance() Amount {
	return t.Credits.Sub(t.Debits)
}

// Apply returns the total after m. It does not check admission.
func (t RunningTotal) Apply(m Movement) RunningTotal {
	switch m.Kind {
	case Credit:
		t.Credits = t.Credits.Add(m.Amount)
	case Debit:
		t.Debits = t.Debits.Add(m.Amount)
	}
	t.Sequence = m.Sequence
	if m.CreatedAt.After(t.LastMovementAt) {
		t.LastMovementAt = m.CreatedAt
	}
	return t
}

// Equal compares the balance-bearing fields.
func (t RunningTotal) Equal(o RunningTotal) bool {
	return t.Credits.Equal(o.Credits) &&
		t.Debits.Equal(o.Debits) &&
		t.Sequence == o.Sequence
}

// Replay folds movements in order. Movements are expected to belong to one
// account and be sorted by Sequence.
func Replay(id AccountID, movements []Movement) RunningTotal {
	total := EmptyTotal(id)
	for _, m := range movements {
		total = total.Apply(m)
	}
	return total
}

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

// BalanceReader is the read-only slice of Store the calculator needs.
type BalanceReader interface {
	Balance(ctx context.Context, id AccountID) (RunningTotal, error)
	History(ctx context.Context, id AccountID) ([]Movement, error)
}

// BalanceCalculator computes balances. It has no side effects and only
// needs read access.
type BalanceCalculator struct {
	Store BalanceReader
}

// Current returns the maintained balance.
func (bc *BalanceCalculator) Current(ctx context.Context, id AccountID) (Amount, error) {
	total, err := bc.Store.Balance(ctx, id)
	if err != nil {
		return Amount{}, persistenceErr("read balance", err)
	}
	return total.Balance(), nil
}

// Replayed returns the balance computed from full history.
func (bc *BalanceCalculator) Replayed(ctx context.Context, id AccountID) (RunningTotal, error) {
	history, err := bc.Store.History(ctx, id)
	if err != nil {
		return RunningTotal{}, persistenceErr("read history", err)
	}
	return Replay(id, history), nil
}

// Verify checks that the maintained total matches a replay.
// Both reads must see the same snapshot, so callers that race with writers
// should hold the account's section or run inside a store transaction.
func (bc *BalanceCalculator) Verify(ctx context.Context, id AccountID) (RunningTotal, error) {
	maintained, err := bc.Store.Balance(ctx, id)
	if err != nil {
		return RunningTotal{}, persistenceErr("read balance", err)
	}
	replayed, err := bc.Replayed(ctx, id)
	if err != nil {
		return RunningTotal{}, err
	}
	if !maintained.Equal(replayed) {
		return maintained, &BalanceDriftError{AccountID: id, Maintained: maintained, Replayed: replayed}
	}
	return maintained, nil
}
