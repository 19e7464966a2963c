/*
Package ledger provides the balance consistency engine.

PURPOSE:
  This package owns the one rule of the system that has a real invariant to
  protect: an account's balance is derived from its movement history, and no
  movement may be admitted that would drive it below zero. Everything around
  it (users, tokens, HTTP) hands this package a verified account ID and trusts
  nothing else.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: An exact decimal magnitude (never a float)
  - Movement: An immutable credit or debit recorded against one account
  - Kind: credit or debit; the sign is implied, never stored
  - RunningTotal: The incrementally maintained balance (see balance.go)

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified, only offset by new movements
  2. Precision: decimal.Decimal with at most MoneyScale fractional digits
  3. Ordering: Sequence numbers per account match admission order
  4. Type Safety: AccountID and MovementID are distinct types

USAGE:
  svc := ledger.NewService(store)
  mv, err := svc.Deposit(ctx, "acct-1", ledger.MustAmount("100"), "Deposit")

SEE ALSO:
  - balance.go: Replay and running-total calculation
  - policy.go: Admission decisions
  - service.go: The serialized record path
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits an amount may carry.
// 0.01 is the smallest representable unit.
const MoneyScale int32 = 2

// MaxIntegerDigits bounds the whole part of an amount, matching the
// NUMERIC(20, 2) columns of the SQL stores.
const MaxIntegerDigits int32 = 20 - MoneyScale

// maxAmountLen bounds the textual form accepted by ParseAmount.
const maxAmountLen = 64

// =============================================================================
// AMOUNT - Exact decimal magnitude
// =============================================================================

type Amount struct {
	Value decimal.Decimal
}

func NewAmount(value int64) Amount {
	return Amount{Value: decimal.NewFromInt(value)}
}

// ParseAmount parses a decimal string. It rejects values carrying more
// fractional digits than MoneyScale so that no rounding ever happens, and
// values whose whole part exceeds MaxIntegerDigits.
func ParseAmount(s string) (Amount, error) {
	if len(s) > maxAmountLen {
		return Amount{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidAmount, maxAmountLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := checkRange(d); err != nil {
		return Amount{}, fmt.Errorf("%w: %q", err, s)
	}
	return Amount{Value: d}, nil
}

// checkRange bounds d before any arithmetic that would rescale it. Only the
// exponent and coefficient length are inspected, so "1e300000000" is
// rejected without materialising it.
func checkRange(d decimal.Decimal) error {
	if d.IsZero() {
		return nil
	}
	exp := d.Exponent()
	if exp > MaxIntegerDigits || int64(d.NumDigits())+int64(exp) > int64(MaxIntegerDigits) {
		return fmt.Errorf("%w: more than %d integer digits", ErrInvalidAmount, MaxIntegerDigits)
	}
	// A coefficient of at most maxAmountLen digits cannot carry enough
	// trailing zeros to bring a smaller exponent back to MoneyScale.
	if exp < -(MoneyScale+maxAmountLen) || !d.Equal(d.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, MoneyScale)
	}
	return nil
}

// MustAmount is ParseAmount for literals in tests and fixtures.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func ZeroAmount() Amount { return Amount{Value: decimal.Zero} }

func (a Amount) Add(b Amount) Amount { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount { return Amount{Value: a.Value.Neg()} }
func (a Amount) IsNegative() bool { return a.Value.IsNegative() }
func (a Amount) IsZero() bool { return a.Value.IsZero() }
func (a Amount) IsPositive() bool { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool { return a.Value.Equal(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }
func (a Amount) String() string { return a.Value.StringFixed(MoneyScale) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type MovementID string
type TransferID string

// Account is owned outside the ledger. The ledger only needs to know that
// an ID resolves.
type Account struct {
	ID        AccountID
	CreatedAt time.Time
}

// =============================================================================
// MOVEMENT - Immutable credit or debit
// =============================================================================

type Kind string

const (
	Credit Kind = "credit" // deposit, incoming transfer leg
	Debit  Kind = "debit"  // withdrawal, outgoing transfer leg
)

func (k Kind) IsValid() bool { return k == Credit || k == Debit }

type Movement struct {
	ID          MovementID
	AccountID   AccountID
	Kind        Kind
	Amount      Amount
	Description string

	// Sequence is 1-based and gap-free per account.
	Sequence  int64
	CreatedAt time.Time

	// Set on both legs of a transfer.
	TransferID     TransferID
	CounterpartyID AccountID

	// Unique per account. A transfer carries it on the debit leg only.
	IdempotencyKey string
}

// Signed returns the movement's effect on the balance.
func (m Movement) Signed() Amount {
	if m.Kind == Debit {
		return m.Amount.Neg()
	}
	return m.Amount
}

// IsTransfer reports whether the movement is one leg of a transfer.
func (m Movement) IsTransfer() bool { return m.TransferID != "" }

// Proposal is a movement that has not been admitted yet.
type Proposal struct {
	Kind   Kind
	Amount Amount
}

// Transfer is the pair of movements written by a single transfer.
type Transfer struct {
	ID     TransferID
	Debit  Movement
	Credit Movement
}

// Statement is an account's current balance with the history behind it.
type Statement struct {
	AccountID AccountID
	Balance   Amount
	Movements []Movement
}
