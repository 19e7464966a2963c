/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  Callers must be able to tell "a business rule declined this" apart from
  "the system broke". Rejections are typed values that callers match with
  errors.Is / errors.As; nothing here is an opaque string.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any locking (InvalidAmount, InvalidKind)
  2. Policy errors - Declined by the admission policy (InsufficientFunds, LimitExceeded)
  3. Precondition errors - IDs that do not resolve (AccountNotFound, MovementNotFound)
  4. Store errors - Persistence failures, never retried inside the engine

SEE ALSO:
  - policy.go: Produces InsufficientFundsError
  - service.go: Wraps store failures in PersistenceError
  - api/errors.go: Maps these to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidKind is returned when a movement kind is neither credit nor debit.
	ErrInvalidKind = errors.New("invalid movement kind")

	// ErrInsufficientFunds is returned when a debit exceeds the current balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLimitExceeded is returned when a single movement exceeds the configured maximum.
	ErrLimitExceeded = errors.New("movement limit exceeded")

	// ErrPersistenceFailure is returned when the store could not read or write.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrAccountNotFound is returned when an account ID does not resolve.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account that is already open.
	ErrAccountExists = errors.New("account already exists")

	// ErrMovementNotFound is returned when a movement ID does not resolve for the account.
	ErrMovementNotFound = errors.New("movement not found")

	// ErrDuplicateIdempotencyKey is returned when a key is reused with a different payload.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrSameAccount is returned for a transfer whose source and destination match.
	ErrSameAccount = errors.New("cannot transfer to the same account")

	// ErrSequenceConflict is returned by a store when an append does not
	// continue the account's sequence. It means the per-account section was bypassed.
	ErrSequenceConflict = errors.New("sequence conflict")

	// ErrBalanceDrift is returned when replayed and maintained balances disagree.
	ErrBalanceDrift = errors.New("balance drift detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a declined debit.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Shortfall() Amount {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// BalanceDriftError reports a disagreement between the maintained running
// total and a full replay of history.
type BalanceDriftError struct {
	AccountID  AccountID
	Maintained RunningTotal
	Replayed   RunningTotal
}

func (e *BalanceDriftError) Error() string {
	return fmt.Sprintf("balance drift for %s: maintained %s (seq %d), replayed %s (seq %d)",
		e.AccountID, e.Maintained.Balance(), e.Maintained.Sequence,
		e.Replayed.Balance(), e.Replayed.Sequence)
}

func (e *BalanceDriftError) Unwrap() error {
	return ErrBalanceDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is a declined or invalid request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrSameAccount)
}

// IsNotFound returns true if the error indicates a missing account or movement.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrMovementNotFound)
}

// IsRetryable returns true if the caller may retry. Persistence failures are
// retryable only by the caller, and only safely with an idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceFailure) ||
		errors.Is(err, ErrSequenceConflict)
}
