/*
store.go - Persistence interfaces for movements and running totals

PURPOSE:
  Defines the boundary between the engine and the database. A Store appends
  movements and, in the same atomic write, advances the account's running
  total. Implementations may use SQLite, PostgreSQL, or memory.

KEY INTERFACES:
  Store:        Append, history, maintained balance, lookups
  TxStore:      Store + WithTx for check-then-write as one unit
  AccountStore: Registry of open accounts (for AccountNotFound)

APPEND-ONLY CONTRACT:
  - Append(): writes one movement and advances the running total
  - AppendBatch(): writes several movements (possibly on different accounts)
    all-or-nothing
  - There is no Update() or Delete(). Corrections are offsetting movements.

SEQUENCING:
  Append must reject a movement whose Sequence is not exactly the account's
  current Sequence + 1 with ErrSequenceConflict. Within the per-account
  section this never fires; it exists so a bypassed section cannot silently
  fork history.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, staged transactions
  - store/sqlite: database/sql + go-sqlite3
  - store/postgres: database/sql + lib/pq, SELECT ... FOR UPDATE

SEE ALSO:
  - service.go: The only caller of Append
  - balance.go: Replay vs maintained totals
*/
package ledger

import "context"

// Store handles persistence of movements. APPEND-ONLY.
type Store interface {
	// Append persists m and advances its account's running total atomically.
	Append(ctx context.Context, m Movement) error

	// AppendBatch persists all movements atomically, in order.
	AppendBatch(ctx context.Context, ms []Movement) error

	// History returns the account's movements ordered by Sequence.
	History(ctx context.Context, id AccountID) ([]Movement, error)

	// Balance returns the maintained running total. An account with no
	// movements yields EmptyTotal(id).
	Balance(ctx context.Context, id AccountID) (RunningTotal, error)

	// Movement returns a movement by ID, or ErrMovementNotFound.
	Movement(ctx context.Context, id MovementID) (Movement, error)

	// FindByIdempotencyKey returns the movement recorded for (account, key),
	// or ErrMovementNotFound.
	FindByIdempotencyKey(ctx context.Context, id AccountID, key string) (Movement, error)

	// FindByTransfer returns the account's leg of a transfer, or
	// ErrMovementNotFound.
	FindByTransfer(ctx context.Context, id AccountID, transferID TransferID) (Movement, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. Reads through the Store passed
	// to fn see fn's own writes. If fn returns an error, nothing is written.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// AccountStore is the registry of accounts known to the ledger.
type AccountStore interface {
	OpenAccount(ctx context.Context, a Account) error
	Account(ctx context.Context, id AccountID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
}

// LedgerStore is what a full backend provides.
type LedgerStore interface {
	TxStore
	AccountStore
}
