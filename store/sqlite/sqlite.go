/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.LedgerStore (movements, running totals, account registry)
  and users.Repository on one SQLite database.

INTERFACES IMPLEMENTED:
  ledger.TxStore:      Movement persistence with transactions
  ledger.AccountStore: Account registry
  users.Repository:    Account holders

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the movements table
  - account_balances is the only mutable table, and it is only written
    in the same SQL transaction as the movement it reflects

KEY TABLES:
  movements:        Immutable history of every credit and debit
  account_balances: Maintained running total per account
  accounts:         Registry of known account IDs
  users:            Account holders and their credentials

CONSTRAINTS:
  - UNIQUE(account_id, sequence): a second writer on the same sequence fails
  - UNIQUE(account_id, idempotency_key): keys are unique per account

CONCURRENCY:
  The pool is limited to a single connection, so ":memory:" is one database
  and SQLite's single writer is never contended. Reads inside WithTx go
  through the SQL transaction, never through the pool.

  The cost is that every WithTx on this store runs one at a time, whatever
  the accounts involved. Accounts stay independent at the ledger's lock
  table, but the transactions themselves queue on the one connection; a
  slow transaction on one account delays writes to all others. Use
  store/postgres where per-account writes must proceed in parallel.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: The same contract on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/users"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	queries
}

var (
	_ ledger.LedgerStore = (*Store)(nil)
	_ users.Repository   = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (registry only; balances live in account_balances)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Movements (append-only ledger)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL,
		transfer_id TEXT,
		counterparty_id TEXT,
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(account_id, sequence)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_idempotency
		ON movements(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_movements_transfer
		ON movements(transfer_id) WHERE transfer_id IS NOT NULL;

	-- Running totals, written in the same transaction as each movement
	CREATE TABLE IF NOT EXISTS account_balances (
		account_id TEXT PRIMARY KEY REFERENCES accounts(id),
		credits TEXT NOT NULL,
		debits TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		last_movement_at TEXT NOT NULL
	);

	-- Users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MOVEMENT STORE (ledger.Store interface)
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the reads and writes shared by Store and txStore.
type queries struct {
	q querier
}

// Append on the Store runs in its own SQL transaction so the movement and
// the running total are written together.
func (s *Store) Append(ctx context.Context, m ledger.Movement) error {
	return s.AppendBatch(ctx, []ledger.Movement{m})
}

// AppendBatch adds multiple movements atomically.
func (s *Store) AppendBatch(ctx context.Context, ms []ledger.Movement) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.AppendBatch(ctx, ms)
	})
}

func (qs queries) Append(ctx context.Context, m ledger.Movement) error {
	return qs.AppendBatch(ctx, []ledger.Movement{m})
}

func (qs queries) AppendBatch(ctx context.Context, ms []ledger.Movement) error {
	for _, m := range ms {
		if err := qs.appendOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (qs queries) appendOne(ctx context.Context, m ledger.Movement) error {
	total, err := qs.Balance(ctx, m.AccountID)
	if err != nil {
		return err
	}
	if m.Sequence != total.Sequence+1 {
		return fmt.Errorf("%w: account %s expected sequence %d, got %d",
			ledger.ErrSequenceConflict, m.AccountID, total.Sequence+1, m.Sequence)
	}

	query := `
		INSERT INTO movements
		(id, account_id, kind, amount, description, sequence,
		 transfer_id, counterparty_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = qs.q.ExecContext(ctx, query,
		m.ID,
		m.AccountID,
		m.Kind,
		m.Amount.Value.String(),
		m.Description,
		m.Sequence,
		nullString(string(m.TransferID)),
		nullString(string(m.CounterpartyID)),
		nullString(m.IdempotencyKey),
		formatTime(m.CreatedAt),
	)
	if err != nil {
		return translateInsertError(err)
	}

	next := total.Apply(m)
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO account_balances (account_id, credits, debits, sequence, last_movement_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			credits = excluded.credits,
			debits = excluded.debits,
			sequence = excluded.sequence,
			last_movement_at = excluded.last_movement_at
	`, m.AccountID, next.Credits.Value.String(), next.Debits.Value.String(), next.Sequence, formatTime(next.LastMovementAt))
	if err != nil {
		return fmt.Errorf("failed to update running total: %w", err)
	}
	return nil
}

const movementColumns = `id, account_id, kind, amount, description, sequence,
	transfer_id, counterparty_id, idempotency_key, created_at`

// History returns all movements of an account in sequence order.
func (qs queries) History(ctx context.Context, id ledger.AccountID) ([]ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = ? ORDER BY sequence ASC", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", err)
	}
	defer rows.Close()

	movements := []ledger.Movement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// Balance returns the maintained running total.
func (qs queries) Balance(ctx context.Context, id ledger.AccountID) (ledger.RunningTotal, error) {
	var credits, debits, lastAt string
	total := ledger.EmptyTotal(id)

	err := qs.q.QueryRowContext(ctx,
		"SELECT credits, debits, sequence, last_movement_at FROM account_balances WHERE account_id = ?",
		id,
	).Scan(&credits, &debits, &total.Sequence, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return total, nil
	}
	if err != nil {
		return ledger.RunningTotal{}, fmt.Errorf("failed to read running total: %w", err)
	}

	// Sums are unbounded in TEXT columns, so they skip the per-amount limit.
	if total.Credits.Value, err = decimal.NewFromString(credits); err != nil {
		return ledger.RunningTotal{}, fmt.Errorf("corrupt credits for %s: %w", id, err)
	}
	if total.Debits.Value, err = decimal.NewFromString(debits); err != nil {
		return ledger.RunningTotal{}, fmt.Errorf("corrupt debits for %s: %w", id, err)
	}
	total.LastMovementAt = parseTime(lastAt)
	return total, nil
}

// Movement returns a single movement by ID.
func (qs queries) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+movementColumns+" FROM movements WHERE id = ?", id)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to query movement: %w", err)
	}
	return singleMovement(rows, fmt.Errorf("%w: %s", ledger.ErrMovementNotFound, id))
}

// FindByIdempotencyKey returns the movement recorded under key on the account.
func (qs queries) FindByIdempotencyKey(ctx context.Context, id ledger.AccountID, key string) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = ? AND idempotency_key = ?", id, key)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to query idempotency key: %w", err)
	}
	return singleMovement(rows, ledger.ErrMovementNotFound)
}

// FindByTransfer returns the account's leg of a transfer.
func (qs queries) FindByTransfer(ctx context.Context, id ledger.AccountID, tid ledger.TransferID) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = ? AND transfer_id = ?", id, tid)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to query transfer leg: %w", err)
	}
	return singleMovement(rows, fmt.Errorf("%w: transfer %s on %s", ledger.ErrMovementNotFound, tid, id))
}

func singleMovement(rows *sql.Rows, notFound error) (ledger.Movement, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Movement{}, err
		}
		return ledger.Movement{}, notFound
	}
	return scanMovement(rows)
}

func scanMovement(rows *sql.Rows) (ledger.Movement, error) {
	var (
		m              ledger.Movement
		amount         string
		transferID     sql.NullString
		counterpartyID sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&m.ID, &m.AccountID, &m.Kind, &amount, &m.Description, &m.Sequence,
		&transferID, &counterpartyID, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	if m.Amount, err = ledger.ParseAmount(amount); err != nil {
		return m, fmt.Errorf("corrupt amount on movement %s: %w", m.ID, err)
	}
	m.TransferID = ledger.TransferID(transferID.String)
	m.CounterpartyID = ledger.AccountID(counterpartyID.String)
	m.IdempotencyKey = idempotencyKey.String
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// =============================================================================
// ACCOUNT STORE (ledger.AccountStore interface)
// =============================================================================

func (s *Store) OpenAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, created_at) VALUES (?, ?)",
		a.ID, formatTime(a.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	return err
}

func (s *Store) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var a ledger.Account
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var createdAt string
		if err := rows.Scan(&a.ID, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// USER STORE (users.Repository interface)
// =============================================================================

func (s *Store) CreateUser(ctx context.Context, u users.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, account_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Name, strings.ToLower(u.Email), u.PasswordHash, u.AccountID, formatTime(u.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", users.ErrEmailTaken, u.Email)
	}
	return err
}

func (s *Store) UserByEmail(ctx context.Context, email string) (users.User, error) {
	return s.queryUser(ctx, "SELECT id, name, email, password_hash, account_id, created_at FROM users WHERE email = ?",
		strings.ToLower(email))
}

func (s *Store) UserByID(ctx context.Context, id string) (users.User, error) {
	return s.queryUser(ctx, "SELECT id, name, email, password_hash, account_id, created_at FROM users WHERE id = ?", id)
}

func (s *Store) queryUser(ctx context.Context, query string, arg string) (users.User, error) {
	var u users.User
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.AccountID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return users.User{}, users.ErrUserNotFound
	}
	if err != nil {
		return users.User{}, err
	}
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// translateInsertError maps constraint violations on movements to ledger errors.
func translateInsertError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "movements.account_id, movements.idempotency_key"):
		return ledger.ErrDuplicateIdempotencyKey
	case strings.Contains(msg, "movements.account_id, movements.sequence"):
		return ledger.ErrSequenceConflict
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: movement references an unopened account", ledger.ErrAccountNotFound)
	}
	return fmt.Errorf("failed to append movement: %w", err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
