/*
Package postgres provides a PostgreSQL-backed implementation of the ledger stores.

It implements the same contract as store/sqlite with two differences:
  - The schema is owned by goose migrations embedded in this package
  - Inside WithTx the running-total row is read with SELECT ... FOR UPDATE,
    so concurrent writers in other processes serialize on the account row
    even without sharing the in-process section table

USAGE:
  store, err := postgres.Open(ctx, dsn, postgres.Options{AutoMigrate: true})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/users"
)

// Postgres error codes used for translation.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Store implements all storage interfaces using PostgreSQL.
type Store struct {
	db *sql.DB
	queries
}

var (
	_ ledger.LedgerStore = (*Store)(nil)
	_ users.Repository   = (*Store)(nil)
)

// Open connects to dsn, verifies connectivity, and optionally migrates.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if opts.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return New(db), nil
}

// New wraps an existing, already migrated connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, queries: queries{q: db}}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the pool for migrations and tests.
func (s *Store) DB() *sql.DB { return s.db }

// =============================================================================
// MOVEMENT STORE
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
	// forUpdate locks running-total rows; only set inside a transaction.
	forUpdate bool
}

func (s *Store) Append(ctx context.Context, m ledger.Movement) error {
	return s.AppendBatch(ctx, []ledger.Movement{m})
}

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
	total, found, err := qs.runningTotal(ctx, m.AccountID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, m.AccountID)
	}
	if m.Sequence != total.Sequence+1 {
		return fmt.Errorf("%w: account %s expected sequence %d, got %d",
			ledger.ErrSequenceConflict, m.AccountID, total.Sequence+1, m.Sequence)
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO movements
		(id, account_id, kind, amount, description, sequence,
		 transfer_id, counterparty_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		m.ID,
		m.AccountID,
		m.Kind,
		m.Amount.Value.String(),
		m.Description,
		m.Sequence,
		nullString(string(m.TransferID)),
		nullString(string(m.CounterpartyID)),
		nullString(m.IdempotencyKey),
		m.CreatedAt.UTC(),
	)
	if err != nil {
		return translateInsertError(err)
	}

	next := total.Apply(m)
	_, err = qs.q.ExecContext(ctx, `
		UPDATE account_balances
		SET credits = $2, debits = $3, sequence = $4, last_movement_at = $5
		WHERE account_id = $1
	`, m.AccountID, next.Credits.Value.String(), next.Debits.Value.String(), next.Sequence, next.LastMovementAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update running total: %w", err)
	}
	return nil
}

const movementColumns = `id, account_id, kind, amount, description, sequence,
	transfer_id, counterparty_id, idempotency_key, created_at`

func (qs queries) History(ctx context.Context, id ledger.AccountID) ([]ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = $1 ORDER BY sequence ASC", id)
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

func (qs queries) Balance(ctx context.Context, id ledger.AccountID) (ledger.RunningTotal, error) {
	total, _, err := qs.runningTotal(ctx, id)
	return total, err
}

// runningTotal reads the account_balances row, locking it inside a transaction.
func (qs queries) runningTotal(ctx context.Context, id ledger.AccountID) (ledger.RunningTotal, bool, error) {
	query := "SELECT credits, debits, sequence, last_movement_at FROM account_balances WHERE account_id = $1"
	if qs.forUpdate {
		query += " FOR UPDATE"
	}

	var (
		credits, debits string
		lastAt          sql.NullTime
		total           = ledger.EmptyTotal(id)
	)
	err := qs.q.QueryRowContext(ctx, query, id).Scan(&credits, &debits, &total.Sequence, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return total, false, nil
	}
	if err != nil {
		return ledger.RunningTotal{}, false, fmt.Errorf("failed to read running total: %w", err)
	}
	if total.Credits, err = ledger.ParseAmount(credits); err != nil {
		return ledger.RunningTotal{}, false, fmt.Errorf("corrupt credits for %s: %w", id, err)
	}
	if total.Debits, err = ledger.ParseAmount(debits); err != nil {
		return ledger.RunningTotal{}, false, fmt.Errorf("corrupt debits for %s: %w", id, err)
	}
	if lastAt.Valid {
		total.LastMovementAt = lastAt.Time.UTC()
	}
	return total, true, nil
}

func (qs queries) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT "+movementColumns+" FROM movements WHERE id = $1", id)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to query movement: %w", err)
	}
	return singleMovement(rows, fmt.Errorf("%w: %s", ledger.ErrMovementNotFound, id))
}

func (qs queries) FindByIdempotencyKey(ctx context.Context, id ledger.AccountID, key string) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = $1 AND idempotency_key = $2", id, key)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("failed to query idempotency key: %w", err)
	}
	return singleMovement(rows, ledger.ErrMovementNotFound)
}

// FindByTransfer returns the account's leg of a transfer.
func (qs queries) FindByTransfer(ctx context.Context, id ledger.AccountID, tid ledger.TransferID) (ledger.Movement, error) {
	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+movementColumns+" FROM movements WHERE account_id = $1 AND transfer_id = $2", id, tid)
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
	)

	err := rows.Scan(
		&m.ID, &m.AccountID, &m.Kind, &amount, &m.Description, &m.Sequence,
		&transferID, &counterpartyID, &idempotencyKey, &m.CreatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	if m.Amount, err = ledger.ParseAmount(amount); err != nil {
		return m, fmt.Errorf("corrupt amount on movement %s: %w", m.ID, err)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.TransferID = ledger.TransferID(transferID.String)
	m.CounterpartyID = ledger.AccountID(counterpartyID.String)
	m.IdempotencyKey = idempotencyKey.String
	return m, nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx, forUpdate: true}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	queries
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// OpenAccount inserts the account and its zero running total together.
func (s *Store) OpenAccount(ctx context.Context, a ledger.Account) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx,
		"INSERT INTO accounts (id, created_at) VALUES ($1, $2)", a.ID, a.CreatedAt.UTC(),
	); err != nil {
		if isCode(err, codeUniqueViolation) {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
		}
		return err
	}
	if _, err := sqlTx.ExecContext(ctx,
		"INSERT INTO account_balances (account_id) VALUES ($1)", a.ID,
	); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	var a ledger.Account
	err := s.db.QueryRowContext(ctx, "SELECT id, created_at FROM accounts WHERE id = $1", id).
		Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
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
		if err := rows.Scan(&a.ID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// USER STORE
// =============================================================================

const userColumns = "id, name, email, password_hash, account_id, created_at"

func (s *Store) CreateUser(ctx context.Context, u users.User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES ($1, $2, $3, $4, $5, $6)",
		u.ID, u.Name, strings.ToLower(u.Email), u.PasswordHash, u.AccountID, u.CreatedAt.UTC(),
	)
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("%w: %s", users.ErrEmailTaken, u.Email)
	}
	return err
}

func (s *Store) UserByEmail(ctx context.Context, email string) (users.User, error) {
	return s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE email = $1", strings.ToLower(email))
}

func (s *Store) UserByID(ctx context.Context, id string) (users.User, error) {
	return s.queryUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (s *Store) queryUser(ctx context.Context, query, arg string) (users.User, error) {
	var u users.User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.AccountID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return users.User{}, users.ErrUserNotFound
	}
	if err != nil {
		return users.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

func translateInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == codeUniqueViolation && pqErr.Constraint == "movements_account_idempotency_key":
			return ledger.ErrDuplicateIdempotencyKey
		case pqErr.Code == codeUniqueViolation && pqErr.Constraint == "movements_account_sequence_key":
			return ledger.ErrSequenceConflict
		case pqErr.Code == codeForeignKeyViolation:
			return fmt.Errorf("%w: movement references an unopened account", ledger.ErrAccountNotFound)
		}
	}
	return fmt.Errorf("failed to append movement: %w", err)
}
