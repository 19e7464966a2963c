/*
service.go - The serialized record path

PURPOSE:
  Service is the only component that calls Store.Append. It turns a
  proposed movement into a committed one, or into a typed rejection.

RECORD ALGORITHM:
  1. Validate kind and amount > 0 (no locking on this fast path)
  2. Check the account resolves (AccountNotFound otherwise)
  3. Enter the account's critical section
  4. In one store transaction:
       a. Replay an idempotency key if one was given
       b. Read the maintained running total
       c. Run the admission policy
       d. Append the movement with Sequence = total.Sequence + 1
  5. Leave the section
  6. Notify observers (metrics) and the event publisher

  Steps 4a-4d are one unit: no other operation on the account can observe
  or act on the balance between the check and the write.

FAILURES:
  Store failures come back as *PersistenceError. The service never retries:
  a blind retry could apply a movement twice. Callers retry, ideally with
  an idempotency key.

TRANSFERS:
  Both accounts' sections are taken in ascending ID order, then the debit
  and credit legs are written in a single AppendBatch.

SEE ALSO:
  - locks.go: Per-account sections
  - policy.go: Admission decisions
  - store.go: TxStore contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/balance-ledger/logger"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Clock supplies movement timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Notifier is told about committed movements after the section is released.
// Its errors are logged; a committed movement is never undone.
type Notifier interface {
	MovementRecorded(ctx context.Context, m Movement) error
	TransferCompleted(ctx context.Context, t Transfer) error
}

// Observer receives timing and outcome signals, typically for metrics.
type Observer interface {
	ObserveRecord(op string, outcome Outcome, d time.Duration)
	ObserveLockWait(d time.Duration)
}

// Outcome classifies the result of a record or transfer call.
type Outcome string

const (
	OutcomeAdmitted Outcome = "admitted"
	OutcomeReplayed Outcome = "replayed"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// OutcomeOf maps an error returned by the service to an Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAdmitted
	case IsClientError(err) || IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeFailed
	}
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    TxStore
	accounts AccountStore // nil when the store keeps no registry
	policy   AdmissionPolicy
	locks    *AccountLocks
	clock    Clock
	newID    func() string
	notifier Notifier
	observer Observer
	log      *logger.Logger

	Calculator *BalanceCalculator
}

type Option func(*Service)

func WithPolicy(p AdmissionPolicy) Option { return func(s *Service) { s.policy = p } }
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }
func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithLocks shares a lock table between services over the same store.
func WithLocks(l *AccountLocks) Option { return func(s *Service) { s.locks = l } }

// NewService creates a ledger service. If store also implements
// AccountStore, unknown accounts are rejected with ErrAccountNotFound.
func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: NonNegativePolicy{},
		locks:  NewAccountLocks(),
		clock:  systemClock{},
		newID:  uuid.NewString,
		log:    logger.Nop(),
	}
	if as, ok := store.(AccountStore); ok {
		s.accounts = as
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Calculator = &BalanceCalculator{Store: store}
	return s
}

// =============================================================================
// RECORD
// =============================================================================

type RecordInput struct {
	AccountID      AccountID
	Kind           Kind
	Amount         Amount
	Description    string
	IdempotencyKey string
}

func (s *Service) Deposit(ctx context.Context, id AccountID, amount Amount, description string) (Movement, error) {
	return s.Record(ctx, RecordInput{AccountID: id, Kind: Credit, Amount: amount, Description: description})
}

func (s *Service) Withdraw(ctx context.Context, id AccountID, amount Amount, description string) (Movement, error) {
	return s.Record(ctx, RecordInput{AccountID: id, Kind: Debit, Amount: amount, Description: description})
}

// Record admits and persists a single movement, or returns a typed rejection.
func (s *Service) Record(ctx context.Context, in RecordInput) (Movement, error) {
	start := time.Now()
	m, replayed, err := s.record(ctx, in)

	outcome := OutcomeOf(err)
	if replayed {
		outcome = OutcomeReplayed
	}
	s.observeRecord(string(in.Kind), outcome, time.Since(start))

	if err != nil {
		s.logFailure(ctx, "ledger.record", in.AccountID, err)
		return Movement{}, err
	}
	if !replayed && s.notifier != nil {
		if nerr := s.notifier.MovementRecorded(ctx, m); nerr != nil {
			s.log.Error(ctx, "ledger.notify.movement_failed", nerr)
		}
	}
	return m, nil
}

func (s *Service) record(ctx context.Context, in RecordInput) (Movement, bool, error) {
	if err := validate(in.Kind, in.Amount); err != nil {
		return Movement{}, false, err
	}
	if err := s.requireAccount(ctx, in.AccountID); err != nil {
		return Movement{}, false, err
	}

	release, err := s.acquire(ctx, in.AccountID)
	if err != nil {
		return Movement{}, false, err
	}
	defer release()

	var (
		out      Movement
		replayed bool
	)
	err = s.withTx(ctx, func(tx Store) error {
		if in.IdempotencyKey != "" {
			prev, found, err := findByKey(ctx, tx, in.AccountID, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				if prev.IsTransfer() || prev.Kind != in.Kind || !prev.Amount.Equal(in.Amount) {
					return fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, in.IdempotencyKey)
				}
				out, replayed = prev, true
				return nil
			}
		}

		total, err := tx.Balance(ctx, in.AccountID)
		if err != nil {
			return persistenceErr("read balance", err)
		}
		decision := s.policy.Check(total.Balance(), Proposal{Kind: in.Kind, Amount: in.Amount})
		if !decision.Admitted {
			return rejection(in.AccountID, decision)
		}

		m := s.nextMovement(total, in.Kind, in.Amount, in.Description)
		m.IdempotencyKey = in.IdempotencyKey
		if err := tx.Append(ctx, m); err != nil {
			return persistenceErr("append movement", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return Movement{}, false, err
	}
	return out, replayed, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

type TransferInput struct {
	From           AccountID
	To             AccountID
	Amount         Amount
	Description    string
	IdempotencyKey string
}

// Transfer debits From and credits To as a single atomic unit.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (Transfer, error) {
	start := time.Now()
	t, replayed, err := s.transfer(ctx, in)

	outcome := OutcomeOf(err)
	if replayed {
		outcome = OutcomeReplayed
	}
	s.observeRecord("transfer", outcome, time.Since(start))

	if err != nil {
		s.logFailure(ctx, "ledger.transfer", in.From, err)
		return Transfer{}, err
	}
	if !replayed && s.notifier != nil {
		if nerr := s.notifier.TransferCompleted(ctx, t); nerr != nil {
			s.log.Error(ctx, "ledger.notify.transfer_failed", nerr)
		}
	}
	return t, nil
}

func (s *Service) transfer(ctx context.Context, in TransferInput) (Transfer, bool, error) {
	if err := validate(Debit, in.Amount); err != nil {
		return Transfer{}, false, err
	}
	if in.From == in.To {
		return Transfer{}, false, ErrSameAccount
	}
	if err := s.requireAccount(ctx, in.From); err != nil {
		return Transfer{}, false, err
	}
	if err := s.requireAccount(ctx, in.To); err != nil {
		return Transfer{}, false, err
	}

	release, err := s.acquire(ctx, in.From, in.To)
	if err != nil {
		return Transfer{}, false, err
	}
	defer release()

	var (
		out      Transfer
		replayed bool
	)
	err = s.withTx(ctx, func(tx Store) error {
		if in.IdempotencyKey != "" {
			prev, found, err := s.findTransfer(ctx, tx, in)
			if err != nil {
				return err
			}
			if found {
				out, replayed = prev, true
				return nil
			}
		}

		from, err := tx.Balance(ctx, in.From)
		if err != nil {
			return persistenceErr("read balance", err)
		}
		to, err := tx.Balance(ctx, in.To)
		if err != nil {
			return persistenceErr("read balance", err)
		}
		if d := s.policy.Check(from.Balance(), Proposal{Kind: Debit, Amount: in.Amount}); !d.Admitted {
			return rejection(in.From, d)
		}
		if d := s.policy.Check(to.Balance(), Proposal{Kind: Credit, Amount: in.Amount}); !d.Admitted {
			return rejection(in.To, d)
		}

		id := TransferID(s.newID())
		debit := s.nextMovement(from, Debit, in.Amount, in.Description)
		debit.TransferID, debit.CounterpartyID, debit.IdempotencyKey = id, in.To, in.IdempotencyKey
		credit := s.nextMovement(to, Credit, in.Amount, in.Description)
		credit.TransferID, credit.CounterpartyID = id, in.From

		if err := tx.AppendBatch(ctx, []Movement{debit, credit}); err != nil {
			return persistenceErr("append transfer", err)
		}
		out = Transfer{ID: id, Debit: debit, Credit: credit}
		return nil
	})
	if err != nil {
		return Transfer{}, false, err
	}
	return out, replayed, nil
}

// findTransfer resolves a replayed transfer. The key lives on the debit leg
// only, so the recipient's own keys never collide with the sender's; the
// credit leg is found through the transfer ID.
func (s *Service) findTransfer(ctx context.Context, tx Store, in TransferInput) (Transfer, bool, error) {
	debit, found, err := findByKey(ctx, tx, in.From, in.IdempotencyKey)
	if err != nil || !found {
		return Transfer{}, false, err
	}
	if !debit.IsTransfer() || debit.Kind != Debit || debit.CounterpartyID != in.To || !debit.Amount.Equal(in.Amount) {
		return Transfer{}, false, fmt.Errorf("%w: %q", ErrDuplicateIdempotencyKey, in.IdempotencyKey)
	}
	credit, err := tx.FindByTransfer(ctx, in.To, debit.TransferID)
	if err != nil {
		if errors.Is(err, ErrMovementNotFound) {
			err = fmt.Errorf("credit leg of transfer %s missing", debit.TransferID)
		}
		return Transfer{}, false, persistenceErr("resolve transfer", err)
	}
	return Transfer{ID: debit.TransferID, Debit: debit, Credit: credit}, true, nil
}

// =============================================================================
// READS
// =============================================================================

// CurrentBalance returns the maintained balance of an account.
func (s *Service) CurrentBalance(ctx context.Context, id AccountID) (Amount, error) {
	if err := s.requireAccount(ctx, id); err != nil {
		return Amount{}, err
	}
	return s.Calculator.Current(ctx, id)
}

// Statement returns the account's history and the balance it replays to.
// Both come from one read, so they are always consistent with each other.
func (s *Service) Statement(ctx context.Context, id AccountID) (Statement, error) {
	if err := s.requireAccount(ctx, id); err != nil {
		return Statement{}, err
	}
	history, err := s.store.History(ctx, id)
	if err != nil {
		return Statement{}, persistenceErr("read history", err)
	}
	if history == nil {
		history = []Movement{}
	}
	return Statement{
		AccountID: id,
		Balance:   Replay(id, history).Balance(),
		Movements: history,
	}, nil
}

// Movement returns one of the account's movements. Movements that belong
// to another account are reported as not found.
func (s *Service) Movement(ctx context.Context, accountID AccountID, id MovementID) (Movement, error) {
	m, err := s.store.Movement(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMovementNotFound) {
			return Movement{}, err
		}
		return Movement{}, persistenceErr("read movement", err)
	}
	if m.AccountID != accountID {
		return Movement{}, fmt.Errorf("%w: %s", ErrMovementNotFound, id)
	}
	return m, nil
}

// Verify compares the maintained running total with a full replay while
// holding the account's section, so no writer can interleave.
func (s *Service) Verify(ctx context.Context, id AccountID) (RunningTotal, error) {
	release, err := s.acquire(ctx, id)
	if err != nil {
		return RunningTotal{}, err
	}
	defer release()
	return s.Calculator.Verify(ctx, id)
}

// Accounts lists the accounts known to the registry.
func (s *Service) Accounts(ctx context.Context) ([]Account, error) {
	if s.accounts == nil {
		return nil, nil
	}
	accounts, err := s.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, persistenceErr("list accounts", err)
	}
	return accounts, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validate(kind Kind, amount Amount) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return checkRange(amount.Value)
}

func (s *Service) requireAccount(ctx context.Context, id AccountID) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrAccountNotFound)
	}
	if s.accounts == nil {
		return nil
	}
	if _, err := s.accounts.Account(ctx, id); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return persistenceErr("read account", err)
	}
	return nil
}

func (s *Service) acquire(ctx context.Context, ids ...AccountID) (func(), error) {
	start := time.Now()
	release, err := s.locks.Acquire(ctx, ids...)
	if s.observer != nil {
		s.observer.ObserveLockWait(time.Since(start))
	}
	return release, err
}

// withTx runs fn in a store transaction. Errors produced by fn are returned
// as they are; anything else (begin, commit) is a persistence failure.
func (s *Service) withTx(ctx context.Context, fn func(Store) error) error {
	var fnErr error
	err := s.store.WithTx(ctx, func(tx Store) error {
		fnErr = fn(tx)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return persistenceErr("commit", err)
}

func (s *Service) nextMovement(total RunningTotal, kind Kind, amount Amount, description string) Movement {
	createdAt := s.clock.Now()
	if createdAt.Before(total.LastMovementAt) {
		createdAt = total.LastMovementAt
	}
	return Movement{
		ID:          MovementID(s.newID()),
		AccountID:   total.AccountID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Sequence:    total.Sequence + 1,
		CreatedAt:   createdAt,
	}
}

func findByKey(ctx context.Context, tx Store, id AccountID, key string) (Movement, bool, error) {
	m, err := tx.FindByIdempotencyKey(ctx, id, key)
	switch {
	case err == nil:
		return m, true, nil
	case errors.Is(err, ErrMovementNotFound):
		return Movement{}, false, nil
	default:
		return Movement{}, false, persistenceErr("lookup idempotency key", err)
	}
}

func rejection(id AccountID, d Decision) error {
	var ife *InsufficientFundsError
	if errors.As(d.Err, &ife) {
		ife.AccountID = id
	}
	if d.Err == nil {
		return fmt.Errorf("%w: rejected by policy", ErrInvalidAmount)
	}
	return d.Err
}

func (s *Service) observeRecord(op string, outcome Outcome, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveRecord(op, outcome, d)
	}
}

func (s *Service) logFailure(ctx context.Context, op string, id AccountID, err error) {
	ctx = s.log.WithFields(ctx, map[string]any{"op": op, "account_id": string(id)})
	if OutcomeOf(err) == OutcomeRejected {
		s.log.Info(s.log.WithField(ctx, "reason", err.Error()), op+".rejected")
		return
	}
	s.log.Error(ctx, op+".failed", err)
}
