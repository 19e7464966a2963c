// Package store provides in-memory ledger store implementations.
package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/warp/balance-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	movements map[ledger.AccountID][]ledger.Movement
	totals    map[ledger.AccountID]ledger.RunningTotal
	byID      map[ledger.MovementID]ledger.Movement
	keys      map[key]ledger.MovementID
	accounts  map[ledger.AccountID]ledger.Account
}

type key struct {
	AccountID ledger.AccountID
	Key       string
}

var _ ledger.LedgerStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		movements: make(map[ledger.AccountID][]ledger.Movement),
		totals:    make(map[ledger.AccountID]ledger.RunningTotal),
		byID:      make(map[ledger.MovementID]ledger.Movement),
		keys:      make(map[key]ledger.MovementID),
		accounts:  make(map[ledger.AccountID]ledger.Account),
	}
}

// Append adds a single movement and advances the running total. Append-only.
func (m *Memory) Append(_ context.Context, mv ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked([]ledger.Movement{mv}); err != nil {
		return err
	}
	m.applyLocked(mv)
	return nil
}

// AppendBatch adds multiple movements atomically.
func (m *Memory) AppendBatch(_ context.Context, mvs []ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything first, then write everything
	if err := m.checkLocked(mvs); err != nil {
		return err
	}
	for _, mv := range mvs {
		m.applyLocked(mv)
	}
	return nil
}

// checkLocked validates a batch against current state plus the batch's own
// earlier entries.
func (m *Memory) checkLocked(mvs []ledger.Movement) error {
	seq := make(map[ledger.AccountID]int64)
	ids := make(map[ledger.MovementID]bool)
	keys := make(map[key]bool)

	for _, mv := range mvs {
		last, ok := seq[mv.AccountID]
		if !ok {
			last = m.totals[mv.AccountID].Sequence
		}
		if mv.Sequence != last+1 {
			return fmt.Errorf("%w: account %s expected sequence %d, got %d",
				ledger.ErrSequenceConflict, mv.AccountID, last+1, mv.Sequence)
		}
		seq[mv.AccountID] = mv.Sequence

		if _, exists := m.byID[mv.ID]; exists || ids[mv.ID] {
			return fmt.Errorf("duplicate movement id %s", mv.ID)
		}
		ids[mv.ID] = true

		if mv.IdempotencyKey != "" {
			k := key{AccountID: mv.AccountID, Key: mv.IdempotencyKey}
			if _, exists := m.keys[k]; exists || keys[k] {
				return ledger.ErrDuplicateIdempotencyKey
			}
			keys[k] = true
		}
	}
	return nil
}

func (m *Memory) applyLocked(mv ledger.Movement) {
	m.movements[mv.AccountID] = append(m.movements[mv.AccountID], mv)
	m.byID[mv.ID] = mv
	if mv.IdempotencyKey != "" {
		m.keys[key{AccountID: mv.AccountID, Key: mv.IdempotencyKey}] = mv.ID
	}
	total, ok := m.totals[mv.AccountID]
	if !ok {
		total = ledger.EmptyTotal(mv.AccountID)
	}
	m.totals[mv.AccountID] = total.Apply(mv)
}

func (m *Memory) History(_ context.Context, id ledger.AccountID) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Movement, len(m.movements[id]))
	copy(result, m.movements[id])
	return result, nil
}

func (m *Memory) Balance(_ context.Context, id ledger.AccountID) (ledger.RunningTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalLocked(id), nil
}

func (m *Memory) totalLocked(id ledger.AccountID) ledger.RunningTotal {
	if total, ok := m.totals[id]; ok {
		return total
	}
	return ledger.EmptyTotal(id)
}

func (m *Memory) Movement(_ context.Context, id ledger.MovementID) (ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mv, ok := m.byID[id]
	if !ok {
		return ledger.Movement{}, fmt.Errorf("%w: %s", ledger.ErrMovementNotFound, id)
	}
	return mv, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, id ledger.AccountID, k string) (ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findKeyLocked(id, k)
}

func (m *Memory) findKeyLocked(id ledger.AccountID, k string) (ledger.Movement, error) {
	mid, ok := m.keys[key{AccountID: id, Key: k}]
	if !ok {
		return ledger.Movement{}, ledger.ErrMovementNotFound
	}
	return m.byID[mid], nil
}

func (m *Memory) FindByTransfer(_ context.Context, id ledger.AccountID, tid ledger.TransferID) (ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findTransferLocked(id, tid)
}

func (m *Memory) findTransferLocked(id ledger.AccountID, tid ledger.TransferID) (ledger.Movement, error) {
	for _, mv := range m.movements[id] {
		if mv.TransferID == tid {
			return mv, nil
		}
	}
	return ledger.Movement{}, fmt.Errorf("%w: transfer %s on %s", ledger.ErrMovementNotFound, tid, id)
}

// =============================================================================
// ACCOUNT REGISTRY
// =============================================================================

func (m *Memory) OpenAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("%w: %s", ledger.ErrAccountExists, a.ID)
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) Account(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	slices.SortFunc(result, func(a, b ledger.Account) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn against a view that stages writes. The store lock is
// only taken to read and, at the end, to commit the staged movements in
// one step, so unrelated accounts are never held up by fn.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	view := &txView{parent: m, totals: make(map[ledger.AccountID]ledger.RunningTotal)}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(view.staged) == 0 {
		return nil
	}
	return m.AppendBatch(ctx, view.staged)
}

type txView struct {
	parent *Memory
	staged []ledger.Movement
	totals map[ledger.AccountID]ledger.RunningTotal
}

func (tv *txView) Append(ctx context.Context, mv ledger.Movement) error {
	return tv.AppendBatch(ctx, []ledger.Movement{mv})
}

func (tv *txView) AppendBatch(_ context.Context, mvs []ledger.Movement) error {
	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()

	next := make(map[ledger.AccountID]ledger.RunningTotal)
	for _, mv := range mvs {
		total, ok := next[mv.AccountID]
		if !ok {
			total = tv.totalLocked(mv.AccountID)
		}
		if mv.Sequence != total.Sequence+1 {
			return fmt.Errorf("%w: account %s expected sequence %d, got %d",
				ledger.ErrSequenceConflict, mv.AccountID, total.Sequence+1, mv.Sequence)
		}
		if mv.IdempotencyKey != "" {
			if _, err := tv.findKeyLocked(mv.AccountID, mv.IdempotencyKey); err == nil {
				return ledger.ErrDuplicateIdempotencyKey
			}
		}
		next[mv.AccountID] = total.Apply(mv)
	}
	for id, total := range next {
		tv.totals[id] = total
	}
	tv.staged = append(tv.staged, mvs...)
	return nil
}

func (tv *txView) totalLocked(id ledger.AccountID) ledger.RunningTotal {
	if total, ok := tv.totals[id]; ok {
		return total
	}
	return tv.parent.totalLocked(id)
}

func (tv *txView) findKeyLocked(id ledger.AccountID, k string) (ledger.Movement, error) {
	for _, mv := range tv.staged {
		if mv.AccountID == id && mv.IdempotencyKey == k {
			return mv, nil
		}
	}
	return tv.parent.findKeyLocked(id, k)
}

func (tv *txView) History(ctx context.Context, id ledger.AccountID) ([]ledger.Movement, error) {
	result, err := tv.parent.History(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, mv := range tv.staged {
		if mv.AccountID == id {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (tv *txView) Balance(_ context.Context, id ledger.AccountID) (ledger.RunningTotal, error) {
	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	return tv.totalLocked(id), nil
}

func (tv *txView) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	for _, mv := range tv.staged {
		if mv.ID == id {
			return mv, nil
		}
	}
	return tv.parent.Movement(ctx, id)
}

func (tv *txView) FindByIdempotencyKey(_ context.Context, id ledger.AccountID, k string) (ledger.Movement, error) {
	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	return tv.findKeyLocked(id, k)
}

func (tv *txView) FindByTransfer(_ context.Context, id ledger.AccountID, tid ledger.TransferID) (ledger.Movement, error) {
	for _, mv := range tv.staged {
		if mv.AccountID == id && mv.TransferID == tid {
			return mv, nil
		}
	}
	tv.parent.mu.RLock()
	defer tv.parent.mu.RUnlock()
	return tv.parent.findTransferLocked(id, tid)
}
