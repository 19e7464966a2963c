/*
locks.go - Per-account critical sections

PURPOSE:
  Serializes every balance-affecting operation on one account while letting
  operations on different accounts run in parallel. This is what closes the
  double-spend window: two debits on the same account can never both read
  the balance before either commits.

DESIGN:
  - One lock per account, created on first use and dropped when the last
    holder or waiter lets go, so idle accounts do not accumulate entries.
  - The table's own mutex guards only map bookkeeping, never a wait.
  - Each lock is a 1-slot channel so waiting can be abandoned when the
    caller's context ends.

MULTI-ACCOUNT ORDERING:
  Acquire(ctx, a, b) always locks in ascending ID order. Two transfers in
  opposite directions therefore cannot deadlock.
*/
package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

type accountLock struct {
	slot chan struct{}
	refs int
}

// AccountLocks is a table of per-account locks. The zero value is not
// usable; use NewAccountLocks.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[AccountID]*accountLock)}
}

func (l *AccountLocks) ref(id AccountID) *accountLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{slot: make(chan struct{}, 1)}
		l.locks[id] = al
	}
	al.refs++
	return al
}

func (l *AccountLocks) unref(id AccountID, al *accountLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	al.refs--
	if al.refs == 0 {
		delete(l.locks, id)
	}
}

// Acquire locks every given account in ascending ID order. Duplicate IDs
// are locked once. It returns a release func that is safe to call more
// than once. If ctx ends while waiting, locks taken so far are released
// and the context error is returned.
func (l *AccountLocks) Acquire(ctx context.Context, ids ...AccountID) (func(), error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	type held struct {
		id AccountID
		al *accountLock
	}
	taken := make([]held, 0, len(ordered))

	releaseAll := func() {
		for i := len(taken) - 1; i >= 0; i-- {
			<-taken[i].al.slot
			l.unref(taken[i].id, taken[i].al)
		}
		taken = nil
	}

	for _, id := range ordered {
		if err := ctx.Err(); err != nil {
			releaseAll()
			return nil, fmt.Errorf("acquire section for account %s: %w", id, err)
		}
		al := l.ref(id)
		select {
		case al.slot <- struct{}{}:
			taken = append(taken, held{id: id, al: al})
		case <-ctx.Done():
			l.unref(id, al)
			releaseAll()
			return nil, fmt.Errorf("acquire section for account %s: %w", id, ctx.Err())
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// Len returns the number of accounts currently locked or awaited.
func (l *AccountLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
