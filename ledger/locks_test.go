package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-ledger/ledger"
)

func TestAccountLocks_SerializesSameAccount(t *testing.T) {
	locks := ledger.NewAccountLocks()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "a")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locks.Len(), "idle accounts should not stay in the table")
}

func TestAccountLocks_DifferentAccountsIndependent(t *testing.T) {
	// GIVEN: Account a is held
	locks := ledger.NewAccountLocks()
	release, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	// WHEN: Acquiring b with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := locks.Acquire(ctx, "b")

	// THEN: b is not blocked by a
	require.NoError(t, err)
	releaseB()
}

func TestAccountLocks_ContextAbandonsWait(t *testing.T) {
	locks := ledger.NewAccountLocks()
	release, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter left no reference behind
	release()
	assert.Equal(t, 0, locks.Len())
}

func TestAccountLocks_PartialAcquireReleased(t *testing.T) {
	// GIVEN: b is held, so acquiring (a, b) takes a and then waits on b
	locks := ledger.NewAccountLocks()
	releaseB, err := locks.Acquire(context.Background(), "b")
	require.NoError(t, err)
	defer releaseB()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "b", "a")
	require.Error(t, err)

	// THEN: a was given back
	releaseA, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)
	releaseA()
}

func TestAccountLocks_DuplicateIDsAndDoubleRelease(t *testing.T) {
	locks := ledger.NewAccountLocks()
	release, err := locks.Acquire(context.Background(), "a", "a")
	require.NoError(t, err)
	release()
	release()

	again, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)
	again()
	assert.Equal(t, 0, locks.Len())
}
