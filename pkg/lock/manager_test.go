package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangryan0/Sp19HW5/pkg/txn"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager() *Manager {
	return NewManager(nil)
}

// waitQueued blocks until n requests sit in wait queues.
func waitQueued(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, waiting := m.Stats()
		return waiting == n
	}, waitFor, tick, "expected %d queued requests", n)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(t1, a, ModeX))
	assert.Equal(t, ModeX, m.GetLockType(t1.ID(), a))

	granted, waiting := m.Stats()
	assert.Equal(t, 1, granted)
	assert.Equal(t, 0, waiting)

	require.NoError(t, m.Release(t1, a))
	assert.Equal(t, ModeNL, m.GetLockType(t1.ID(), a))
	assert.Empty(t, m.GetLocks(a))
	assert.Empty(t, m.GetLocksHeldBy(t1.ID()))

	granted, waiting = m.Stats()
	assert.Equal(t, 0, granted)
	assert.Equal(t, 0, waiting)
}

func TestAcquireDuplicate(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(t1, a, ModeS))

	// Any lock on the resource makes a second acquire a duplicate,
	// regardless of mode.
	err := m.Acquire(t1, a, ModeS)
	require.ErrorIs(t, err, ErrDuplicateLockRequest)
	err = m.Acquire(t1, a, ModeX)
	require.ErrorIs(t, err, ErrDuplicateLockRequest)
}

func TestAcquireCompatibleSharing(t *testing.T) {
	m := newTestManager()
	a := NewResourceName("a")

	for id := txn.TxID(1); id <= 5; id++ {
		require.NoError(t, m.Acquire(txn.New(id), a, ModeS))
	}
	locks := m.GetLocks(a)
	require.Len(t, locks, 5)
	// Granted in acquisition order.
	for i, l := range locks {
		assert.Equal(t, txn.TxID(i+1), l.TxID)
		assert.Equal(t, ModeS, l.Mode)
	}
}

func TestAcquireConflictBlocksUntilRelease(t *testing.T) {
	m := newTestManager()
	t1, t2 := txn.New(1), txn.New(2)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(t1, a, ModeX))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Acquire(t2, a, ModeS))
	}()

	waitQueued(t, m, 1)
	assert.Equal(t, ModeNL, m.GetLockType(t2.ID(), a))
	assert.True(t, t2.Blocked())

	require.NoError(t, m.Release(t1, a))
	wg.Wait()

	assert.Equal(t, ModeS, m.GetLockType(t2.ID(), a))
	assert.False(t, t2.Blocked())
}

func TestCompatibleRequestQueuesBehindEarlierWaiters(t *testing.T) {
	m := newTestManager()
	t1, t2, t3 := txn.New(1), txn.New(2), txn.New(3)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(t1, a, ModeS))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Acquire(t2, a, ModeX))
	}()
	waitQueued(t, m, 1)

	// t3's S is compatible with t1's granted S, but the queue is non-empty:
	// first-come-first-served, so it waits behind t2's X.
	go func() {
		defer wg.Done()
		require.NoError(t, m.Acquire(t3, a, ModeS))
	}()
	waitQueued(t, m, 2)
	assert.Equal(t, ModeNL, m.GetLockType(t3.ID(), a))

	require.NoError(t, m.Release(t1, a))
	require.Eventually(t, func() bool {
		return m.GetLockType(t2.ID(), a) == ModeX
	}, waitFor, tick)

	require.NoError(t, m.Release(t2, a))
	wg.Wait()
	assert.Equal(t, ModeS, m.GetLockType(t3.ID(), a))
}

// TestQueueDrainStopsAtFirstConflict covers the documented S X S rule:
// draining after a release grants only the head, even if a later request
// would have been compatible with the new grant set.
func TestQueueDrainStopsAtFirstConflict(t *testing.T) {
	m := newTestManager()
	holder := txn.New(10)
	t1, t2, t3 := txn.New(1), txn.New(2), txn.New(3)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(holder, a, ModeX))

	var wg sync.WaitGroup
	for i, pair := range []struct {
		tx   *txn.Transaction
		mode Mode
	}{{t1, ModeS}, {t2, ModeX}, {t3, ModeS}} {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Acquire(pair.tx, a, pair.mode))
		}()
		waitQueued(t, m, i+1)
	}

	require.NoError(t, m.Release(holder, a))

	// Only the first S is granted; the X behind it blocks everything,
	// including the trailing S that would have been compatible with t1.
	require.Eventually(t, func() bool {
		return m.GetLockType(t1.ID(), a) == ModeS
	}, waitFor, tick)
	_, waiting := m.Stats()
	assert.Equal(t, 2, waiting)
	assert.Equal(t, ModeNL, m.GetLockType(t2.ID(), a))
	assert.Equal(t, ModeNL, m.GetLockType(t3.ID(), a))

	require.NoError(t, m.Release(t1, a))
	require.Eventually(t, func() bool {
		return m.GetLockType(t2.ID(), a) == ModeX
	}, waitFor, tick)
	assert.Equal(t, ModeNL, m.GetLockType(t3.ID(), a))

	require.NoError(t, m.Release(t2, a))
	wg.Wait()
	assert.Equal(t, ModeS, m.GetLockType(t3.ID(), a))
}

func TestAcquireAndReleaseKeepsAcquisitionOrder(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a, b := NewResourceName("a"), NewResourceName("b")

	require.NoError(t, m.Acquire(t1, a, ModeS))
	require.NoError(t, m.Acquire(t1, b, ModeX))

	// Upgrading a in place must not move it after b in acquisition order.
	require.NoError(t, m.AcquireAndRelease(t1, a, ModeX, []ResourceName{a}))

	held := m.GetLocksHeldBy(t1.ID())
	require.Len(t, held, 2)
	assert.Equal(t, a, held[0].Name)
	assert.Equal(t, ModeX, held[0].Mode)
	assert.Equal(t, b, held[1].Name)

	locks := m.GetLocks(a)
	require.Len(t, locks, 1)
	assert.Equal(t, ModeX, locks[0].Mode)
}

func TestAcquireAndReleaseValidation(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a, b := NewResourceName("a"), NewResourceName("b")

	require.NoError(t, m.Acquire(t1, a, ModeS))

	// Release-set entry not held.
	err := m.AcquireAndRelease(t1, b, ModeX, []ResourceName{b})
	require.ErrorIs(t, err, ErrNoLockHeld)

	// Holding a lock on the target that is not being released.
	err = m.AcquireAndRelease(t1, a, ModeX, nil)
	require.ErrorIs(t, err, ErrDuplicateLockRequest)

	// Failed calls leave state untouched.
	assert.Equal(t, ModeS, m.GetLockType(t1.ID(), a))
	granted, waiting := m.Stats()
	assert.Equal(t, 1, granted)
	assert.Equal(t, 0, waiting)
}

func TestAcquireAndReleaseDrainsReleasedQueues(t *testing.T) {
	m := newTestManager()
	t1, t2 := txn.New(1), txn.New(2)
	a, b := NewResourceName("a"), NewResourceName("b")

	require.NoError(t, m.Acquire(t1, a, ModeS))
	require.NoError(t, m.Acquire(t1, b, ModeS))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Acquire(t2, b, ModeX))
	}()
	waitQueued(t, m, 1)

	// Folding b's lock away must drain b's queue and wake t2.
	require.NoError(t, m.AcquireAndRelease(t1, a, ModeX, []ResourceName{a, b}))
	wg.Wait()

	assert.Equal(t, ModeX, m.GetLockType(t1.ID(), a))
	assert.Equal(t, ModeNL, m.GetLockType(t1.ID(), b))
	assert.Equal(t, ModeX, m.GetLockType(t2.ID(), b))
}

func TestPromoteValidation(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a := NewResourceName("a")

	err := m.Promote(t1, a, ModeX)
	require.ErrorIs(t, err, ErrNoLockHeld)

	require.NoError(t, m.Acquire(t1, a, ModeS))

	err = m.Promote(t1, a, ModeS)
	require.ErrorIs(t, err, ErrDuplicateLockRequest)

	// IS does not substitute for S: not a promotion.
	err = m.Promote(t1, a, ModeIS)
	require.ErrorIs(t, err, ErrInvalidPromotion)

	assert.Equal(t, ModeS, m.GetLockType(t1.ID(), a))
}

func TestPromoteKeepsAcquisitionOrder(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a, b := NewResourceName("a"), NewResourceName("b")

	require.NoError(t, m.Acquire(t1, a, ModeS))
	require.NoError(t, m.Acquire(t1, b, ModeX))
	require.NoError(t, m.Promote(t1, a, ModeX))

	held := m.GetLocksHeldBy(t1.ID())
	require.Len(t, held, 2)
	assert.Equal(t, a, held[0].Name)
	assert.Equal(t, ModeX, held[0].Mode)
	assert.Equal(t, b, held[1].Name)
}

func TestPromoteJumpsAheadOfWaiters(t *testing.T) {
	m := newTestManager()
	t1, t2, t3 := txn.New(1), txn.New(2), txn.New(3)
	a := NewResourceName("a")

	require.NoError(t, m.Acquire(t1, a, ModeS))
	require.NoError(t, m.Acquire(t2, a, ModeS))

	// t3's X waits behind both S holders.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, m.Acquire(t3, a, ModeX))
	}()
	waitQueued(t, m, 1)

	// t1's promotion goes to the front of the queue: it conflicts with t2's
	// S, so it blocks, but it must be served before t3.
	go func() {
		defer wg.Done()
		require.NoError(t, m.Promote(t1, a, ModeX))
	}()
	waitQueued(t, m, 2)

	require.NoError(t, m.Release(t2, a))
	require.Eventually(t, func() bool {
		return m.GetLockType(t1.ID(), a) == ModeX
	}, waitFor, tick)
	assert.Equal(t, ModeNL, m.GetLockType(t3.ID(), a))

	require.NoError(t, m.Release(t1, a))
	wg.Wait()
	assert.Equal(t, ModeX, m.GetLockType(t3.ID(), a))
}

func TestReleaseWithoutLock(t *testing.T) {
	m := newTestManager()
	t1 := txn.New(1)
	a := NewResourceName("a")

	err := m.Release(t1, a)
	require.ErrorIs(t, err, ErrNoLockHeld)
}

func TestGetLockTypeDefaultsToNL(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, ModeNL, m.GetLockType(99, NewResourceName("nowhere")))
}

func TestOrphanContextRegistry(t *testing.T) {
	m := newTestManager()

	db := m.DatabaseContext()
	require.NotNil(t, db)
	assert.Same(t, db, m.DatabaseContext())

	c1, err := m.OrphanContext("scratch")
	require.NoError(t, err)
	c2, err := m.OrphanContext("scratch")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = m.OrphanContext("database")
	require.Error(t, err)
}
