package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockUnblock(t *testing.T) {
	tx := New(1)
	require.Equal(t, StatusRunning, tx.Status())

	done := make(chan struct{})
	go func() {
		tx.Block()
		close(done)
	}()

	require.Eventually(t, tx.Blocked, time.Second, time.Millisecond)

	tx.Unblock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transaction did not resume after Unblock")
	}
	assert.Equal(t, StatusRunning, tx.Status())
}

func TestUnblockBeforeBlock(t *testing.T) {
	tx := New(1)

	// The permit is deposited first; Block must consume it without hanging.
	tx.Unblock()

	done := make(chan struct{})
	go func() {
		tx.Block()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Block lost a permit deposited before it ran")
	}
}

func TestUnblockIdempotent(t *testing.T) {
	tx := New(1)

	// Extra permits are dropped, not queued: one Block consumes everything.
	tx.Unblock()
	tx.Unblock()
	tx.Unblock()
	tx.Block()

	blocked := make(chan struct{})
	go func() {
		tx.Block()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("second Block resumed without a fresh Unblock")
	case <-time.After(50 * time.Millisecond):
	}
	tx.Unblock()
	<-blocked
}

func TestManagerBegin(t *testing.T) {
	m := NewManager()

	t1 := m.Begin()
	t2 := m.Begin()
	assert.Equal(t, TxID(1), t1.ID())
	assert.Equal(t, TxID(2), t2.ID())
	assert.Equal(t, 2, m.Active())

	got, err := m.Get(t1.ID())
	require.NoError(t, err)
	assert.Same(t, t1, got)

	_, err = m.Get(99)
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestManagerCommitAbort(t *testing.T) {
	m := NewManager()
	t1 := m.Begin()
	t2 := m.Begin()

	require.NoError(t, m.Commit(t1))
	assert.Equal(t, StatusCommitted, t1.Status())
	require.NoError(t, m.Abort(t2))
	assert.Equal(t, StatusAborted, t2.Status())
	assert.Zero(t, m.Active())

	_, err := m.Get(t1.ID())
	require.ErrorIs(t, err, ErrTxNotFound)

	// Finishing twice is rejected.
	err = m.Commit(t1)
	require.ErrorIs(t, err, ErrTxNotActive)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "RUNNING", StatusRunning.String())
	assert.Equal(t, "BLOCKED", StatusBlocked.String())
	assert.Equal(t, "COMMITTED", StatusCommitted.String())
	assert.Equal(t, "ABORTED", StatusAborted.String())
}
