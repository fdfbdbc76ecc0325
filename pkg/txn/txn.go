// Package txn provides the transaction abstraction used by the lock manager:
// a stable numeric identity plus cooperative suspend/resume primitives.
package txn

import (
	"sync"
	"sync/atomic"
)

// TxID is a unique transaction identifier.
// TxID 0 is reserved as "invalid/none". TxID values increase monotonically.
type TxID uint64

// InvalidTxID represents no transaction or an invalid transaction.
const InvalidTxID TxID = 0

// Status represents the lifecycle state of a transaction.
type Status uint8

const (
	// StatusRunning indicates the transaction is executing.
	StatusRunning Status = iota

	// StatusBlocked indicates the transaction is suspended waiting for a lock.
	StatusBlocked

	// StatusCommitted indicates the transaction has committed.
	StatusCommitted

	// StatusAborted indicates the transaction has been rolled back.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusBlocked:
		return "BLOCKED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction represents one active transaction. Suspension is permit-based:
// Unblock deposits a wakeup permit and Block consumes one, so an Unblock that
// arrives before the owning goroutine reaches Block is not lost.
type Transaction struct {
	id TxID

	// permit is a binary semaphore. A transaction has at most one pending
	// lock request, so capacity 1 suffices and makes Unblock idempotent.
	permit chan struct{}

	mu     sync.Mutex
	status Status
}

// New creates a standalone transaction with the given ID.
// Most callers should use Manager.Begin instead.
func New(id TxID) *Transaction {
	return &Transaction{
		id:     id,
		permit: make(chan struct{}, 1),
		status: StatusRunning,
	}
}

// ID returns the transaction's stable identifier.
func (t *Transaction) ID() TxID {
	return t.id
}

// Status returns the transaction's current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Block suspends the calling goroutine until Unblock is called.
// Only the goroutine that owns the transaction may call Block, and it must
// not hold the lock manager's mutex when it does: the wakeup comes from
// another transaction's release, which needs that mutex.
func (t *Transaction) Block() {
	t.mu.Lock()
	t.status = StatusBlocked
	t.mu.Unlock()

	<-t.permit

	t.mu.Lock()
	if t.status == StatusBlocked {
		t.status = StatusRunning
	}
	t.mu.Unlock()
}

// Unblock makes the transaction eligible to resume. It never blocks, may be
// called from any goroutine, and is idempotent: extra calls while a permit is
// already pending are dropped.
func (t *Transaction) Unblock() {
	select {
	case t.permit <- struct{}{}:
	default:
	}
}

// Blocked reports whether the transaction is currently suspended.
func (t *Transaction) Blocked() bool {
	return t.Status() == StatusBlocked
}

// Manager hands out transactions with monotonically increasing IDs and
// tracks the ones still running.
type Manager struct {
	nextID atomic.Uint64

	mu     sync.RWMutex
	active map[TxID]*Transaction
}

// NewManager creates a new transaction manager.
func NewManager() *Manager {
	m := &Manager{
		active: make(map[TxID]*Transaction),
	}
	// TxID 0 is reserved as invalid.
	m.nextID.Store(1)
	return m
}

// Begin starts a new transaction and returns it.
func (m *Manager) Begin() *Transaction {
	id := TxID(m.nextID.Add(1) - 1)
	t := New(id)

	m.mu.Lock()
	m.active[id] = t
	m.mu.Unlock()

	return t
}

// Get returns the active transaction with the given ID.
func (m *Manager) Get(id TxID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.active[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	return t, nil
}

// Commit marks the transaction committed and forgets it.
// Releasing any locks it still holds is the caller's responsibility;
// there is no bulk release primitive in the lock core.
func (m *Manager) Commit(t *Transaction) error {
	return m.finish(t, StatusCommitted)
}

// Abort marks the transaction aborted and forgets it.
func (m *Manager) Abort(t *Transaction) error {
	return m.finish(t, StatusAborted)
}

func (m *Manager) finish(t *Transaction, end Status) error {
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return ErrTxNotActive
	}
	t.status = end
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	return nil
}

// Active returns the number of transactions still running or blocked.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
