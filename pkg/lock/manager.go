// Package lock implements the concurrency-control core of the database:
// a flat lock manager with per-resource FIFO wait queues, the
// compatibility/substitutability algebra over multigranularity lock modes,
// and a context tree that layers hierarchical (intent-lock) constraints and
// escalation on top of the flat manager.
//
// The Manager is the single source of truth for who holds and who waits for
// what, but treats every ResourceName as an independent opaque key. All
// hierarchy knowledge lives in Context. Callers should go through Context;
// the Manager accepts any request that is valid when resources are viewed as
// unrelated objects, even ones a multigranularity policy would reject.
package lock

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/yangryan0/Sp19HW5/internal/logger"
	"github.com/yangryan0/Sp19HW5/pkg/txn"
)

// Lock records one granted (or about-to-be-granted) lock. Locks are value
// records: transitions replace them rather than mutating shared state, so a
// Lock returned from a query never aliases live manager state.
type Lock struct {
	Name ResourceName
	Mode Mode
	TxID txn.TxID
}

// pendingRequest is a blocked request sitting in a resource's wait queue.
// release lists locks to drop atomically at the moment the new lock is
// granted, which is how upgrades keep their place in acquisition order.
type pendingRequest struct {
	tx      *txn.Transaction
	lock    Lock
	release []Lock
}

// resourceEntry is the per-resource lock table state. granted is kept in
// acquisition order; queue[0] is the head of the FIFO wait queue.
type resourceEntry struct {
	granted []Lock
	queue   []pendingRequest
}

// Manager owns all granted-lock and wait-queue state. One mutex spans the
// whole table: transitions are short, and a single exclusion domain keeps
// the queue-draining logic simple. Transactions are never suspended while
// the mutex is held; see Acquire for the protocol.
type Manager struct {
	mu        sync.Mutex
	resources map[ResourceName]*resourceEntry
	// txLocks maps a transaction to its locks in acquisition order.
	// Promotions and acquire-and-release update entries in place so the
	// slice order doubles as original-acquisition order.
	txLocks map[txn.TxID][]Lock

	// roots registers top-level contexts by name; guarded by mu.
	roots map[string]*Context

	log *logger.Logger
}

// NewManager creates an empty lock manager. A nil log disables logging.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		resources: make(map[ResourceName]*resourceEntry),
		txLocks:   make(map[txn.TxID][]Lock),
		roots:     make(map[string]*Context),
		log:       log,
	}
}

// entryLocked returns the entry for name, creating it lazily.
// Entries are never destroyed; an empty entry is equivalent to an absent one.
func (m *Manager) entryLocked(name ResourceName) *resourceEntry {
	e, ok := m.resources[name]
	if !ok {
		e = &resourceEntry{}
		m.resources[name] = e
	}
	return e
}

// heldLocked returns the lock t holds on name, if any.
func (m *Manager) heldLocked(t txn.TxID, name ResourceName) (Lock, bool) {
	for _, l := range m.txLocks[t] {
		if l.Name == name {
			return l, true
		}
	}
	return Lock{}, false
}

// conflictsLocked reports whether a lock of the given mode, requested by
// requester, is incompatible with any granted lock on the entry owned by a
// different transaction. The requester's own locks are skipped: the only one
// it can hold here is part of a release set being replaced.
func (m *Manager) conflictsLocked(e *resourceEntry, requester txn.TxID, mode Mode) bool {
	for _, l := range e.granted {
		if l.TxID != requester && !Compatible(l.Mode, mode) {
			return true
		}
	}
	return false
}

// grantLocked appends a fresh lock to both ordered containers.
func (m *Manager) grantLocked(l Lock) {
	m.entryLocked(l.Name).granted = append(m.entryLocked(l.Name).granted, l)
	m.txLocks[l.TxID] = append(m.txLocks[l.TxID], l)
}

// removeLocked removes t's lock on name from both ordered containers.
func (m *Manager) removeLocked(t txn.TxID, name ResourceName) {
	e := m.entryLocked(name)
	for i, l := range e.granted {
		if l.TxID == t {
			e.granted = append(e.granted[:i], e.granted[i+1:]...)
			break
		}
	}
	held := m.txLocks[t]
	for i, l := range held {
		if l.Name == name {
			m.txLocks[t] = append(held[:i], held[i+1:]...)
			break
		}
	}
}

// replaceLocked swaps t's existing lock on l.Name for l, keeping its
// position in both acquisition orders.
func (m *Manager) replaceLocked(l Lock) {
	e := m.entryLocked(l.Name)
	for i, g := range e.granted {
		if g.TxID == l.TxID {
			e.granted[i] = l
			break
		}
	}
	held := m.txLocks[l.TxID]
	for i, g := range held {
		if g.Name == l.Name {
			held[i] = l
			break
		}
	}
}

// applyGrantLocked installs req's lock, drops its release set, and drains the
// queues of every other resource that lost a lock. A release-set entry on the
// same resource is replaced in place so the lock keeps its original
// acquisition time.
func (m *Manager) applyGrantLocked(req pendingRequest) {
	replaced := false
	var released []ResourceName
	for _, rel := range req.release {
		if rel.Name == req.lock.Name {
			m.replaceLocked(req.lock)
			replaced = true
			continue
		}
		m.removeLocked(req.tx.ID(), rel.Name)
		released = append(released, rel.Name)
	}
	if !replaced {
		m.grantLocked(req.lock)
	}

	m.log.Debug("lock granted",
		"txn", req.tx.ID(), "resource", req.lock.Name.String(), "mode", req.lock.Mode.String())

	for _, name := range released {
		m.processQueueLocked(name)
	}
}

// processQueueLocked drains name's wait queue: grant the head request and
// continue, or stop at the first head that still conflicts. Strictly FIFO:
// a blocked head blocks everything behind it, even later requests that would
// otherwise be compatible. Granted waiters are marked runnable here, under
// the mutex; they resume on their own once it is released.
func (m *Manager) processQueueLocked(name ResourceName) {
	e := m.entryLocked(name)
	for len(e.queue) > 0 {
		req := e.queue[0]
		if m.conflictsLocked(e, req.tx.ID(), req.lock.Mode) {
			return
		}
		e.queue = e.queue[1:]
		m.applyGrantLocked(req)
		req.tx.Unblock()
	}
}

// Acquire takes a lock of the given mode on name for t.
//
// If name's wait queue is non-empty, or the mode conflicts with a granted
// lock, the request is appended to the back of the queue and the calling
// goroutine suspends until another transaction's release grants it. The
// grant-or-enqueue decision happens under the table mutex; the suspension
// itself strictly after it is released, otherwise no one could ever acquire
// the mutex to wake us.
//
// Returns ErrDuplicateLockRequest if t already holds a lock on name.
func (m *Manager) Acquire(t *txn.Transaction, name ResourceName, mode Mode) error {
	m.mu.Lock()
	if held, ok := m.heldLocked(t.ID(), name); ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest,
			"txn %d already holds %s on %s", t.ID(), held.Mode, name)
	}

	l := Lock{Name: name, Mode: mode, TxID: t.ID()}
	e := m.entryLocked(name)
	wait := len(e.queue) > 0 || m.conflictsLocked(e, t.ID(), mode)
	if wait {
		e.queue = append(e.queue, pendingRequest{tx: t, lock: l})
		m.log.Debug("lock request queued",
			"txn", t.ID(), "resource", name.String(), "mode", mode.String(), "depth", len(e.queue))
	} else {
		m.grantLocked(l)
		m.log.Debug("lock granted",
			"txn", t.ID(), "resource", name.String(), "mode", mode.String())
	}
	m.mu.Unlock()

	if wait {
		t.Block()
	}
	return nil
}

// AcquireAndRelease takes a lock of the given mode on name and releases all
// of t's locks on the names in release, as one atomic transition. So that
// promotions and escalations cannot starve behind new waiters, the request
// goes to the front of name's queue, and the queue is driven immediately;
// if that grants the request the call returns without blocking.
//
// Re-granting a lock on name through this path does not change its position
// in acquisition order.
//
// Returns ErrDuplicateLockRequest if t holds a lock on name that is not in
// release, and ErrNoLockHeld if any name in release is not held by t.
func (m *Manager) AcquireAndRelease(t *txn.Transaction, name ResourceName, mode Mode, release []ResourceName) error {
	m.mu.Lock()
	releaseLocks := make([]Lock, 0, len(release))
	for _, rel := range release {
		l, ok := m.heldLocked(t.ID(), rel)
		if !ok {
			m.mu.Unlock()
			return errors.Wrapf(ErrNoLockHeld,
				"txn %d holds no lock on release-set entry %s", t.ID(), rel)
		}
		releaseLocks = append(releaseLocks, l)
	}
	if held, ok := m.heldLocked(t.ID(), name); ok {
		inRelease := false
		for _, rel := range release {
			if rel == name {
				inRelease = true
				break
			}
		}
		if !inRelease {
			m.mu.Unlock()
			return errors.Wrapf(ErrDuplicateLockRequest,
				"txn %d already holds %s on %s and is not releasing it", t.ID(), held.Mode, name)
		}
	}

	wait := m.submitFrontLocked(pendingRequest{
		tx:      t,
		lock:    Lock{Name: name, Mode: mode, TxID: t.ID()},
		release: releaseLocks,
	})
	m.mu.Unlock()

	if wait {
		t.Block()
	}
	return nil
}

// submitFrontLocked puts req at the front of its resource's queue, drives
// the queue, and reports whether the caller still has to block.
func (m *Manager) submitFrontLocked(req pendingRequest) bool {
	e := m.entryLocked(req.lock.Name)
	e.queue = append([]pendingRequest{req}, e.queue...)
	m.processQueueLocked(req.lock.Name)

	// Our request went to the front: either draining granted and popped it,
	// or it is still the head and we must wait.
	return len(e.queue) > 0 && e.queue[0].tx == req.tx
}

// Promote upgrades t's lock on name to newMode, which must differ from and
// be substitutable for the held mode. The promotion keeps the lock's
// original acquisition time and takes priority over queued waiters.
//
// Returns ErrNoLockHeld if t holds nothing on name, ErrDuplicateLockRequest
// if it already holds exactly newMode, and ErrInvalidPromotion otherwise
// when newMode cannot substitute for the held mode.
func (m *Manager) Promote(t *txn.Transaction, name ResourceName, newMode Mode) error {
	m.mu.Lock()
	held, ok := m.heldLocked(t.ID(), name)
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", t.ID(), name)
	}
	if held.Mode == newMode {
		m.mu.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest,
			"txn %d already holds %s on %s", t.ID(), newMode, name)
	}
	if !Substitutable(newMode, held.Mode) {
		m.mu.Unlock()
		return errors.Wrapf(ErrInvalidPromotion,
			"%s cannot substitute for %s on %s", newMode, held.Mode, name)
	}

	wait := m.submitFrontLocked(pendingRequest{
		tx:      t,
		lock:    Lock{Name: name, Mode: newMode, TxID: t.ID()},
		release: []Lock{held},
	})
	m.mu.Unlock()

	if wait {
		t.Block()
	}
	return nil
}

// Release drops t's lock on name and drains name's wait queue.
// Never blocks the caller. Returns ErrNoLockHeld if t holds nothing on name.
func (m *Manager) Release(t *txn.Transaction, name ResourceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heldLocked(t.ID(), name); !ok {
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", t.ID(), name)
	}
	m.removeLocked(t.ID(), name)
	m.log.Debug("lock released", "txn", t.ID(), "resource", name.String())
	m.processQueueLocked(name)
	return nil
}

// GetLockType returns the mode t holds on name, or ModeNL.
func (m *Manager) GetLockType(t txn.TxID, name ResourceName) Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.heldLocked(t, name); ok {
		return l.Mode
	}
	return ModeNL
}

// GetLocks returns the locks granted on name, in acquisition order.
// Promoted or re-granted locks count as acquired at their original time.
func (m *Manager) GetLocks(name ResourceName) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.resources[name]
	if !ok {
		return nil
	}
	out := make([]Lock, len(e.granted))
	copy(out, e.granted)
	return out
}

// GetLocksHeldBy returns t's locks across all resources, in acquisition order.
func (m *Manager) GetLocksHeldBy(t txn.TxID) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.txLocks[t]
	out := make([]Lock, len(held))
	copy(out, held)
	return out
}

// Stats returns the total number of granted locks and queued requests.
func (m *Manager) Stats() (granted, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.resources {
		granted += len(e.granted)
		waiting += len(e.queue)
	}
	return granted, waiting
}

// DatabaseContext returns the fixed root context of the lock hierarchy,
// named "database", creating it on first use.
func (m *Manager) DatabaseContext() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootLocked(databaseRoot)
}

// OrphanContext returns an independent root context with the given name.
// The name "database" is reserved for the fixed root.
func (m *Manager) OrphanContext(name string) (*Context, error) {
	if name == databaseRoot {
		return nil, errors.Newf("cannot create orphan context named %q", databaseRoot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootLocked(name), nil
}

// Roots returns every root context created so far, the fixed "database" root
// first and orphans after it in name order.
func (m *Manager) Roots() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Context, 0, len(m.roots))
	for _, c := range m.roots {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].name.path, out[j].name.path
		if (ri == databaseRoot) != (rj == databaseRoot) {
			return ri == databaseRoot
		}
		return ri < rj
	})
	return out
}

func (m *Manager) rootLocked(name string) *Context {
	c, ok := m.roots[name]
	if !ok {
		c = newContext(m, nil, name, false)
		m.roots[name] = c
	}
	return c
}
