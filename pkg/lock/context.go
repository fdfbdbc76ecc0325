package lock

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/yangryan0/Sp19HW5/pkg/txn"
)

// databaseRoot is the reserved name of the fixed root context.
const databaseRoot = "database"

// Context is one node of the lock hierarchy. It wraps the flat Manager with
// multigranularity policy: a lock here is only valid if the transaction
// holds a strong-enough intent lock on the parent, releases must not orphan
// descendant locks, and many fine-grained locks can be escalated into one
// coarse lock at this level.
//
// The grant/release decision itself is always delegated to the Manager.
// A Context never owns lock state, only hierarchy bookkeeping.
type Context struct {
	mgr  *Manager
	name ResourceName

	// parent is a non-owning back-reference used for upward traversal only.
	// Subtrees are owned downward, from the Manager's root registry through
	// the children maps.
	parent *Context

	// readonly contexts reject all mutating operations.
	readonly bool

	mu sync.Mutex
	// children memoizes child contexts by local name; created lazily,
	// kept for the lifetime of the Manager.
	children map[string]*Context
	// childLocksDisabled marks all future children read-only.
	childLocksDisabled bool
	// descLocks counts, per transaction, the locks held strictly below this
	// node. Feeds Saturation only; never consulted for grant decisions.
	descLocks map[txn.TxID]int
	// capacity overrides the child count used by Saturation. Zero means
	// "use the number of materialized children", which undercounts when
	// children are created lazily.
	capacity int
}

func newContext(mgr *Manager, parent *Context, name string, readonly bool) *Context {
	var rn ResourceName
	if parent == nil {
		rn = NewResourceName(name)
	} else {
		rn = parent.name.Child(name)
	}
	return &Context{
		mgr:                mgr,
		name:               rn,
		parent:             parent,
		readonly:           readonly,
		children:           make(map[string]*Context),
		childLocksDisabled: readonly,
		descLocks:          make(map[txn.TxID]int),
	}
}

// Name returns the resource name this context stands for.
func (c *Context) Name() ResourceName {
	return c.name
}

// Parent returns the parent context, or nil at a root.
func (c *Context) Parent() *Context {
	return c.parent
}

// Child returns the context for the child with the given local name,
// creating and memoizing it on first use. Children of a read-only context,
// or of one whose child locks are disabled, are themselves read-only.
func (c *Context) Child(name string) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	child, ok := c.children[name]
	if !ok {
		child = newContext(c.mgr, c, name, c.readonly || c.childLocksDisabled)
		c.children[name] = child
	}
	return child
}

// Children returns the materialized child contexts, sorted by local name.
func (c *Context) Children() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Context, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name.path < out[j].name.path
	})
	return out
}

// DisableChildLocks makes all child contexts created from now on read-only.
// Used for structures that must not be locked at finer grain, e.g. indexes.
func (c *Context) DisableChildLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childLocksDisabled = true
}

// parentAdequate reports whether some lock t holds on the parent resource is
// substitutable for the intent mode that mode requires. Vacuously true at a
// root.
func (c *Context) parentAdequate(t txn.TxID, mode Mode) bool {
	if c.parent == nil {
		return true
	}
	need := ParentMode(mode)
	for _, l := range c.mgr.GetLocks(c.parent.name) {
		if l.TxID == t && Substitutable(l.Mode, need) {
			return true
		}
	}
	return false
}

// addDescLock adjusts the descendant-lock count for t on every strict
// ancestor of the node at which a lock appeared or disappeared.
func (c *Context) addDescLock(t txn.TxID, delta int) {
	for anc := c.parent; anc != nil; anc = anc.parent {
		anc.mu.Lock()
		anc.descLocks[t] += delta
		anc.mu.Unlock()
	}
}

// Acquire takes a lock of the given mode at this node for t.
//
// Returns ErrReadOnlyContext on a read-only context, ErrInvalidLock if t
// does not hold an adequate intent lock on the parent, and the Manager's
// errors otherwise.
func (c *Context) Acquire(t *txn.Transaction, mode Mode) error {
	if c.readonly {
		return errors.Wrapf(ErrReadOnlyContext, "acquire %s on %s", mode, c.name)
	}
	if !c.parentAdequate(t.ID(), mode) {
		return errors.Wrapf(ErrInvalidLock,
			"txn %d holds no lock on %s substitutable for %s",
			t.ID(), c.parent.name, ParentMode(mode))
	}
	if err := c.mgr.Acquire(t, c.name, mode); err != nil {
		return err
	}
	c.addDescLock(t.ID(), 1)
	return nil
}

// Release drops t's lock at this node. Releasing is rejected while t still
// holds a lock anywhere below this node: that would orphan the descendant
// lock's required ancestor intent.
//
// Returns ErrReadOnlyContext, ErrInvalidLock (descendant lock still held),
// or ErrNoLockHeld.
func (c *Context) Release(t *txn.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrReadOnlyContext, "release on %s", c.name)
	}
	for _, l := range c.mgr.GetLocksHeldBy(t.ID()) {
		if l.Name.IsDescendantOf(c.name) {
			return errors.Wrapf(ErrInvalidLock,
				"txn %d cannot release %s while holding %s on descendant %s",
				t.ID(), c.name, l.Mode, l.Name)
		}
	}
	if err := c.mgr.Release(t, c.name); err != nil {
		return err
	}
	c.addDescLock(t.ID(), -1)
	return nil
}

// Promote upgrades t's lock at this node to newMode. The parent-adequacy
// check is re-done for newMode; descendant counts are unchanged since the
// number of locks at this node stays the same.
func (c *Context) Promote(t *txn.Transaction, newMode Mode) error {
	if c.readonly {
		return errors.Wrapf(ErrReadOnlyContext, "promote to %s on %s", newMode, c.name)
	}
	if !c.parentAdequate(t.ID(), newMode) {
		return errors.Wrapf(ErrInvalidLock,
			"txn %d holds no lock on %s substitutable for %s",
			t.ID(), c.parent.name, ParentMode(newMode))
	}
	return c.mgr.Promote(t, c.name, newMode)
}

// Escalate collapses t's lock at this node and every lock it holds below
// into a single lock here: S when everything folded is read-only (S or IS),
// X otherwise. The fold happens in exactly one mutating manager call, so the
// table mutex is taken once rather than once per descendant. Escalating when
// already fully escalated is a no-op with no mutating call.
//
// Returns ErrReadOnlyContext, or ErrNoLockHeld if t holds no explicit lock
// at this node.
func (c *Context) Escalate(t *txn.Transaction) error {
	if c.readonly {
		return errors.Wrapf(ErrReadOnlyContext, "escalate on %s", c.name)
	}

	var here Lock
	found := false
	var descendants []Lock
	for _, l := range c.mgr.GetLocksHeldBy(t.ID()) {
		switch {
		case l.Name == c.name:
			here = l
			found = true
		case l.Name.IsDescendantOf(c.name):
			descendants = append(descendants, l)
		}
	}
	if !found {
		return errors.Wrapf(ErrNoLockHeld, "txn %d holds no lock on %s", t.ID(), c.name)
	}

	target := ModeS
	if here.Mode != ModeS && here.Mode != ModeIS {
		target = ModeX
	}
	for _, l := range descendants {
		if l.Mode != ModeS && l.Mode != ModeIS {
			target = ModeX
		}
	}

	if len(descendants) == 0 && here.Mode == target {
		return nil
	}

	release := make([]ResourceName, 0, len(descendants)+1)
	release = append(release, c.name)
	for _, l := range descendants {
		release = append(release, l.Name)
	}
	if err := c.mgr.AcquireAndRelease(t, c.name, target, release); err != nil {
		return err
	}

	// Every folded descendant lock disappeared: fix the counts on all of its
	// ancestors. The lock at this node was replaced, not removed, so this
	// node's own ancestors only see the descendant deltas.
	for _, l := range descendants {
		if node := c.nodeFor(l.Name); node != nil {
			node.addDescLock(t.ID(), -1)
		}
	}
	c.mgr.log.Debug("lock escalated",
		"txn", t.ID(), "resource", c.name.String(),
		"mode", target.String(), "folded", len(descendants))
	return nil
}

// nodeFor resolves a resource name at or below this context to its
// materialized context node. Locks below a context can only have been
// acquired through contexts, so the chain always exists.
func (c *Context) nodeFor(name ResourceName) *Context {
	if name == c.name {
		return c
	}
	rel := name.Segments()[len(c.name.Segments()):]
	node := c
	for _, seg := range rel {
		node.mu.Lock()
		child, ok := node.children[seg]
		node.mu.Unlock()
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

// ExplicitLockType returns the mode t holds directly at this node, or ModeNL.
func (c *Context) ExplicitLockType(t txn.TxID) Mode {
	return c.mgr.GetLockType(t, c.name)
}

// EffectiveLockType returns the strongest mode implied at this exact node by
// t's explicit locks here or above: an ancestor's S or X applies here as is,
// an ancestor's SIX implies S here, and a pure intent mode (IS/IX) stops the
// climb, yielding whatever non-intent mode was found below it, or NL.
func (c *Context) EffectiveLockType(t txn.TxID) Mode {
	var cur, prev Mode
	haveCur, havePrev := false, false

	node := c
	for node != nil && !(haveCur && (cur == ModeSIX || cur == ModeIS || cur == ModeIX)) {
		if m := c.mgr.GetLockType(t, node.name); m != ModeNL {
			prev, havePrev = cur, haveCur
			cur, haveCur = m, true
		}
		node = node.parent
	}

	switch {
	case haveCur && (cur == ModeS || cur == ModeX):
		return cur
	case haveCur && cur == ModeSIX:
		return ModeS
	case havePrev:
		return prev
	default:
		return ModeNL
	}
}

// SetCapacity overrides the child count used by Saturation. Callers owning
// sparse hierarchies (e.g. a table whose page contexts are created lazily)
// must set this for Saturation to mean anything.
func (c *Context) SetCapacity(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = n
}

// Capacity returns the configured child count, defaulting to the number of
// materialized children when never set.
func (c *Context) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity != 0 {
		return c.capacity
	}
	return len(c.children)
}

// Saturation returns the fraction of this node's children locked by t:
// descendant locks divided by capacity, 0 when capacity is 0. A heuristic
// input for deciding when to Escalate, never a correctness signal.
func (c *Context) Saturation(t txn.TxID) float64 {
	capacity := c.Capacity()
	if capacity == 0 {
		return 0
	}
	c.mu.Lock()
	n := c.descLocks[t]
	c.mu.Unlock()
	return float64(n) / float64(capacity)
}
