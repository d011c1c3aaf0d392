package lock

import "sync"

// LockContext is a node in a resource hierarchy tree, layered above the
// flat LockManager to enforce multigranularity rules (spec §4.2).
type LockContext struct {
	mu sync.Mutex

	manager *LockManager
	parent  *LockContext // nil at the root; Go's GC makes back-pointers safe
	name    ResourceName

	children         map[string]*LockContext
	childrenDisabled bool
	readonly         bool

	// numDescendants[t] counts the lock grants T holds on strict
	// descendants of this context, reached through this context.
	numDescendants map[TransNum]int
}

// NewLockContext creates the root context of a resource hierarchy.
func NewLockContext(manager *LockManager, name ResourceName) *LockContext {
	return &LockContext{
		manager:        manager,
		name:           name,
		children:       make(map[string]*LockContext),
		numDescendants: make(map[TransNum]int),
	}
}

// Child returns (creating if necessary) the child context named segment.
// If this context's children are disabled, the child is created readonly
// (used for indices and temp tables, which should not themselves be
// individually lockable).
func (c *LockContext) Child(segment string) *LockContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.children[segment]; ok {
		return ch
	}
	ch := &LockContext{
		manager:        c.manager,
		parent:         c,
		name:           c.name.Child(segment),
		children:       make(map[string]*LockContext),
		numDescendants: make(map[TransNum]int),
		readonly:       c.childrenDisabled,
	}
	c.children[segment] = ch
	return ch
}

// DisableChildren marks every future child of this context readonly.
func (c *LockContext) DisableChildren() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.childrenDisabled = true
}

func (c *LockContext) ancestors() []*LockContext {
	var out []*LockContext
	for p := c.parent; p != nil; p = p.parent {
		out = append(out, p)
	}
	return out
}

// Path returns the root-to-c chain of contexts, root first.
func (c *LockContext) Path() []*LockContext {
	anc := c.ancestors()
	out := make([]*LockContext, 0, len(anc)+1)
	for i := len(anc) - 1; i >= 0; i-- {
		out = append(out, anc[i])
	}
	out = append(out, c)
	return out
}

func (c *LockContext) bumpDescendants(txn Transactor, delta int) {
	for _, anc := range c.ancestors() {
		anc.mu.Lock()
		anc.numDescendants[txn.TransNum()] += delta
		if anc.numDescendants[txn.TransNum()] == 0 {
			delete(anc.numDescendants, txn.TransNum())
		}
		anc.mu.Unlock()
	}
}

// ExplicitLockType returns the grant T holds on this exact resource, else
// NL.
func (c *LockContext) ExplicitLockType(txn Transactor) LockType {
	return c.manager.GetLockType(txn, c.name)
}

// EffectiveLockType walks ancestors: if any ancestor holds S, X or SIX, the
// effective lock here is S (for an SIX ancestor), S, or X respectively —
// intent-only ancestors confer nothing beyond permitting the explicit
// lock here.
func (c *LockContext) EffectiveLockType(txn Transactor) LockType {
	explicit := c.ExplicitLockType(txn)
	if explicit == S || explicit == X || explicit == SIX {
		return explicit
	}
	best := explicit
	for _, anc := range c.ancestors() {
		switch anc.ExplicitLockType(txn) {
		case X:
			return X
		case S, SIX:
			best = S
		}
	}
	return best
}

// Acquire grants T lockType on this context, enforcing the hierarchy rule
// that the parent's effective lock must permit it.
func (c *LockContext) Acquire(txn Transactor, lockType LockType) error {
	if c.readonly {
		return ErrUnsupportedOperation
	}
	if lockType == NL {
		return ErrInvalidLock
	}
	if c.parent != nil {
		parentEffective := c.parent.EffectiveLockType(txn)
		if !ParentPermitsChild(parentEffective, lockType) {
			return ErrInvalidLock
		}
	}
	if err := c.manager.Acquire(txn, c.name, lockType); err != nil {
		return err
	}
	c.bumpDescendants(txn, 1)
	return nil
}

// descendantsHoldingSorX reports whether T holds an S or X grant on any
// strict descendant of c. Release refuses while this is true; descendants
// holding only intent locks do not block a release.
func (c *LockContext) descendantsHoldingSorX(txn Transactor) bool {
	held := c.manager.LocksOf(txn)
	for _, name := range c.descendantResourcesHeld(txn) {
		if lt := held[name.String()]; lt == S || lt == X {
			return true
		}
	}
	return false
}

// Release releases T's lock on this context.
func (c *LockContext) Release(txn Transactor) error {
	if c.ExplicitLockType(txn) == NL {
		return ErrNoLockHeld
	}
	if c.descendantsHoldingSorX(txn) {
		return ErrInvalidLock
	}
	if err := c.manager.Release(txn, c.name); err != nil {
		return err
	}
	c.bumpDescendants(txn, -1)
	return nil
}

// descendantResourcesHeld returns the resource names of every descendant
// of c (at any depth) that T holds a lock on, found by walking T's lock
// list and filtering for descendants of c.
func (c *LockContext) descendantResourcesHeld(txn Transactor) []ResourceName {
	var out []ResourceName
	held := c.manager.LocksOf(txn)
	prefix := c.name.String() + "/"
	for key := range held {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, keyToResourceName(key))
		}
	}
	return out
}

func keyToResourceName(key string) ResourceName {
	var segs ResourceName
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == '/' {
			segs = append(segs, key[start:i])
			start = i + 1
		}
	}
	return segs
}

// hasSIXAncestor reports whether T holds SIX on any ancestor of c.
func (c *LockContext) hasSIXAncestor(txn Transactor) bool {
	for _, anc := range c.ancestors() {
		if anc.ExplicitLockType(txn) == SIX {
			return true
		}
	}
	return false
}

// Promote upgrades T's explicit lock on c to new_.
func (c *LockContext) Promote(txn Transactor, new_ LockType) error {
	cur := c.ExplicitLockType(txn)
	if cur == NL {
		return ErrNoLockHeld
	}
	if !Substitutable(new_, cur) {
		return ErrInvalidLock
	}
	if new_ == SIX && c.hasSIXAncestor(txn) {
		return ErrInvalidLock
	}

	if new_ == SIX && (cur == IS || cur == IX || cur == S) {
		// Promoting to SIX must atomically release every S/IS lock held
		// on strict descendants, since SIX already implies them.
		var releaseSet []ResourceName
		held := c.manager.LocksOf(txn)
		for _, name := range c.descendantResourcesHeld(txn) {
			if lt := held[name.String()]; lt == S || lt == IS {
				releaseSet = append(releaseSet, name)
			}
		}
		releaseSet = append(releaseSet, c.name)
		if err := c.manager.AcquireAndRelease(txn, c.name, new_, releaseSet); err != nil {
			return err
		}
		for _, name := range releaseSet {
			if name.Equal(c.name) {
				continue
			}
			descCtx := c.descendantContext(name)
			if descCtx != nil {
				descCtx.bumpDescendants(txn, -1)
			}
		}
		return nil
	}

	return c.manager.Promote(txn, c.name, new_)
}

// descendantContext looks up a descendant context by its full resource
// name, walking down from c. Returns nil if no such context has been
// materialized (e.g. a leaf resource with no LockContext of its own).
func (c *LockContext) descendantContext(name ResourceName) *LockContext {
	if len(name) <= len(c.name) {
		return nil
	}
	cur := c
	for i := len(c.name); i < len(name); i++ {
		c.mu.Lock()
		next, ok := cur.children[name[i]]
		c.mu.Unlock()
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// Escalate replaces every descendant lock of T reachable through c, plus
// c's own lock, with a single S or X grant at c: X if any of them is
// IX/X/SIX, else S. No-op if the current effective lock is already S or X
// with no descendant locks.
func (c *LockContext) Escalate(txn Transactor) error {
	explicit := c.ExplicitLockType(txn)
	descendants := c.descendantResourcesHeld(txn)
	if len(descendants) == 0 && (explicit == S || explicit == X) {
		return nil
	}

	newType := S
	if explicit == IX || explicit == X || explicit == SIX {
		newType = X
	}
	held := c.manager.LocksOf(txn)
	for _, name := range descendants {
		if held[name.String()] == IX || held[name.String()] == X || held[name.String()] == SIX {
			newType = X
		}
	}

	releaseSet := append([]ResourceName{c.name}, descendants...)
	if err := c.manager.AcquireAndRelease(txn, c.name, newType, releaseSet); err != nil {
		return err
	}
	for _, name := range descendants {
		descCtx := c.descendantContext(name)
		if descCtx != nil {
			descCtx.bumpDescendants(txn, -1)
		}
	}
	return nil
}
