package lock

import (
	"fmt"
	"sync"
)

// TransNum is the stable numeric identity of a transaction, as seen by the
// lock manager.
type TransNum uint64

// Transactor is the collaborator contract a transaction must satisfy to
// take part in locking (spec §6 "Transaction"): a stable identity and the
// two-phase prepare_block/block/unblock suspension primitive.
type Transactor interface {
	TransNum() TransNum
	PrepareBlock()
	Block()
	Unblock()
}

// request is a pending or granted (transaction, lock) pair in a resource's
// FIFO queue. ReleaseSet, when non-empty, names other resources to release
// once this request is granted (acquire-and-release).
type request struct {
	txn        Transactor
	lockType   LockType
	releaseSet []ResourceName
}

// grant is a concrete lock held on a resource by a transaction.
type grant struct {
	txn      Transactor
	lockType LockType
}

// resourceEntry is the per-resource state: an insertion-ordered grant list
// and a FIFO wait queue.
type resourceEntry struct {
	name   ResourceName
	grants []grant
	queue  []*request
}

func (e *resourceEntry) grantOf(txn Transactor) (LockType, bool) {
	for _, g := range e.grants {
		if g.txn.TransNum() == txn.TransNum() {
			return g.lockType, true
		}
	}
	return NL, false
}

func (e *resourceEntry) removeGrant(txn Transactor) {
	for i, g := range e.grants {
		if g.txn.TransNum() == txn.TransNum() {
			e.grants = append(e.grants[:i], e.grants[i+1:]...)
			return
		}
	}
}

// compatibleWithGrants reports whether lockType may be held alongside every
// existing grant on e, ignoring any grant held by ignore (ignore may be nil
// to ignore nothing).
func (e *resourceEntry) compatibleWithGrants(lockType LockType, ignore Transactor) bool {
	for _, g := range e.grants {
		if ignore != nil && g.txn.TransNum() == ignore.TransNum() {
			continue
		}
		if !Compatible(lockType, g.lockType) {
			return false
		}
	}
	return true
}

// compatibleWithQueue reports whether lockType is compatible with every
// request already queued on e — queued requests participate in
// compatibility checks so an incoming request of a compatible type cannot
// jump ahead of queued waiters of a conflicting type.
func (e *resourceEntry) compatibleWithQueue(lockType LockType) bool {
	for _, r := range e.queue {
		if !Compatible(lockType, r.lockType) {
			return false
		}
	}
	return true
}

// LockManager is the flat, resource-keyed lock table (spec §4.1). One
// mutex serializes all state changes; it is never held while blocking —
// blocking uses the two-phase prepare_block/block discipline against the
// requesting transaction's own condition.
type LockManager struct {
	mu        sync.Mutex
	resources map[string]*resourceEntry
	byTxn     map[TransNum]map[string]LockType
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		resources: make(map[string]*resourceEntry),
		byTxn:     make(map[TransNum]map[string]LockType),
	}
}

func (lm *LockManager) entry(r ResourceName) *resourceEntry {
	key := r.String()
	e, ok := lm.resources[key]
	if !ok {
		e = &resourceEntry{name: r}
		lm.resources[key] = e
	}
	return e
}

func (lm *LockManager) record(txn Transactor, r ResourceName, lockType LockType) {
	m, ok := lm.byTxn[txn.TransNum()]
	if !ok {
		m = make(map[string]LockType)
		lm.byTxn[txn.TransNum()] = m
	}
	m[r.String()] = lockType
}

func (lm *LockManager) forget(txn Transactor, r ResourceName) {
	if m, ok := lm.byTxn[txn.TransNum()]; ok {
		delete(m, r.String())
	}
}

// Acquire grants T a lock of lockType on r, blocking until it is safe to do
// so if a conflicting lock is held or queued.
func (lm *LockManager) Acquire(txn Transactor, r ResourceName, lockType LockType) error {
	lm.mu.Lock()
	e := lm.entry(r)
	if _, held := e.grantOf(txn); held {
		lm.mu.Unlock()
		return ErrDuplicateLockRequest
	}

	if e.compatibleWithGrants(lockType, nil) && e.compatibleWithQueue(lockType) {
		e.grants = append(e.grants, grant{txn: txn, lockType: lockType})
		lm.record(txn, r, lockType)
		lm.mu.Unlock()
		return nil
	}

	req := &request{txn: txn, lockType: lockType}
	e.queue = append(e.queue, req)
	txn.PrepareBlock()
	lm.mu.Unlock()
	txn.Block()
	return nil
}

// Release releases T's lock on r and drains r's wait queue.
func (lm *LockManager) Release(txn Transactor, r ResourceName) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e := lm.entry(r)
	if _, held := e.grantOf(txn); !held {
		return ErrNoLockHeld
	}
	e.removeGrant(txn)
	lm.forget(txn, r)
	lm.processQueue(r)
	return nil
}

// Promote upgrades T's lock on r to new_, preserving T's position in r's
// grant list on success, or jumping to the front of r's queue if it must
// wait.
func (lm *LockManager) Promote(txn Transactor, r ResourceName, new_ LockType) error {
	lm.mu.Lock()
	e := lm.entry(r)
	cur, held := e.grantOf(txn)
	if !held {
		lm.mu.Unlock()
		return ErrNoLockHeld
	}
	if cur == new_ {
		lm.mu.Unlock()
		return ErrDuplicateLockRequest
	}
	if !Substitutable(new_, cur) {
		lm.mu.Unlock()
		return ErrInvalidLock
	}

	if e.compatibleWithGrants(new_, txn) {
		for i := range e.grants {
			if e.grants[i].txn.TransNum() == txn.TransNum() {
				e.grants[i].lockType = new_
				break
			}
		}
		lm.record(txn, r, new_)
		lm.mu.Unlock()
		return nil
	}

	req := &request{txn: txn, lockType: new_}
	e.queue = append([]*request{req}, e.queue...)
	txn.PrepareBlock()
	lm.mu.Unlock()
	txn.Block()
	return nil
}

// AcquireAndRelease acquires lockType on r (in place if r is itself one of
// releaseSet, preserving position) and then releases every other resource
// in releaseSet, processing each of their queues.
func (lm *LockManager) AcquireAndRelease(txn Transactor, r ResourceName, lockType LockType, releaseSet []ResourceName) error {
	lm.mu.Lock()
	e := lm.entry(r)
	cur, heldHere := e.grantOf(txn)

	inReleaseSet := false
	for _, name := range releaseSet {
		if name.Equal(r) {
			inReleaseSet = true
		}
		if _, held := lm.entry(name).grantOf(txn); !held {
			lm.mu.Unlock()
			return ErrNoLockHeld
		}
	}
	if heldHere && !inReleaseSet && cur != NL {
		lm.mu.Unlock()
		return ErrDuplicateLockRequest
	}

	if e.compatibleWithGrants(lockType, txn) {
		if heldHere {
			for i := range e.grants {
				if e.grants[i].txn.TransNum() == txn.TransNum() {
					e.grants[i].lockType = lockType
					break
				}
			}
		} else {
			e.grants = append(e.grants, grant{txn: txn, lockType: lockType})
		}
		lm.record(txn, r, lockType)

		for _, name := range releaseSet {
			if name.Equal(r) {
				continue
			}
			other := lm.entry(name)
			other.removeGrant(txn)
			lm.forget(txn, name)
			lm.processQueue(name)
		}
		lm.mu.Unlock()
		return nil
	}

	req := &request{txn: txn, lockType: lockType, releaseSet: releaseSet}
	e.queue = append([]*request{req}, e.queue...)
	txn.PrepareBlock()
	lm.mu.Unlock()
	txn.Block()
	return nil
}

// processQueue walks r's wait queue from the front, granting every
// compatible-in-a-row request and stopping at the first incompatible head
// (deliberate: fairness before throughput, spec §9 open question b).
// Caller must hold lm.mu.
func (lm *LockManager) processQueue(r ResourceName) {
	e := lm.entry(r)
	for len(e.queue) > 0 {
		head := e.queue[0]
		if !e.compatibleWithGrants(head.lockType, head.txn) {
			return
		}

		e.queue = e.queue[1:]
		if _, already := e.grantOf(head.txn); already {
			for i := range e.grants {
				if e.grants[i].txn.TransNum() == head.txn.TransNum() {
					e.grants[i].lockType = head.lockType
					break
				}
			}
		} else {
			e.grants = append(e.grants, grant{txn: head.txn, lockType: head.lockType})
		}
		lm.record(head.txn, r, head.lockType)

		for _, name := range head.releaseSet {
			if name.Equal(r) {
				continue
			}
			other := lm.entry(name)
			other.removeGrant(head.txn)
			lm.forget(head.txn, name)
			lm.processQueue(name)
		}

		head.txn.Unblock()
	}
}

// GetLockType returns T's grant on r, or NL if none.
func (lm *LockManager) GetLockType(txn Transactor, r ResourceName) LockType {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lt, _ := lm.entry(r).grantOf(txn)
	return lt
}

// LocksOf returns every resource T holds a lock on, and its type.
func (lm *LockManager) LocksOf(txn Transactor) map[string]LockType {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	out := make(map[string]LockType, len(lm.byTxn[txn.TransNum()]))
	for k, v := range lm.byTxn[txn.TransNum()] {
		out[k] = v
	}
	return out
}

// LocksOn returns every (transaction, lock) grant currently held on r.
func (lm *LockManager) LocksOn(r ResourceName) []Lock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e := lm.entry(r)
	out := make([]Lock, len(e.grants))
	for i, g := range e.grants {
		out[i] = Lock{Resource: r, Type: g.lockType, TransNum: g.txn.TransNum()}
	}
	return out
}

// Lock is a concrete grant: (resource, type, transaction) — spec §3.
type Lock struct {
	Resource ResourceName
	Type     LockType
	TransNum TransNum
}

func (l Lock) String() string {
	return fmt.Sprintf("%s:%s@%d", l.Resource, l.Type, l.TransNum)
}

// UnlockAll releases every lock T holds, in no particular order, draining
// each resource's queue as it goes. Used on transaction end.
func (lm *LockManager) UnlockAll(txn Transactor) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	names := make([]string, 0, len(lm.byTxn[txn.TransNum()]))
	for k := range lm.byTxn[txn.TransNum()] {
		names = append(names, k)
	}
	for _, key := range names {
		e := lm.resources[key]
		e.removeGrant(txn)
		lm.processQueue(e.name)
	}
	delete(lm.byTxn, txn.TransNum())
}
