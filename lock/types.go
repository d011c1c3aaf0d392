// Package lock implements the hierarchical, multigranularity lock manager:
// a flat LockManager owning per-resource grant lists and FIFO wait queues,
// and a tree of LockContext nodes layered above it that enforces
// parent-permits-child rules for multigranularity locking.
//
// Grounded on github.com/Johniel/gorelly's transaction/lock.go (single
// process-wide mutex, per-resource entry, FIFO wait queue, condvar-based
// blocking) generalized from that teacher's flat two-state (S/X) model to
// the six-state {NL,IS,IX,S,SIX,X} algebra below. The teacher's wait-for
// graph deadlock detector is deliberately not carried forward — deadlocks
// are the caller's responsibility here.
package lock

import "errors"

// LockType is one of the six multigranularity lock modes.
type LockType int

const (
	NL LockType = iota
	IS
	IX
	S
	SIX
	X
)

func (t LockType) String() string {
	switch t {
	case NL:
		return "NL"
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "INVALID"
	}
}

// compatibility[a][b] reports whether a transaction holding a may coexist
// with another transaction holding b on the same resource.
var compatibility = [6][6]bool{
	NL:  {NL: true, IS: true, IX: true, S: true, SIX: true, X: true},
	IS:  {NL: true, IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {NL: true, IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {NL: true, IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {NL: true, IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {NL: true, IS: false, IX: false, S: false, SIX: false, X: false},
}

// Compatible reports whether a and b may be held simultaneously by distinct
// transactions on the same resource. Symmetric by construction.
func Compatible(a, b LockType) bool {
	return compatibility[a][b]
}

// parentPermits[child] is the set of parent lock types that permit a child
// lock of that type on a descendant resource.
var parentPermits = map[LockType]map[LockType]bool{
	NL:  {NL: true, IS: true, IX: true, S: true, SIX: true, X: true},
	IS:  {IS: true, IX: true, S: true},
	S:   {IS: true, IX: true, S: true},
	IX:  {IX: true, SIX: true},
	X:   {IX: true, SIX: true},
	SIX: {IX: true},
}

// ParentPermitsChild reports whether a context whose held lock is parent
// may have a descendant context hold child.
func ParentPermitsChild(parent, child LockType) bool {
	if child == NL {
		return true
	}
	allowed, ok := parentPermits[child]
	if !ok {
		return false
	}
	return allowed[parent]
}

// substitutes[a] is the set of lock types a may stand in for (a "covers"
// everything in its set — used to validate promotions).
var substitutes = map[LockType]map[LockType]bool{
	NL:  {NL: true},
	IS:  {IS: true},
	IX:  {IX: true, IS: true},
	S:   {S: true, IS: true},
	SIX: {SIX: true, S: true, IX: true, IS: true},
	X:   {X: true, SIX: true, S: true, IX: true, IS: true},
}

// Substitutable reports whether new_ covers the capabilities of old —
// i.e. whether promoting old to new_ is sound.
func Substitutable(new_, old LockType) bool {
	set, ok := substitutes[new_]
	if !ok {
		return new_ == old
	}
	return set[old]
}

// ResourceName is an ordered path of segments from the database root, e.g.
// {"database", "table42", "page7"}. Equality is by value.
type ResourceName []string

// Child returns the resource name one level below r, naming segment.
func (r ResourceName) Child(segment string) ResourceName {
	out := make(ResourceName, len(r)+1)
	copy(out, r)
	out[len(r)] = segment
	return out
}

// Parent returns r's parent name and true, or (nil, false) at the root.
func (r ResourceName) Parent() (ResourceName, bool) {
	if len(r) == 0 {
		return nil, false
	}
	return r[:len(r)-1], true
}

func (r ResourceName) Equal(other ResourceName) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

func (r ResourceName) String() string {
	s := ""
	for i, seg := range r {
		if i > 0 {
			s += "/"
		}
		s += seg
	}
	return s
}

// User-visible failure kinds (spec §7). All are checked before any
// mutation; partial effects are never observed.
var (
	ErrDuplicateLockRequest = errors.New("lock: duplicate lock request")
	ErrNoLockHeld           = errors.New("lock: no lock held")
	ErrInvalidLock          = errors.New("lock: invalid lock request")
	ErrUnsupportedOperation = errors.New("lock: unsupported operation on readonly context")
)
