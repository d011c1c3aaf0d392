package lock

// EnsureSufficient makes the least-permissive change so T may perform need
// (S, X, or NL) at ctx, acquiring/promoting/escalating intent and real
// locks along the root-to-ctx path (spec §4.3). Acquires parent intents
// before child grants so no intermediate state is illegal.
func EnsureSufficient(txn Transactor, ctx *LockContext, need LockType) error {
	if need == NL {
		return nil
	}
	if Substitutable(ctx.EffectiveLockType(txn), need) {
		return nil
	}

	path := ctx.Path()
	ancestors := path[:len(path)-1]

	switch need {
	case S:
		for _, anc := range ancestors {
			cur := anc.ExplicitLockType(txn)
			switch cur {
			case NL:
				if err := anc.Acquire(txn, IS); err != nil {
					return err
				}
			case IX:
				if pathHasS(path, txn) {
					if err := anc.Promote(txn, SIX); err != nil {
						return err
					}
				}
			}
		}
		switch ctx.ExplicitLockType(txn) {
		case NL:
			return ctx.Acquire(txn, S)
		case IX:
			return ctx.Promote(txn, SIX)
		default:
			return ctx.Escalate(txn)
		}

	case X:
		for _, anc := range ancestors {
			cur := anc.ExplicitLockType(txn)
			switch cur {
			case NL:
				if err := anc.Acquire(txn, IX); err != nil {
					return err
				}
			case IS:
				if err := anc.Promote(txn, IX); err != nil {
					return err
				}
			case S:
				if err := anc.Promote(txn, SIX); err != nil {
					return err
				}
			}
		}
		switch ctx.ExplicitLockType(txn) {
		case NL:
			return ctx.Acquire(txn, X)
		case S:
			return ctx.Promote(txn, X)
		default:
			return ctx.Escalate(txn)
		}
	}

	return ErrInvalidLock
}

// pathHasS reports whether T holds an explicit S lock anywhere on path.
func pathHasS(path []*LockContext, txn Transactor) bool {
	for _, c := range path {
		if c.ExplicitLockType(txn) == S {
			return true
		}
	}
	return false
}
