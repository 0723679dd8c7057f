package lockmgr

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v3"
)

var ErrInvalidOwner = errors.New("claim owner must have a non-zero id")

type lockMgrImpl struct {
	claims *xsync.MapOf[string, Owner]
}

func NewLockManager() ILockManager {
	return &lockMgrImpl{
		claims: xsync.NewMapOf[string, Owner](),
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, owner Owner) (bool, Owner, error) {
	if owner.ID == 0 {
		return false, Owner{}, ErrInvalidOwner
	}

	// Try to acquire the claim (store only if absent - atomic operation)
	actual, _ := lm.claims.LoadOrStore(key, owner)

	// Return true if the claim is held BY US
	if actual.ID == owner.ID {
		return true, Owner{}, nil
	}
	// Return false and the holder if it is held BY SOMEONE ELSE
	return false, actual, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, owner Owner) (bool, error) {
	released := true
	lm.claims.Compute(key, func(current Owner, loaded bool) (Owner, bool) {
		if !loaded {
			// nothing to release, do not create the key
			return current, true
		}
		if current.ID != owner.ID {
			released = false
			return current, false
		}
		return current, true
	})
	return released, nil
}

func (lm *lockMgrImpl) Holder(key string) (Owner, bool) {
	return lm.claims.Load(key)
}

func (lm *lockMgrImpl) Len() int {
	return lm.claims.Size()
}
