package lockmgr

import "fmt"

// Owner identifies the holder of a claim.
type Owner struct {
	// ID is unique per holder, e.g. a transaction id.
	ID uint64
	// Name is a human readable description of the holder, reported to
	// requesters that fail to acquire a claim.
	Name string
}

func (o Owner) String() string {
	return fmt.Sprintf("%s (txn %d)", o.Name, o.ID)
}

// ILockManager defines the interface for a claim table.
type ILockManager interface {
	// AcquireLock claims the given key for owner without blocking.
	// Returns whether the claim was acquired and, if not, the current holder.
	AcquireLock(key string, owner Owner) (ok bool, holder Owner, err error)

	// ReleaseLock releases the claim for the given key.
	// Returns whether the claim was released. Releasing a claim that does not
	// exist returns true, releasing a claim held by another owner returns false.
	ReleaseLock(key string, owner Owner) (ok bool, err error)

	// Holder returns the current owner of key, if any.
	Holder(key string) (Owner, bool)

	// Len returns the number of active claims.
	Len() int
}
