// Package lockmgr implements the checkout claim table of the object store.
//
// Every object that is being edited is claimed by exactly one owner (the
// transaction that checked it out). The claim table is a keyed map
// (object key -> owner); ownership and absence of ownership are both
// explicit, there is no back pointer on the committed object.
//
// Core Functionality:
//   - Fail-fast claim acquisition that reports the current holder
//   - Safe release operations that verify ownership
//   - Holder lookup for diagnostics ("already being edited by ...")
//
// Implementation Approach:
//
//	- Lock Acquisition: Attempts to store the owner with LoadOrStore, which
//	  guarantees that only one requester can successfully create the key.
//	  Re-acquiring a key already held by the same owner succeeds.
//
//	- Lock Verification: The value returned by LoadOrStore is compared with
//	  the requesting owner. A different owner means the claim failed and the
//	  holder is returned to the caller.
//
//	- Safe Release: ReleaseLock deletes the key only if it is held by the
//	  requesting owner (compare-and-delete).
//
// Thread Safety:
//
//	All operations are safe for concurrent use. Acquisition never blocks:
//	a claimed key is reported immediately instead of waiting for release.
//
// Usage Example:
//
//	claims := lockmgr.NewLockManager()
//	owner := lockmgr.Owner{ID: 7, Name: "alice"}
//
//	ok, holder, err := claims.AcquireLock("3:42", owner)
//	if err != nil {
//	    // Handle error
//	}
//	if !ok {
//	    fmt.Printf("already being edited by %s\n", holder.Name)
//	}
//
//	released, err := claims.ReleaseLock("3:42", owner)
package lockmgr
