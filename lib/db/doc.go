// Package db implements the transactional in-memory object store.
//
// Objects are typed records of fields described by a published schema. Every
// object is identified by an invid (type id + instance number) and lives in
// the Table of its type. Committed records are immutable; all changes go
// through a Transaction.
//
// Key Components:
//
//   - Store: Holds the committed tables, the namespace registry that keeps
//     namespace bound values unique, the checkout claims and the reverse index
//     of asymmetric invid links. A store is created for a published schema
//     with NewStore and can be seeded with Bootstrap or replayed from a
//     journal with Apply.
//
//   - Transaction: Opened with Store.Begin. Objects are checked out
//     exclusively (Checkout) or created (Create). Each checkout yields an
//     EditRecord, a schema-complete deep copy of the committed record. A
//     second transaction trying to check out the same object fails fast with
//     RetCLocked and learns who holds it.
//
//   - EditRecord: Public mutators (SetValue, AddElement, DeleteElement, ...)
//     validate the value, ask the transaction's Gate for permission, run the
//     type's ObjectHook and keep namespace claims and links consistent. Every
//     mutator is atomic. Symmetric links are maintained on both ends,
//     asymmetric links are recorded in the reverse index so removal can clear
//     them.
//
//   - Checkpoints: Checkpoint(key) pushes a frame on the transaction's stack,
//     Rollback(key) restores fields, statuses, namespace claims and links
//     exactly as they were and drops objects checked out since, and
//     PopCheckpoint(key) keeps the changes.
//
//   - Commit: Phase 1 locks every EditRecord against further edits and runs
//     consistency checks. Objects that were already inconsistent before the
//     transaction touched them do not block the commit. Then namespace claims
//     are verified against transactions that committed first, the changeset is
//     handed to the Persister and the audit log, and the new records replace
//     the old ones table by table. Phase 2 runs the hooks' side effects.
//
// Errors:
//
// Recoverable failures are returned as *Error carrying a RetCode. Violations
// of the edit lifecycle (editing an object after commit phase 1, popping a
// checkpoint out of order) are raised as *Fault panics; callers recover them
// with AsFault and abort the transaction.
//
// Concurrency:
//
// A Store is safe for concurrent use. A Transaction and its EditRecords are
// driven by one goroutine at a time. Readers that need a consistent view of a
// single table use Table.Snapshot; scans over several tables hold each
// table's RLock, which commits take exclusively while integrating.
package db
