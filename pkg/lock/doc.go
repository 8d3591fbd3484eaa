/*
Package lock provides named cluster-wide mutexes on Postgres advisory locks.

Every core node cooperates through the same database, so an advisory lock
taken there is visible to and binding on all of them. Lock names come from
a fixed table (init, unseal, master_key_rotation, backup, auto_unseal,
leader) plus a reserved custom integer range; names resolve to stable
64-bit advisory keys.

Two modes:

  - Session locks (Acquire/Release) pin a dedicated connection and live
    until explicitly released or the session dies. Leader election uses
    this mode: a crashed leader's lock releases with its connection, and
    Held lets the incumbent notice it lost the lock and demote itself.
  - Transactional locks (AcquireTx) release automatically at the end of
    the surrounding transaction, for short atomic critical sections.

Acquire busy-waits with a 100ms probe up to the caller's timeout, returning
types.ErrLockTimeout when the lock stays busy. WithLock wraps a function in
acquire/release and releases on every exit path, panics included. Locked
and List are advisory observations for telemetry and debugging; their
answers can be stale by the time callers act on them.
*/
package lock
