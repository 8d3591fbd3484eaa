// Package lease owns dynamic-credential lifecycles and secret rotation.
//
// A lease is a time-bounded reservation of credentials issued by an
// engine-specific connector outside this module. The core stores only the
// opaque ciphertext, expiry and revocation state; the Manager's background
// reaper revokes leases whose expiry has passed and invokes an optional
// connector hook for external teardown.
//
// Rotation engines implement the Rotator capability set and register
// themselves by type tag, mirroring the kms provider registry. The Runner
// orchestrates a run: it records a history row before the engine is
// invoked, stores the new material through the secrets manager (which
// archives the pre-rotation version transactionally), and finalizes the
// row with status and duration. Rollback restores the pre-rotation version
// as a new forward version so version numbers stay monotonic.
package lease
