package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core. Callers match with errors.Is; wrapping with
// fmt.Errorf("...: %w", err) preserves the kind across layers.
var (
	// ErrSealed is returned when an operation needs the master key while the
	// vault is sealed. No key-dependent operation succeeds before unsealing.
	ErrSealed = errors.New("vault is sealed")

	// ErrNotInitialized is returned for master-key operations before init
	ErrNotInitialized = errors.New("vault is not initialized")

	// ErrAlreadyInitialized is returned when initialize is attempted twice.
	// The cluster coordinator treats this as informational, not a failure.
	ErrAlreadyInitialized = errors.New("vault is already initialized")

	// ErrInsufficientShares is returned while the unseal threshold is not yet
	// met; more shares may be submitted.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInvalidShare is returned when a share fails structural checks.
	// The pending share set is preserved.
	ErrInvalidShare = errors.New("invalid share")

	// ErrReconstructionFailed indicates combine of an admissible share set
	// produced a bad result; an accepted share is corrupt.
	ErrReconstructionFailed = errors.New("master key reconstruction failed")

	// ErrLockTimeout is returned when a distributed lock was not acquired in
	// time. Retryable with backoff.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockNotHeld is returned when releasing a lock that was already lost
	ErrLockNotHeld = errors.New("lock not held")

	// ErrNotFound is returned for lookups of secrets, policies, nodes or
	// leases that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrAEADFailure indicates an authentication tag mismatch on decrypt.
	// Treated as a data-integrity incident; never retried.
	ErrAEADFailure = errors.New("aead decryption failed")

	// ErrAuditWriteFailure means an audit append failed. The triggering
	// business operation must fail with it; it is never swallowed.
	ErrAuditWriteFailure = errors.New("audit write failed")

	// ErrSequenceConflict means a cluster peer claimed the audit sequence
	// number first. Internal to the audit writer, which re-reads the chain
	// head and retries; it never crosses the API boundary.
	ErrSequenceConflict = errors.New("audit sequence conflict")
)

// PolicyDeniedError carries the denial reason from the policy evaluator.
// A denial is a return value to the evaluator but an error to the caller
// asking for a secret.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

// IsPolicyDenied reports whether err is a policy denial and returns the reason
func IsPolicyDenied(err error) (string, bool) {
	var pd *PolicyDeniedError
	if errors.As(err, &pd) {
		return pd.Reason, true
	}
	return "", false
}
