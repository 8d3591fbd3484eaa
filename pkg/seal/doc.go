// Package seal implements the per-node master-key lifecycle.
//
// The master key protecting all secret ciphertext exists only in memory and
// only while the node is unsealed. The package models this as a small state
// machine with three states:
//
//	uninitialized -> sealed      (Initialize)
//	sealed        -> unsealed    (threshold shares collected, combine succeeds)
//	unsealed      -> sealed      (Seal, auto-seal timer, shutdown)
//
// All transitions run on a single goroutine owned by the Service, so they
// are totally ordered without external locking. Exported methods post
// commands to that goroutine and wait for the reply; GetMasterKey completes
// in-memory and performs no I/O.
//
// Initialization splits the freshly generated master key into shares with a
// threshold scheme and persists only a wrapped copy plus an HMAC-derived
// verifier. The key-wrapping key is discarded, so the wrapped copy alone
// cannot restore the key; unsealing always reconstructs it from shares, and
// the verifier detects a reconstruction that produced the wrong key.
//
// Auto-seal uses a monotonic timer rearmed on every master-key access. When
// it expires the key buffer is zeroed, as it is on every other exit from the
// unsealed state.
//
// Auto-unseal (autounseal.go) stores each share independently wrapped by an
// external KMS and replays them through the state machine at startup.
package seal
