// Package audit maintains the tamper-evident event chain.
//
// Every security-relevant action produces one event in a single global
// sequence. Entry N carries the SHA-256 of its own canonical serialization,
// the hash of entry N-1 (the literal string GENESIS for the first entry),
// and an HMAC signature binding the event ID to its chain position. An
// attacker who can rewrite the table but does not hold the HMAC key cannot
// forge a consistent chain; one who deletes or reorders rows breaks the
// sequence or hash links, which VerifyChain reports with the first bad
// sequence number.
//
// Writes funnel through a single goroutine per process, so sequence
// assignment and hash linking never race. Write failures propagate to the
// caller; events are not dropped silently. The only exception is the
// explicit no-op mode used by boot-time test paths, which is rejected by
// configuration validation in production.
//
// Search applies the usual filters newest-first; Export produces the fixed
// ten-column CSV consumed by external collectors.
package audit
