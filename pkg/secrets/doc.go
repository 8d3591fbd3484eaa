// Package secrets implements the secret lifecycle: encrypted storage,
// immutable versioning, policy-gated reads, and rollback.
//
// Plaintext exists only transiently inside this package. Every encrypt and
// decrypt fetches a fresh copy of the master key from the seal service and
// zeroes it immediately after; ciphertext rows are self-describing AEAD
// blobs, so key or format changes are detectable per row.
//
// Mutations are archive-then-update: the current row is snapshotted into
// secret_versions before the live row changes, in one transaction. Rollback
// never rewinds; it appends a new version carrying the target version's
// data, so version numbers are strictly increasing for the life of a
// secret.
//
// ReadForEntity is the policy-gated entry point the API uses. Both grants
// and denials append an audit event, and an audit write failure fails the
// read itself. ReadDecrypted skips policy and exists for callers that have
// already authorized the access.
package secrets
