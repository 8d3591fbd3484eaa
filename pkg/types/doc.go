/*
Package types defines the core data structures shared across SecretHub.

These types represent the domain model: vault seal configuration, cluster
nodes, secrets and their immutable version chain, access policies, the
tamper-evident audit log, leases, and rotation history. Struct tags cover
both database mapping (sqlx) and the JSON wire format served by pkg/api.

The package also declares the error taxonomy the core propagates: sentinel
errors (ErrSealed, ErrNotInitialized, ErrLockTimeout, ...) matched with
errors.Is, and PolicyDeniedError which carries a denial reason.

Invariants encoded here but enforced elsewhere:

  - Secret.Ciphertext is never nil for static secrets; plaintext never
    appears in any type in this package.
  - SecretVersion rows are immutable and version numbers never reused.
  - AuditEvent rows chain by hash and sequence; see pkg/audit for the
    canonical serialization and verification rules.
  - VaultConfig exists exactly when the cluster is initialized.
*/
package types
