/*
Package storage provides durable cluster state on PostgreSQL.

The Store interface groups operations by entity: vault config, cluster
nodes, node health history, auto-unseal config, bootstrap tokens, secrets
and their version chain, policies with entity bindings, the append-only
audit chain, leases, and rotation history. PostgresStore implements it on
sqlx with the pgx driver; schema migrations are embedded goose SQL files
applied by Migrate (also exposed through cmd/secrethub-migrate).

# Contracts the core relies on

  - Atomic multi-row writes: UpdateSecretWithArchive inserts the archived
    version and updates the live secret in one transaction, so a failed
    archive never loses history.
  - Row locks: ConsumeBootstrapToken reads the token FOR UPDATE, making
    one-time consumption safe under concurrent node admission.
  - Unique constraints: secret path, policy name, audit sequence number and
    node ID are unique at the schema level; violations surface as typed
    errors (ErrAlreadyInitialized for the vault-config singleton).
  - Append-only tables: audit_events and vault_config are never updated in
    place. Audit rows are only inserted; vault_config is deleted only on
    re-initialization.

# Error mapping

sql.ErrNoRows becomes types.ErrNotFound. Unique violations on vault_config
become types.ErrAlreadyInitialized. Every audit append failure wraps
types.ErrAuditWriteFailure so callers can refuse the triggering operation.

The advisory-lock primitive lives in pkg/lock and shares this package's
connection pool via PostgresStore.DB().
*/
package storage
