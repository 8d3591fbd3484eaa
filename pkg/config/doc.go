/*
Package config loads and validates SecretHub's runtime configuration.

Precedence is defaults, then an optional YAML file, then environment
variables, so deployments override checked-in files with env. The core's
environment surface: DATABASE_URL, AUDIT_HMAC_KEY, ENCRYPTION_KEY,
AUTO_UNSEAL_ENABLED, KMS_PROVIDER, KMS_KEY_ID, KMS_REGION, plus
SECRETHUB_* serving knobs and REDIS_* for the optional policy cache.

Secrets (AUDIT_HMAC_KEY, ENCRYPTION_KEY, REDIS_PASSWORD) are env-only and
never serialized back to YAML. Validate refuses insecure production setups:
the development audit HMAC key and the audit no-op escape hatch are both
rejected when production mode is set.
*/
package config
