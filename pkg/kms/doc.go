/*
Package kms abstracts the external key services used for auto-unseal.

A Provider wraps and unwraps small blobs: the per-share ciphertexts stored
in the auto-unseal configuration. Providers register a factory under a tag
in init; configuration selects one by KMS_PROVIDER.

Built-in providers:

  - "aws": AWS KMS via aws-sdk-go-v2, keyed by KMS_KEY_ID / KMS_REGION,
    credentials from the standard AWS chain.
  - "static": a local AES-256-GCM key derived from ENCRYPTION_KEY with
    PBKDF2, for development and air-gapped clusters.
*/
package kms
