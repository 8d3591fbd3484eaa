/*
Package crypto provides the cryptographic primitives for SecretHub.

The package covers four concerns:

  - AEAD encryption (AES-256-GCM) producing self-describing blobs with a
    version byte, a random 96-bit nonce, and the ciphertext plus tag. The
    version byte keeps the format forward-compatible.
  - Key derivation: HKDF-SHA-256 for deriving purpose-bound keys from a
    root secret, and PBKDF2-SHA-256 for operator passphrases.
  - HMAC-SHA-256 signing and constant-time verification, used by the audit
    chain.
  - Threshold secret sharing over the prime field GF(2^521 - 1): Split
    produces n shares of which any t reconstruct the secret via Lagrange
    interpolation at zero, while t-1 shares reveal nothing. Each share
    carries a stable ID (its x coordinate) so the unseal flow can
    deduplicate resubmitted shares.

# Blob Format

	byte 0        version (0x01 = AES-256-GCM)
	bytes 1..12   nonce
	bytes 13..    ciphertext || 16-byte GCM tag

# Security

No function in this package logs key material or intermediate state, and
error strings never embed keys or plaintext. Zeroize overwrites key buffers
on the caller's exit paths. Decryption failures collapse to ErrAEADFailure
so attackers learn nothing about why the tag check failed.
*/
package crypto
