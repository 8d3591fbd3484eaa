package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations follows current OWASP guidance for SHA-256
	pbkdf2Iterations = 600000
)

// DeriveKey expands secret into length bytes of key material with
// HKDF-SHA-256. salt may be nil; info binds the derived key to a purpose
// (e.g. "secrethub/kwk/v1") so the same secret never yields the same key
// for two uses.
func DeriveKey(secret, salt []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, length)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return key, nil
}

// KeyFromPassphrase derives a 256-bit key from an operator passphrase with
// PBKDF2-SHA-256. Used only for the static auto-unseal provider where the
// KWK comes from ENCRYPTION_KEY rather than an external KMS.
func KeyFromPassphrase(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New)
	return key, nil
}
