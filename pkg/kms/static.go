package kms

import (
	"context"
	"fmt"

	"github.com/secrethub/secrethub/pkg/crypto"
)

// staticProvider derives a local wrapping key from ENCRYPTION_KEY. Intended
// for development and air-gapped clusters where no external KMS exists; the
// operator owns the passphrase lifecycle.
type staticProvider struct {
	key []byte
}

// staticSalt is fixed so the derived key is stable across restarts. The
// passphrase itself is the secret input.
var staticSalt = []byte("secrethub-static-kms-v1")

func init() {
	Register("static", newStaticProvider)
}

func newStaticProvider(_ context.Context, opts Options) (Provider, error) {
	if opts.StaticKey == "" {
		return nil, fmt.Errorf("static kms provider requires ENCRYPTION_KEY")
	}
	key, err := crypto.KeyFromPassphrase(opts.StaticKey, staticSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive static wrapping key: %w", err)
	}
	return &staticProvider{key: key}, nil
}

func (p *staticProvider) Tag() string { return "static" }

func (p *staticProvider) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	return crypto.Encrypt(p.key, plaintext)
}

func (p *staticProvider) Unwrap(_ context.Context, ciphertext []byte) ([]byte, error) {
	return crypto.Decrypt(p.key, ciphertext)
}
