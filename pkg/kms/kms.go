package kms

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider wraps and unwraps small blobs (unseal shares, key-wrapping keys)
// with an external key management service. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Wrap encrypts plaintext under the provider's key
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	// Unwrap decrypts a blob produced by Wrap
	Unwrap(ctx context.Context, ciphertext []byte) ([]byte, error)
	// Tag returns the provider's registration tag
	Tag() string
}

// Options carries provider construction parameters from configuration
type Options struct {
	KeyID  string
	Region string
	// StaticKey is the ENCRYPTION_KEY material used by the static provider
	StaticKey string
}

// Factory builds a Provider from options
type Factory func(ctx context.Context, opts Options) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register installs a provider factory under its tag. Called from init in
// provider files; duplicate tags panic at startup.
func Register(tag string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[tag]; exists {
		panic(fmt.Sprintf("kms provider %q registered twice", tag))
	}
	registry[tag] = factory
}

// New builds the provider registered under tag
func New(ctx context.Context, tag string, opts Options) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[tag]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kms provider %q (available: %v)", tag, Providers())
	}
	return factory(ctx, opts)
}

// Providers lists registered provider tags
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	tags := make([]string, 0, len(registry))
	for tag := range registry {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
