package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersRegistered(t *testing.T) {
	assert.Contains(t, Providers(), "aws")
	assert.Contains(t, Providers(), "static")
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), "gcp", Options{})
	assert.ErrorContains(t, err, "unknown kms provider")
}

func TestStaticProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, "static", Options{StaticKey: "operator-passphrase"})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Tag())

	plaintext := []byte("unseal-share-material")
	wrapped, err := p.Wrap(ctx, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, wrapped)

	got, err := p.Unwrap(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestStaticProviderKeyIsolation(t *testing.T) {
	ctx := context.Background()
	p1, err := New(ctx, "static", Options{StaticKey: "passphrase-one"})
	require.NoError(t, err)
	p2, err := New(ctx, "static", Options{StaticKey: "passphrase-two"})
	require.NoError(t, err)

	wrapped, err := p1.Wrap(ctx, []byte("share"))
	require.NoError(t, err)

	_, err = p2.Unwrap(ctx, wrapped)
	assert.Error(t, err)
}

func TestStaticProviderRequiresKey(t *testing.T) {
	_, err := New(context.Background(), "static", Options{})
	assert.ErrorContains(t, err, "ENCRYPTION_KEY")
}
