package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/secrethub/secrethub/pkg/types"
)

const (
	// KeySize is the symmetric key size in bytes (AES-256)
	KeySize = 32

	// blobVersion1 identifies the AES-256-GCM blob layout:
	// 1-byte version, 12-byte nonce, ciphertext with 16-byte GCM tag
	blobVersion1 byte = 0x01

	nonceSize = 12
)

// GenerateKey returns a fresh 256-bit key from the OS CSPRNG
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under key and returns a
// self-describing blob: version byte, random 96-bit nonce, ciphertext+tag.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+nonceSize+len(plaintext)+gcm.Overhead())
	blob = append(blob, blobVersion1)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. A tag mismatch or any structural
// problem returns ErrAEADFailure; the error never includes key material.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("decryption key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(blob) < 1+nonceSize {
		return nil, fmt.Errorf("blob too short: %w", types.ErrAEADFailure)
	}
	if blob[0] != blobVersion1 {
		return nil, fmt.Errorf("unsupported blob version %d: %w", blob[0], types.ErrAEADFailure)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := blob[1 : 1+nonceSize]
	plaintext, err := gcm.Open(nil, nonce, blob[1+nonceSize:], nil)
	if err != nil {
		return nil, types.ErrAEADFailure
	}
	return plaintext, nil
}

// HMACSign computes HMAC-SHA-256 of msg under key
func HMACSign(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// HMACVerify checks sig against HMAC-SHA-256 of msg in constant time
func HMACVerify(key, msg, sig []byte) bool {
	return hmac.Equal(HMACSign(key, msg), sig)
}

// Zeroize overwrites b with zeros. Used on every exit path that drops key
// material so plaintext keys never linger in memory.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
