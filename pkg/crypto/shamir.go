package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/secrethub/secrethub/pkg/types"
)

// Threshold sharing over the prime field GF(2^521 - 1). The Mersenne prime
// comfortably holds a 256-bit master key as a field element; any t of n
// shares reconstruct the secret by Lagrange interpolation at zero, and
// fewer than t shares are information-theoretically independent of it.

const (
	shareVersion1 byte = 0x01

	// MaxShares bounds n; x coordinates are 1..n encoded in two bytes
	MaxShares = 256

	fieldBytes = 66 // ceil(521/8), fixed-width y encoding
)

var prime, _ = new(big.Int).SetString(
	"6864797660130609714981900799081393217269435300143305409394463459185543183397656052122559640661454554977296311391480858037121987999716643812574028291115057151", 10)

// Share is one piece of a threshold-split secret. ID is the x coordinate and
// doubles as the stable identifier used to deduplicate shares submitted more
// than once in the same unseal run.
type Share struct {
	ID    int
	Value []byte // y coordinate, fixed-width field element
	// secretLen preserves the byte length of the original secret so combine
	// can restore leading zero bytes.
	secretLen int
}

// Encode renders the share as a compact string for operators:
// base64url(version || id(2) || secret-len(1) || y).
func (s Share) Encode() string {
	buf := make([]byte, 0, 4+len(s.Value))
	buf = append(buf, shareVersion1, byte(s.ID>>8), byte(s.ID), byte(s.secretLen))
	buf = append(buf, s.Value...)
	return base64.URLEncoding.EncodeToString(buf)
}

// DecodeShare parses an operator-supplied share string, validating its
// structure. Malformed input returns ErrInvalidShare.
func DecodeShare(encoded string) (Share, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Share{}, fmt.Errorf("share is not valid base64: %w", types.ErrInvalidShare)
	}
	if len(raw) != 4+fieldBytes {
		return Share{}, fmt.Errorf("share has wrong length %d: %w", len(raw), types.ErrInvalidShare)
	}
	if raw[0] != shareVersion1 {
		return Share{}, fmt.Errorf("unsupported share version %d: %w", raw[0], types.ErrInvalidShare)
	}
	id := int(raw[1])<<8 | int(raw[2])
	if id < 1 || id > MaxShares {
		return Share{}, fmt.Errorf("share id %d out of range: %w", id, types.ErrInvalidShare)
	}
	secretLen := int(raw[3])
	if secretLen == 0 || secretLen > KeySize {
		return Share{}, fmt.Errorf("share payload length %d out of range: %w", secretLen, types.ErrInvalidShare)
	}
	y := new(big.Int).SetBytes(raw[4:])
	if y.Cmp(prime) >= 0 {
		return Share{}, fmt.Errorf("share value outside field: %w", types.ErrInvalidShare)
	}
	return Share{ID: id, Value: raw[4:], secretLen: secretLen}, nil
}

// Split divides secret into n shares with reconstruction threshold t.
// The polynomial's constant term is the secret; the remaining t-1
// coefficients are drawn uniformly from the field.
func Split(secret []byte, t, n int) ([]Share, error) {
	if len(secret) == 0 || len(secret) > KeySize {
		return nil, fmt.Errorf("secret must be 1..%d bytes, got %d", KeySize, len(secret))
	}
	if t < 1 || n < 1 || t > n || n > MaxShares {
		return nil, fmt.Errorf("invalid threshold parameters t=%d n=%d", t, n)
	}

	coeffs := make([]*big.Int, t)
	coeffs[0] = new(big.Int).SetBytes(secret)
	for i := 1; i < t; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("failed to draw coefficient: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([]Share, n)
	for x := 1; x <= n; x++ {
		y := evalPolynomial(coeffs, big.NewInt(int64(x)))
		shares[x-1] = Share{
			ID:        x,
			Value:     fieldElementBytes(y),
			secretLen: len(secret),
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from at least t distinct shares by
// interpolating the polynomial at zero. Callers pass any t-element subset;
// duplicates by ID are an error here because dedup belongs to the unseal
// pending set.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, types.ErrInsufficientShares
	}
	seen := make(map[int]bool, len(shares))
	secretLen := shares[0].secretLen
	for _, s := range shares {
		if s.ID < 1 || s.ID > MaxShares || len(s.Value) != fieldBytes {
			return nil, types.ErrInvalidShare
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate share id %d: %w", s.ID, types.ErrInvalidShare)
		}
		seen[s.ID] = true
		if s.secretLen != secretLen {
			return nil, fmt.Errorf("inconsistent share payload lengths: %w", types.ErrInvalidShare)
		}
	}

	// Lagrange interpolation at x = 0
	secret := new(big.Int)
	for i, si := range shares {
		num := big.NewInt(1)
		den := big.NewInt(1)
		xi := big.NewInt(int64(si.ID))
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.ID))
			num.Mul(num, new(big.Int).Neg(xj))
			num.Mod(num, prime)
			den.Mul(den, new(big.Int).Sub(xi, xj))
			den.Mod(den, prime)
		}
		term := new(big.Int).SetBytes(si.Value)
		term.Mul(term, num)
		term.Mod(term, prime)
		term.Mul(term, new(big.Int).ModInverse(den, prime))
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}

	out := secret.Bytes()
	if len(out) > secretLen {
		return nil, types.ErrReconstructionFailed
	}
	if len(out) < secretLen {
		out = append(bytes.Repeat([]byte{0}, secretLen-len(out)), out...)
	}
	return out, nil
}

func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	// Horner's rule mod P
	y := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, x)
		y.Add(y, coeffs[i])
		y.Mod(y, prime)
	}
	return y
}

func fieldElementBytes(v *big.Int) []byte {
	out := make([]byte, fieldBytes)
	v.FillBytes(out)
	return out
}
