package crypto

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/secrethub/secrethub/pkg/types"
)

func TestSplitCombineRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		t    int
		n    int
	}{
		{name: "1 of 1", t: 1, n: 1},
		{name: "2 of 3", t: 2, n: 3},
		{name: "3 of 5", t: 3, n: 5},
		{name: "5 of 5", t: 5, n: 5},
		{name: "7 of 10", t: 7, n: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret, _ := GenerateKey()
			shares, err := Split(secret, tt.t, tt.n)
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}
			if len(shares) != tt.n {
				t.Fatalf("Split() produced %d shares, want %d", len(shares), tt.n)
			}

			// any t-element subset reconstructs; use the last t shares so
			// we are not always combining the first ones
			subset := shares[tt.n-tt.t:]
			got, err := Combine(subset)
			if err != nil {
				t.Fatalf("Combine() error = %v", err)
			}
			if !bytes.Equal(got, secret) {
				t.Errorf("Combine() did not reconstruct the secret")
			}
		})
	}
}

func TestCombineInsufficientShares(t *testing.T) {
	secret, _ := GenerateKey()
	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatal(err)
	}

	// t-1 shares must not reconstruct the secret
	got, err := Combine(shares[:2])
	if err == nil && bytes.Equal(got, secret) {
		t.Fatal("2 of 3-threshold shares reconstructed the secret")
	}

	if _, err := Combine(nil); !errors.Is(err, types.ErrInsufficientShares) {
		t.Errorf("Combine(nil) error = %v, want ErrInsufficientShares", err)
	}
}

func TestCombineDuplicateShares(t *testing.T) {
	secret, _ := GenerateKey()
	shares, err := Split(secret, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Combine([]Share{shares[0], shares[0]})
	if !errors.Is(err, types.ErrInvalidShare) {
		t.Errorf("Combine() with duplicate IDs error = %v, want ErrInvalidShare", err)
	}
}

func TestSplitParameterValidation(t *testing.T) {
	secret, _ := GenerateKey()

	tests := []struct {
		name string
		t    int
		n    int
	}{
		{name: "zero threshold", t: 0, n: 3},
		{name: "threshold above total", t: 4, n: 3},
		{name: "negative total", t: 1, n: -1},
		{name: "too many shares", t: 2, n: MaxShares + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Split(secret, tt.t, tt.n); err == nil {
				t.Errorf("Split(t=%d, n=%d) succeeded, want error", tt.t, tt.n)
			}
		})
	}
}

func TestShareEncodeDecode(t *testing.T) {
	secret, _ := GenerateKey()
	shares, err := Split(secret, 2, 3)
	if err != nil {
		t.Fatal(err)
	}

	decoded := make([]Share, len(shares))
	for i, s := range shares {
		d, err := DecodeShare(s.Encode())
		if err != nil {
			t.Fatalf("DecodeShare() error = %v", err)
		}
		if d.ID != s.ID {
			t.Errorf("decoded ID = %d, want %d", d.ID, s.ID)
		}
		decoded[i] = d
	}

	got, err := Combine(decoded[:2])
	if err != nil {
		t.Fatalf("Combine() after round trip error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("round-tripped shares did not reconstruct the secret")
	}
}

func TestDecodeShareInvalid(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{name: "not base64", encoded: "!!not-base64!!"},
		{name: "empty", encoded: ""},
		{name: "too short", encoded: "AAEC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeShare(tt.encoded); !errors.Is(err, types.ErrInvalidShare) {
				t.Errorf("DecodeShare(%q) error = %v, want ErrInvalidShare", tt.encoded, err)
			}
		})
	}
}

func TestShareValuesDistinct(t *testing.T) {
	// degenerate polynomials aside, every share must carry a distinct
	// field element and none may equal the secret itself
	secret, _ := GenerateKey()
	shares, err := Split(secret, 2, 5)
	if err != nil {
		t.Fatal(err)
	}

	secretInt := new(big.Int).SetBytes(secret)
	seen := make(map[string]bool)
	for _, s := range shares {
		y := new(big.Int).SetBytes(s.Value)
		if y.Cmp(secretInt) == 0 {
			t.Error("a share equals the raw secret")
		}
		key := string(s.Value)
		if seen[key] {
			t.Error("two shares carry the same field element")
		}
		seen[key] = true
	}
}
