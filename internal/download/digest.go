package download

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Digest is an expected content hash, written "algo:hex". A bare hex string
// is taken as sha256.
type Digest struct {
	Algorithm string
	Value     []byte
}

// ParseDigest parses "sha256:<hex>", "sha512:<hex>" or a bare sha256 hex
// string. Algorithm names are case-insensitive.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	algo, value, found := strings.Cut(s, ":")
	if !found {
		algo, value = "sha256", s
	}
	algo = strings.ToLower(algo)

	if _, err := newHash(algo); err != nil {
		return Digest{}, err
	}
	raw, err := hex.DecodeString(strings.ToLower(value))
	if err != nil {
		return Digest{}, fmt.Errorf("digest %q is not hex: %w", value, err)
	}
	h, _ := newHash(algo)
	if len(raw) != h.Size() {
		return Digest{}, fmt.Errorf("%s digest must be %d bytes, got %d", algo, h.Size(), len(raw))
	}
	return Digest{Algorithm: algo, Value: raw}, nil
}

// MustParseDigest is ParseDigest for constants and tests.
func MustParseDigest(s string) Digest {
	d, err := ParseDigest(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Value)
}

// IsZero reports whether no digest was given.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && len(d.Value) == 0
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}
