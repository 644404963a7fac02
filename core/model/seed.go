package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// SeedSize is the length of a partition seed in bytes.
const SeedSize = 32

const seedDomain = "tensorage/seed/v1"

var ErrInvalidSeed = errors.New("seed must be 32 hex encoded bytes")

// Seed identifies one logical partition. All chunk content of the partition
// is derived from it.
type Seed [SeedSize]byte

// DeriveSeed returns the seed of the partition owner stores on behalf of
// counterparty. The pair is ordered: DeriveSeed(a, b) != DeriveSeed(b, a).
func DeriveSeed(owner, counterparty string) Seed {
	h := sha256.New()
	h.Write([]byte(seedDomain))
	writeLenPrefixed(h, owner)
	writeLenPrefixed(h, counterparty)

	var s Seed
	copy(s[:], h.Sum(nil))
	return s
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, v string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(v)))
	h.Write(l[:])
	h.Write([]byte(v))
}

func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

// Short returns the first 8 hex characters, for logs.
func (s Seed) Short() string {
	return hex.EncodeToString(s[:4])
}

func (s Seed) IsZero() bool {
	return s == Seed{}
}

func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Seed) UnmarshalText(text []byte) error {
	parsed, err := ParseSeed(string(text))
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

func ParseSeed(v string) (Seed, error) {
	var s Seed
	b, err := hex.DecodeString(v)
	if err != nil || len(b) != SeedSize {
		return s, ErrInvalidSeed
	}

	copy(s[:], b)
	return s, nil
}
