package model

import (
	"crypto/rand"
	"crypto/subtle"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// NonceSize is the length of a challenge nonce; it is also the BLAKE2b key size.
const NonceSize = 32

type Nonce [NonceSize]byte

func NewNonce() (Nonce, error) {
	var n Nonce
	_, err := rand.Read(n[:])
	return n, err
}

// Challenge asks a holder to prove possession of chunk Index of Seed.
type Challenge struct {
	RequestID uuid.UUID
	Seed      Seed
	Index     uint64
	Nonce     Nonce
}

// Response carries the nonce keyed digest of the chunk the holder read from
// its own store.
type Response struct {
	RequestID uuid.UUID
	Digest    []byte
}

// Commitment is what a holder claims to store for the asking counterparty.
type Commitment struct {
	Version string
	Seed    Seed
	NChunks uint64
}

// ProofDigest is BLAKE2b-256 keyed by the nonce over the chunk bytes.
func ProofDigest(chunk []byte, nonce Nonce) []byte {
	h, err := blake2b.New256(nonce[:])
	if err != nil {
		// a 32 byte key is always accepted
		panic(err)
	}

	h.Write(chunk)
	return h.Sum(nil)
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// Outcome is the terminal state of one verification round.
type Outcome string

const (
	OutcomeValid   Outcome = "valid"
	OutcomeInvalid Outcome = "invalid"
	OutcomeTimeout Outcome = "timeout"
	// OutcomeSkipped means the holder commits to nothing for us.
	OutcomeSkipped Outcome = "skipped"
)
