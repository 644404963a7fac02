package partition

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
)

var (
	ErrGenerationFailure = errors.New("chunk generation failure")
	ErrIncomplete        = errors.New("partition incomplete")
	ErrInvalidChunkSize  = errors.New("chunk size must be positive")
)

// Generator expands a seed into chunk content.
//
// Chunk i of seed s is the ChaCha20 keystream under key s and nonce
// 0x00000000 || u64be(i), truncated to the chunk size. Changing this
// construction invalidates every stored partition.
type Generator struct {
	chunkSize uint64
}

func NewGenerator(chunkSize uint64) (*Generator, error) {
	if chunkSize == 0 {
		return nil, ErrInvalidChunkSize
	}

	return &Generator{chunkSize: chunkSize}, nil
}

func (g *Generator) ChunkSize() uint64 {
	return g.chunkSize
}

// DeriveChunk is a pure function of (seed, index).
func (g *Generator) DeriveChunk(seed model.Seed, index uint64) ([]byte, error) {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], index)

	c, err := chacha20.NewUnauthenticatedCipher(seed[:], nonce[:])
	if err != nil {
		return nil, xerrors.Errorf("chunk %s/%d: %w", seed.Short(), index, errors.Join(ErrGenerationFailure, err))
	}

	buf := make([]byte, g.chunkSize)
	c.XORKeyStream(buf, buf)
	return buf, nil
}
