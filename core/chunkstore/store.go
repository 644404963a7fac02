package chunkstore

import (
	"context"
	"errors"

	"github.com/pyropy/tensorage/core/model"
)

var (
	// ErrNotFound means the chunk is absent. Callers regenerate it.
	ErrNotFound = errors.New("chunk not found")
	// ErrStoreUnavailable wraps I/O failures. Callers retry it.
	ErrStoreUnavailable = errors.New("chunk store unavailable")
	ErrClosed           = errors.New("chunk store closed")
	ErrInvalidRange     = errors.New("invalid index range")
)

// Store persists fixed size chunks keyed by (seed, index). Every seed is an
// independent namespace; operations on distinct seeds never contend.
type Store interface {
	// Put is durable once it returns.
	Put(ctx context.Context, seed model.Seed, index uint64, data []byte) error
	Get(ctx context.Context, seed model.Seed, index uint64) ([]byte, error)
	Exists(ctx context.Context, seed model.Seed, index uint64) (bool, error)
	// DeleteRange removes every chunk with index in [from, to).
	DeleteRange(ctx context.Context, seed model.Seed, from, to uint64) error
	// Size returns the number of chunks stored for seed.
	Size(ctx context.Context, seed model.Seed) (uint64, error)
	// Drop discards every chunk of seed.
	Drop(ctx context.Context, seed model.Seed) error
	Close() error
}
