package chunkstore

import (
	"context"
	"io/fs"
	"os"
	fp "path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/tensorage/core/model"
)

func newTestStore(t *testing.T) *LevelStore {
	t.Helper()

	s, err := NewLevelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestLevelStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed := model.DeriveSeed("owner", "peer")

	require.NoError(t, s.Put(ctx, seed, 3, []byte("chunk-3")))

	got, err := s.Get(ctx, seed, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk-3"), got)

	ok, err := s.Exists(ctx, seed, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, seed, 4)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLevelStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), model.DeriveSeed("a", "b"), 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLevelStore_SeedsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := model.DeriveSeed("owner", "a")
	b := model.DeriveSeed("owner", "b")

	require.NoError(t, s.Put(ctx, a, 0, []byte("a0")))

	_, err := s.Get(ctx, b, 0)
	require.ErrorIs(t, err, ErrNotFound)

	n, err := s.Size(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLevelStore_DeleteRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed := model.DeriveSeed("owner", "peer")

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, s.Put(ctx, seed, i, []byte{byte(i)}))
	}

	require.NoError(t, s.DeleteRange(ctx, seed, 4, 8))

	n, err := s.Size(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	for i := uint64(0); i < 10; i++ {
		ok, err := s.Exists(ctx, seed, i)
		require.NoError(t, err)
		assert.Equal(t, i < 4 || i >= 8, ok, "index %d", i)
	}
}

func TestLevelStore_DeleteRangeInvalid(t *testing.T) {
	s := newTestStore(t)
	seed := model.DeriveSeed("owner", "peer")

	require.ErrorIs(t, s.DeleteRange(context.Background(), seed, 5, 2), ErrInvalidRange)
	require.NoError(t, s.DeleteRange(context.Background(), seed, 2, 2))
}

func TestLevelStore_Drop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seed := model.DeriveSeed("owner", "peer")

	require.NoError(t, s.Put(ctx, seed, 0, []byte("x")))
	require.NoError(t, s.Drop(ctx, seed))

	n, err := s.Size(ctx, seed)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLevelStore_ReopenKeepsChunks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	seed := model.DeriveSeed("owner", "peer")

	s, err := NewLevelStore(root)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, seed, 7, []byte("durable")))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, model.DeriveSeed("other", "peer"), 0)
	require.ErrorIs(t, err, ErrClosed)

	s, err = NewLevelStore(root)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, seed, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestLevelStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seeds := []model.Seed{model.DeriveSeed("o", "a"), model.DeriveSeed("o", "b")}

	var wg sync.WaitGroup
	for _, seed := range seeds {
		for i := uint64(0); i < 32; i++ {
			wg.Add(1)
			go func(seed model.Seed, i uint64) {
				defer wg.Done()
				assert.NoError(t, s.Put(ctx, seed, i, []byte{byte(i)}))
			}(seed, i)
		}
	}
	wg.Wait()

	for _, seed := range seeds {
		n, err := s.Size(ctx, seed)
		require.NoError(t, err)
		assert.Equal(t, uint64(32), n)
	}
}

func TestAvailableBytes(t *testing.T) {
	n, err := AvailableBytes(t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, n)
}

func TestNewLevelStore_UnavailableRoot(t *testing.T) {
	file := fp.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	_, err := NewLevelStore(fp.Join(file, "store"))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	// the underlying cause survives the wrap
	var pathErr *fs.PathError
	require.ErrorAs(t, err, &pathErr)
	assert.Contains(t, err.Error(), "create chunks dir")
}
