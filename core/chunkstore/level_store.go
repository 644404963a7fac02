package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	fp "path/filepath"
	"strconv"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/cmap"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("chunkstore")

// number of key locks per seed
const lockStripes = 64

// LevelStore keeps one LevelDB database per seed under {root}/chunks/{seed}.
// LevelDB writes are synced and atomic, so a chunk is either fully visible
// or absent.
type LevelStore struct {
	root string

	openMu sync.Mutex
	seeds  *cmap.Map[model.Seed, *seedStore]
	closed bool
}

type seedStore struct {
	db    *dslvl.Datastore
	locks [lockStripes]sync.Mutex
}

// Compile-time interface check.
var _ Store = (*LevelStore)(nil)

func NewLevelStore(root string) (*LevelStore, error) {
	err := os.MkdirAll(fp.Join(root, "chunks"), 0750)
	if err != nil && !os.IsExist(err) {
		return nil, xerrors.Errorf("create chunks dir: %w", unavailable(err))
	}

	return &LevelStore{
		root:  root,
		seeds: cmap.NewMap[model.Seed, *seedStore](),
	}, nil
}

// unavailable marks an I/O failure so callers can match ErrStoreUnavailable.
func unavailable(err error) error {
	return errors.Join(ErrStoreUnavailable, err)
}

func (s *LevelStore) Root() string {
	return s.root
}

func (s *LevelStore) seedPath(seed model.Seed) string {
	return fp.Join(s.root, "chunks", seed.String())
}

func chunkKey(index uint64) ds.Key {
	return ds.NewKey(fmt.Sprintf("%016x", index))
}

func parseChunkKey(k string) (uint64, error) {
	return strconv.ParseUint(ds.RawKey(k).BaseNamespace(), 16, 64)
}

// open returns the database for seed, opening it on first use.
func (s *LevelStore) open(seed model.Seed) (*seedStore, error) {
	if st, ok := s.seeds.Get(seed); ok {
		return st, nil
	}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if st, ok := s.seeds.Get(seed); ok {
		return st, nil
	}

	db, err := dslvl.NewDatastore(s.seedPath(seed), nil)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", seed.Short(), unavailable(err))
	}

	st := &seedStore{db: db}
	s.seeds.Set(seed, st)
	return st, nil
}

func (st *seedStore) lock(index uint64) *sync.Mutex {
	return &st.locks[index%lockStripes]
}

func (s *LevelStore) Put(ctx context.Context, seed model.Seed, index uint64, data []byte) error {
	st, err := s.open(seed)
	if err != nil {
		return err
	}

	mu := st.lock(index)
	mu.Lock()
	defer mu.Unlock()

	if err := st.db.Put(ctx, chunkKey(index), data); err != nil {
		return xerrors.Errorf("put %s/%d: %w", seed.Short(), index, unavailable(err))
	}

	return nil
}

func (s *LevelStore) Get(ctx context.Context, seed model.Seed, index uint64) ([]byte, error) {
	st, err := s.open(seed)
	if err != nil {
		return nil, err
	}

	data, err := st.db.Get(ctx, chunkKey(index))
	switch {
	case errors.Is(err, ds.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, xerrors.Errorf("get %s/%d: %w", seed.Short(), index, unavailable(err))
	}

	return data, nil
}

func (s *LevelStore) Exists(ctx context.Context, seed model.Seed, index uint64) (bool, error) {
	st, err := s.open(seed)
	if err != nil {
		return false, err
	}

	ok, err := st.db.Has(ctx, chunkKey(index))
	if err != nil {
		return false, xerrors.Errorf("has %s/%d: %w", seed.Short(), index, unavailable(err))
	}

	return ok, nil
}

// indices lists stored chunk indices, unordered.
func (st *seedStore) indices(ctx context.Context) ([]uint64, error) {
	res, err := st.db.Query(ctx, dsq.Query{KeysOnly: true})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var out []uint64
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}

		idx, err := parseChunkKey(r.Key)
		if err != nil {
			log.Warnw("chunkstore", "status", "skipping foreign key", "key", r.Key)
			continue
		}
		out = append(out, idx)
	}

	return out, nil
}

func (s *LevelStore) DeleteRange(ctx context.Context, seed model.Seed, from, to uint64) error {
	if from > to {
		return xerrors.Errorf("[%d, %d): %w", from, to, ErrInvalidRange)
	}
	if from == to {
		return nil
	}

	st, err := s.open(seed)
	if err != nil {
		return err
	}

	indices, err := st.indices(ctx)
	if err != nil {
		return xerrors.Errorf("list %s: %w", seed.Short(), unavailable(err))
	}

	batch, err := st.db.Batch(ctx)
	if err != nil {
		return xerrors.Errorf("batch %s: %w", seed.Short(), unavailable(err))
	}

	deleted := 0
	for _, idx := range indices {
		if idx < from || idx >= to {
			continue
		}

		if err := batch.Delete(ctx, chunkKey(idx)); err != nil {
			return xerrors.Errorf("delete %s/%d: %w", seed.Short(), idx, unavailable(err))
		}
		deleted++
	}

	if err := batch.Commit(ctx); err != nil {
		return xerrors.Errorf("commit delete %s: %w", seed.Short(), unavailable(err))
	}

	log.Debugw("chunkstore", "status", "deleted range", "seed", seed.Short(), "from", from, "to", to, "deleted", deleted)
	return nil
}

func (s *LevelStore) Size(ctx context.Context, seed model.Seed) (uint64, error) {
	st, err := s.open(seed)
	if err != nil {
		return 0, err
	}

	indices, err := st.indices(ctx)
	if err != nil {
		return 0, xerrors.Errorf("size %s: %w", seed.Short(), unavailable(err))
	}

	return uint64(len(indices)), nil
}

func (s *LevelStore) Drop(_ context.Context, seed model.Seed) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	if st, ok := s.seeds.Pop(seed); ok {
		if err := st.db.Close(); err != nil {
			log.Errorw("chunkstore", "status", "close before drop failed", "seed", seed.Short(), "error", err)
		}
	}

	if err := os.RemoveAll(s.seedPath(seed)); err != nil {
		return xerrors.Errorf("drop %s: %w", seed.Short(), unavailable(err))
	}

	log.Infow("chunkstore", "status", "dropped partition", "seed", seed.Short())
	return nil
}

func (s *LevelStore) Close() error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.closed = true

	var errs []error
	s.seeds.Range(func(seed model.Seed, st *seedStore) bool {
		if err := st.db.Close(); err != nil {
			errs = append(errs, err)
		}
		s.seeds.Delete(seed)
		return true
	})

	return errors.Join(errs...)
}
