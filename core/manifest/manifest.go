package manifest

import (
	"context"
	"encoding/json"
	"errors"
	fp "path/filepath"
	"sort"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("manifest")

var (
	ErrPartitionNotFound   = errors.New("partition not found")
	ErrPartitionExists     = errors.New("partition already exists")
	ErrCheckpointRegressed = errors.New("checkpoint may only advance")
	ErrCheckpointRange     = errors.New("checkpoint beyond partition size")
)

const partitionsPrefix = "/partitions"

// Manifest is the persisted set of partitions the local peer commits to
// storing, one per counterparty. Reads are served from an in-memory copy;
// writes go to LevelDB first and are serialized.
type Manifest struct {
	owner string
	store *dslvl.Datastore

	mu         sync.RWMutex
	partitions map[string]model.Partition

	// single writer
	writeMu sync.Mutex
}

func Open(ctx context.Context, root, owner string) (*Manifest, error) {
	store, err := dslvl.NewDatastore(fp.Join(root, "manifest"), nil)
	if err != nil {
		return nil, xerrors.Errorf("open manifest: %w", err)
	}

	m := &Manifest{
		owner:      owner,
		store:      store,
		partitions: make(map[string]model.Partition),
	}

	if err := m.load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Infow("manifest", "status", "loaded", "owner", owner, "partitions", len(m.partitions))
	return m, nil
}

func (m *Manifest) Owner() string {
	return m.owner
}

func (m *Manifest) Close() error {
	return m.store.Close()
}

func partitionKey(seed model.Seed) ds.Key {
	return ds.NewKey(partitionsPrefix).ChildString(seed.String())
}

func (m *Manifest) load(ctx context.Context) error {
	res, err := m.store.Query(ctx, dsq.Query{Prefix: partitionsPrefix})
	if err != nil {
		return xerrors.Errorf("query manifest: %w", err)
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return xerrors.Errorf("read manifest: %w", r.Error)
		}

		var p model.Partition
		if err := json.Unmarshal(r.Value, &p); err != nil {
			return xerrors.Errorf("decode partition %s: %w", r.Key, err)
		}

		if p.Owner != m.owner {
			log.Warnw("manifest", "status", "skipping foreign partition", "owner", p.Owner, "counterparty", p.Counterparty)
			continue
		}
		m.partitions[p.Counterparty] = p
	}

	return nil
}

func (m *Manifest) Get(counterparty string) (model.Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[counterparty]
	if !ok {
		return model.Partition{}, ErrPartitionNotFound
	}

	return p, nil
}

// Snapshot returns every partition ordered by counterparty.
func (m *Manifest) Snapshot() []model.Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counterparty < out[j].Counterparty })

	return out
}

// CommittedBytes sums the sizes of every partition.
func (m *Manifest) CommittedBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	for _, p := range m.partitions {
		total += p.SizeBytes
	}
	return total
}

func (m *Manifest) write(ctx context.Context, p model.Partition) error {
	p.UpdatedAt = time.Now().UTC()

	b, err := json.Marshal(p)
	if err != nil {
		return xerrors.Errorf("encode partition: %w", err)
	}

	if err := m.store.Put(ctx, partitionKey(p.Seed), b); err != nil {
		return xerrors.Errorf("write partition %s: %w", p.Counterparty, err)
	}

	m.mu.Lock()
	m.partitions[p.Counterparty] = p
	m.mu.Unlock()

	return nil
}

// update applies fn to the stored partition and persists the result.
func (m *Manifest) update(ctx context.Context, counterparty string, fn func(p *model.Partition) error) (model.Partition, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	p, err := m.Get(counterparty)
	if err != nil {
		return p, err
	}

	if err := fn(&p); err != nil {
		return p, err
	}

	return p, m.write(ctx, p)
}

// Create records a new empty partition for counterparty.
func (m *Manifest) Create(ctx context.Context, counterparty string, sizeBytes, nChunks uint64) (model.Partition, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, err := m.Get(counterparty); err == nil {
		return model.Partition{}, xerrors.Errorf("create %s: %w", counterparty, ErrPartitionExists)
	}

	p := model.Partition{
		Owner:        m.owner,
		Counterparty: counterparty,
		Seed:         model.DeriveSeed(m.owner, counterparty),
		SizeBytes:    sizeBytes,
		NChunks:      nChunks,
		Checkpoint:   model.NoCheckpoint,
		State:        model.PartitionPartial,
	}

	if err := m.write(ctx, p); err != nil {
		return model.Partition{}, err
	}

	log.Infow("manifest", "status", "created", "counterparty", counterparty, "seed", p.Seed.Short(), "n_chunks", nChunks)
	return p, nil
}

// SetCheckpoint advances the checkpoint. Lower values are rejected.
func (m *Manifest) SetCheckpoint(ctx context.Context, counterparty string, checkpoint int64) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		if checkpoint < p.Checkpoint {
			return xerrors.Errorf("%s: %d < %d: %w", counterparty, checkpoint, p.Checkpoint, ErrCheckpointRegressed)
		}
		if checkpoint >= int64(p.NChunks) {
			return xerrors.Errorf("%s: %d >= %d: %w", counterparty, checkpoint, p.NChunks, ErrCheckpointRange)
		}

		p.Checkpoint = checkpoint
		if p.IsComplete() {
			p.State = model.PartitionComplete
		}
		return nil
	})
}

// Truncate lowers the checkpoint to cover at most nChunks chunks. It is the
// first step of a shrink and runs before any chunk is deleted.
func (m *Manifest) Truncate(ctx context.Context, counterparty string, nChunks uint64) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		if top := int64(nChunks) - 1; p.Checkpoint > top {
			p.Checkpoint = top
		}
		return nil
	})
}

// Resize sets the partition size. The checkpoint is clamped to the new size.
func (m *Manifest) Resize(ctx context.Context, counterparty string, sizeBytes, nChunks uint64) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		p.SizeBytes = sizeBytes
		p.NChunks = nChunks
		if top := int64(nChunks) - 1; p.Checkpoint > top {
			p.Checkpoint = top
		}

		if p.IsComplete() {
			p.State = model.PartitionComplete
		} else {
			p.State = model.PartitionPartial
		}
		return nil
	})
}

// Reset drops the checkpoint back to nothing for a full rebuild.
func (m *Manifest) Reset(ctx context.Context, counterparty string) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		p.Checkpoint = model.NoCheckpoint
		p.State = model.PartitionPartial
		return nil
	})
}

func (m *Manifest) SetState(ctx context.Context, counterparty string, state model.PartitionState) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		p.State = state
		return nil
	})
}

// RecordVerification stores the outcome of a local integrity check.
func (m *Manifest) RecordVerification(ctx context.Context, counterparty string, ok bool, at time.Time) (model.Partition, error) {
	return m.update(ctx, counterparty, func(p *model.Partition) error {
		p.LastVerified = at.UTC()
		if ok {
			p.VerifiedRounds++
		} else {
			p.FailedRounds++
		}
		return nil
	})
}

func (m *Manifest) Remove(ctx context.Context, counterparty string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	p, err := m.Get(counterparty)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, partitionKey(p.Seed)); err != nil {
		return xerrors.Errorf("remove partition %s: %w", counterparty, err)
	}

	m.mu.Lock()
	delete(m.partitions, counterparty)
	m.mu.Unlock()

	log.Infow("manifest", "status", "removed", "counterparty", counterparty, "seed", p.Seed.Short())
	return nil
}
