package partition

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("partition")

type BuilderConfig struct {
	// Workers bounds concurrent chunk generation within one build.
	Workers int
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// CheckpointEvery persists the checkpoint after this many advances.
	CheckpointEvery uint64
	RetryMin        time.Duration
	RetryMax        time.Duration
}

func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Workers:         4,
		MaxRetries:      3,
		CheckpointEvery: 64,
		RetryMin:        100 * time.Millisecond,
		RetryMax:        5 * time.Second,
	}
}

// Builder fills a chunk store with the derived chunk sequence of a seed.
type Builder struct {
	gen   *Generator
	store chunkstore.Store
	cfg   BuilderConfig
}

func NewBuilder(gen *Generator, store chunkstore.Store, cfg BuilderConfig) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 1
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 100 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}

	return &Builder{gen: gen, store: store, cfg: cfg}
}

func (b *Builder) Generator() *Generator {
	return b.gen
}

type BuildRequest struct {
	Seed    model.Seed
	NChunks uint64
	// Checkpoint is the persisted checkpoint to resume after.
	Checkpoint int64
	// Restart discards every stored chunk of Seed and rebuilds from index 0.
	Restart bool
	// OnCheckpoint persists an advanced checkpoint. Calls are serialized and
	// strictly increasing.
	OnCheckpoint func(ctx context.Context, checkpoint int64) error
	// Label tags logs and metrics, usually the counterparty id.
	Label string
}

type BuildResult struct {
	Seed       model.Seed
	NChunks    uint64
	Checkpoint int64
	Generated  uint64
	Skipped    uint64
	// Failed holds indices that exhausted their retries.
	Failed []uint64
	State  model.PartitionState
}

type build struct {
	b   *Builder
	req BuildRequest

	tracker   *tracker
	persistMu sync.Mutex
	persisted int64

	mu        sync.Mutex
	generated uint64
	skipped   uint64
	failed    []uint64
}

// Build writes every missing chunk in (Checkpoint, NChunks). Per chunk failures
// are retried and then recorded in the result with State Incomplete. A store
// that stays unavailable through all retries halts the build with
// chunkstore.ErrStoreUnavailable. On cancellation in-flight chunks finish, the
// checkpoint is persisted and ctx.Err() is returned.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.Counterparty, req.Label))

	checkpoint := req.Checkpoint
	if checkpoint < model.NoCheckpoint {
		checkpoint = model.NoCheckpoint
	}

	if req.Restart {
		if err := b.store.Drop(ctx, req.Seed); err != nil {
			return BuildResult{Seed: req.Seed, NChunks: req.NChunks, Checkpoint: checkpoint}, xerrors.Errorf("restart %s: %w", req.Seed.Short(), err)
		}
		checkpoint = model.NoCheckpoint
	}

	if checkpoint >= int64(req.NChunks) {
		checkpoint = int64(req.NChunks) - 1
	}

	bd := &build{
		b:         b,
		req:       req,
		tracker:   newTracker(checkpoint),
		persisted: checkpoint,
	}

	log.Infow("build", "status", "starting", "counterparty", req.Label, "seed", req.Seed.Short(),
		"n_chunks", req.NChunks, "checkpoint", checkpoint, "restart", req.Restart)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for i := uint64(checkpoint + 1); i < req.NChunks; i++ {
		if gctx.Err() != nil {
			break
		}

		index := i
		g.Go(func() error {
			return bd.chunk(gctx, index)
		})
	}

	runErr := g.Wait()

	// the final checkpoint must land even if ctx was cancelled
	if err := bd.persist(context.WithoutCancel(ctx), bd.tracker.checkpoint(), true); err != nil && runErr == nil {
		runErr = err
	}

	res := bd.result()

	switch {
	case runErr != nil:
		log.Errorw("build", "status", "halted", "counterparty", req.Label, "seed", req.Seed.Short(), "checkpoint", res.Checkpoint, "error", runErr)
		return res, runErr
	case ctx.Err() != nil:
		log.Warnw("build", "status", "cancelled", "counterparty", req.Label, "seed", req.Seed.Short(), "checkpoint", res.Checkpoint)
		return res, ctx.Err()
	}

	log.Infow("build", "status", "finished", "counterparty", req.Label, "seed", req.Seed.Short(), "state", res.State,
		"checkpoint", res.Checkpoint, "generated", res.Generated, "skipped", res.Skipped, "failed", len(res.Failed))
	return res, nil
}

// chunk stores one index. Only a persistently unavailable store is returned
// as an error; everything else is recorded on the build.
func (bd *build) chunk(ctx context.Context, index uint64) error {
	if ctx.Err() != nil {
		return nil
	}

	seed := bd.req.Seed
	store := bd.b.store

	exists, err := store.Exists(ctx, seed, index)
	if err == nil && exists {
		bd.mu.Lock()
		bd.skipped++
		bd.mu.Unlock()
		stats.Record(ctx, metrics.ChunksSkipped.M(1))
		return bd.advance(ctx, index)
	}

	bo := &backoff.Backoff{
		Min:    bd.b.cfg.RetryMin,
		Max:    bd.b.cfg.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt <= bd.b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			stats.Record(ctx, metrics.ChunkRetries.M(1))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bo.Duration()):
			}
		}

		lastErr = bd.write(ctx, index)
		if lastErr == nil {
			bd.mu.Lock()
			bd.generated++
			bd.mu.Unlock()
			stats.Record(ctx, metrics.ChunksGenerated.M(1))
			return bd.advance(ctx, index)
		}

		if ctx.Err() != nil {
			return nil
		}

		log.Debugw("build", "status", "chunk attempt failed", "seed", seed.Short(), "index", index, "attempt", bo.Attempt(), "error", lastErr)
	}

	stats.Record(ctx, metrics.ChunkFailures.M(1))

	if errors.Is(lastErr, chunkstore.ErrStoreUnavailable) {
		return xerrors.Errorf("chunk %s/%d: %w", seed.Short(), index, lastErr)
	}

	log.Errorw("build", "status", "chunk failed", "seed", seed.Short(), "index", index, "error", lastErr)
	bd.mu.Lock()
	bd.failed = append(bd.failed, index)
	bd.mu.Unlock()
	return nil
}

func (bd *build) write(ctx context.Context, index uint64) error {
	done := metrics.Timer(ctx, metrics.ChunkWriteDuration)
	defer done()

	data, err := bd.b.gen.DeriveChunk(bd.req.Seed, index)
	if err != nil {
		return err
	}

	return bd.b.store.Put(ctx, bd.req.Seed, index, data)
}

func (bd *build) advance(ctx context.Context, index uint64) error {
	return bd.persist(ctx, bd.tracker.complete(index), false)
}

// persist hands the checkpoint to OnCheckpoint once it has advanced far
// enough, or unconditionally when final is set.
func (bd *build) persist(ctx context.Context, checkpoint int64, final bool) error {
	bd.persistMu.Lock()
	defer bd.persistMu.Unlock()

	if checkpoint <= bd.persisted {
		return nil
	}
	if !final && uint64(checkpoint-bd.persisted) < bd.b.cfg.CheckpointEvery {
		return nil
	}

	if bd.req.OnCheckpoint != nil {
		if err := bd.req.OnCheckpoint(ctx, checkpoint); err != nil {
			return xerrors.Errorf("persist checkpoint %d: %w", checkpoint, err)
		}
	}

	bd.persisted = checkpoint
	stats.Record(ctx, metrics.Checkpoint.M(checkpoint))
	return nil
}

func (bd *build) result() BuildResult {
	bd.mu.Lock()
	defer bd.mu.Unlock()

	failed := append([]uint64(nil), bd.failed...)
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })

	res := BuildResult{
		Seed:       bd.req.Seed,
		NChunks:    bd.req.NChunks,
		Checkpoint: bd.persisted,
		Generated:  bd.generated,
		Skipped:    bd.skipped,
		Failed:     failed,
		State:      model.PartitionPartial,
	}

	switch {
	case len(failed) > 0:
		res.State = model.PartitionIncomplete
	case res.Checkpoint == int64(res.NChunks)-1:
		res.State = model.PartitionComplete
	}

	return res
}
