package allocator

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/manifest"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/partition"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("allocator")

var (
	ErrAllocationRejected = errors.New("allocation rejected by operator")
	ErrInsufficientSpace  = errors.New("insufficient disk space")
)

type Config struct {
	Capacity  uint64
	ChunkSize uint64
	MinChunks uint64
	// MaxChunks caps a single partition; zero means no cap.
	MaxChunks uint64
	// PartitionWorkers bounds how many partitions are reallocated at once.
	PartitionWorkers int
	// Restart rebuilds every existing partition on the first applied plan
	// only. Later plans resume from persisted checkpoints.
	Restart          bool
	DisablePrompt    bool
	DisableVerify    bool
	VerifySampleRate float64
}

// Confirmer approves a plan that creates partitions for new counterparties.
type Confirmer interface {
	Confirm(ctx context.Context, plan Plan) (bool, error)
}

type ConfirmFunc func(ctx context.Context, plan Plan) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, plan Plan) (bool, error) {
	return f(ctx, plan)
}

// Allocator sizes partitions to the stake table. It is the only writer of
// the manifest.
type Allocator struct {
	cfg       Config
	root      string
	manifest  *manifest.Manifest
	store     chunkstore.Store
	builder   *partition.Builder
	confirmer Confirmer

	// freeSpace reports available bytes under root
	freeSpace func(path string) (uint64, error)

	// restart is pending until a plan gets past confirmation
	restart atomic.Bool

	// one apply at a time
	applyMu sync.Mutex
}

func New(cfg Config, root string, m *manifest.Manifest, store chunkstore.Store, builder *partition.Builder, confirmer Confirmer) *Allocator {
	if cfg.PartitionWorkers <= 0 {
		cfg.PartitionWorkers = 1
	}

	a := &Allocator{
		cfg:       cfg,
		root:      root,
		manifest:  m,
		store:     store,
		builder:   builder,
		confirmer: confirmer,
		freeSpace: chunkstore.AvailableBytes,
	}
	a.restart.Store(cfg.Restart)

	return a
}

// RestartPending reports whether the next plan rebuilds existing partitions.
func (a *Allocator) RestartPending() bool {
	return a.restart.Load()
}

// ChangeResult is the outcome of applying one change.
type ChangeResult struct {
	Change    Change
	Partition model.Partition
	Build     *partition.BuildResult
	Verify    *model.VerificationReport
	Err       error
}

type Report struct {
	Plan    Plan
	Results []ChangeResult
}

// Incomplete lists counterparties whose partition exhausted chunk retries.
func (r Report) Incomplete() []string {
	var out []string
	for _, c := range r.Plan.Changes {
		if c.Action == ActionKeep && c.State == model.PartitionIncomplete {
			out = append(out, c.Counterparty)
		}
	}
	for _, res := range r.Results {
		if res.Partition.State == model.PartitionIncomplete {
			out = append(out, res.Change.Counterparty)
		}
	}
	sort.Strings(out)
	return out
}

// Failed lists counterparties whose change returned an error.
func (r Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res.Change.Counterparty)
		}
	}
	return out
}

// Allocate plans against snap and applies the plan.
func (a *Allocator) Allocate(ctx context.Context, snap model.StakeSnapshot) (Report, error) {
	if _, err := snap.CheckedTotalWeight(); err != nil {
		return Report{}, xerrors.Errorf("stake snapshot: %w", err)
	}

	return a.Apply(ctx, a.Plan(snap))
}

// Apply executes plan. Deletions and shrinks run before growth so released
// space is available. Failures of one counterparty do not stop the others;
// only an unavailable chunk store halts the cycle.
func (a *Allocator) Apply(ctx context.Context, plan Plan) (Report, error) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	report := Report{Plan: plan}
	if inc := report.Incomplete(); len(inc) > 0 {
		log.Warnw("allocate", "status", "incomplete partitions need restart", "counterparties", inc)
	}
	if !plan.Pending() {
		a.restart.Store(false)
		log.Debugw("allocate", "status", "nothing to do", "partitions", len(plan.Changes))
		return report, nil
	}

	if err := a.confirm(ctx, plan); err != nil {
		return report, err
	}

	if err := a.checkSpace(plan); err != nil {
		return report, err
	}

	// rebuilds reset checkpoints first, so a later plan resumes them
	if a.restart.Swap(false) {
		log.Infow("allocate", "status", "restart consumed", "rebuilds", plan.count(ActionRebuild))
	}

	log.Infow("allocate", "status", "applying", "current", humanize.IBytes(plan.CurrentBytes()),
		"target", humanize.IBytes(plan.TargetBytes()), "write", humanize.IBytes(plan.WriteBytes()))

	var release, grow []Change
	for _, c := range plan.Changes {
		switch c.Action {
		case ActionKeep:
		case ActionDelete, ActionShrink:
			release = append(release, c)
		default:
			grow = append(grow, c)
		}
	}

	var halt error
	for _, phase := range [][]Change{release, grow} {
		results, err := a.applyPhase(ctx, phase)
		report.Results = append(report.Results, results...)
		if err != nil {
			halt = err
			break
		}
	}

	stats.Record(ctx, metrics.CommittedBytes.M(int64(a.manifest.CommittedBytes())))

	if halt != nil {
		return report, halt
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	log.Infow("allocate", "status", "applied", "changes", len(report.Results), "failed", len(report.Failed()))

	return report, nil
}

func (a *Allocator) confirm(ctx context.Context, plan Plan) error {
	newPeers := plan.NewCounterparties()
	if a.cfg.DisablePrompt || len(newPeers) == 0 {
		return nil
	}

	if a.confirmer == nil {
		return xerrors.Errorf("no confirmer for new counterparties %v: %w", newPeers, ErrAllocationRejected)
	}

	ok, err := a.confirmer.Confirm(ctx, plan)
	if err != nil {
		return xerrors.Errorf("confirm: %w", errors.Join(ErrAllocationRejected, err))
	}
	if !ok {
		log.Warnw("allocate", "status", "rejected", "new_counterparties", newPeers)
		return ErrAllocationRejected
	}

	return nil
}

func (a *Allocator) checkSpace(plan Plan) error {
	need := plan.RequiredBytes()
	if need == 0 {
		return nil
	}

	avail, err := a.freeSpace(a.root)
	if err != nil {
		return xerrors.Errorf("free space of %s: %w", a.root, err)
	}

	if need > avail {
		return xerrors.Errorf("need %s, have %s: %w", humanize.IBytes(need), humanize.IBytes(avail), ErrInsufficientSpace)
	}

	return nil
}

// applyPhase runs changes on the partition worker pool.
func (a *Allocator) applyPhase(ctx context.Context, changes []Change) ([]ChangeResult, error) {
	results := make([]ChangeResult, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.PartitionWorkers)

	for i, c := range changes {
		i, c := i, c
		g.Go(func() error {
			res := a.applyChange(gctx, c)
			results[i] = res

			if errors.Is(res.Err, chunkstore.ErrStoreUnavailable) {
				return res.Err
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

func (a *Allocator) applyChange(ctx context.Context, c Change) ChangeResult {
	res := ChangeResult{Change: c}

	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}

	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.Action, string(c.Action)))

	var err error
	switch c.Action {
	case ActionDelete:
		err = a.delete(ctx, c)
	case ActionShrink:
		res.Partition, err = a.shrink(ctx, c)
	case ActionCreate:
		res.Partition, err = a.manifest.Create(ctx, c.Counterparty, c.ToBytes, c.ToChunks)
	case ActionGrow:
		res.Partition, err = a.manifest.Resize(ctx, c.Counterparty, c.ToBytes, c.ToChunks)
	case ActionRebuild:
		res.Partition, err = a.rebuild(ctx, c)
	case ActionResume:
		res.Partition, err = a.manifest.Get(c.Counterparty)
	}

	if err == nil && c.Action != ActionDelete && !res.Partition.IsComplete() {
		err = a.build(ctx, c, &res)
	}

	if err == nil && res.Build != nil && res.Partition.IsComplete() && !a.cfg.DisableVerify {
		err = a.verify(ctx, &res)
	}

	res.Err = err

	state := string(res.Partition.State)
	if err != nil {
		state = "error"
		log.Errorw("allocate", "status", "change failed", "counterparty", c.Counterparty, "action", c.Action, "error", err)
	}
	stats.Record(metrics.Tagged(ctx, tag.Upsert(metrics.State, state)), metrics.PartitionChanges.M(1))

	return res
}

// delete drops chunks before the manifest entry so a crash never leaves
// chunks without an owner record.
func (a *Allocator) delete(ctx context.Context, c Change) error {
	if err := a.store.Drop(ctx, c.Seed); err != nil {
		return err
	}

	if err := a.manifest.Remove(ctx, c.Counterparty); err != nil {
		return err
	}

	log.Infow("allocate", "status", "deleted", "counterparty", c.Counterparty, "seed", c.Seed.Short(),
		"released", humanize.IBytes(c.FromBytes), "deregistered", c.Deregistered)
	return nil
}

// shrink lowers the checkpoint first, then deletes the chunks above the new
// size, then records the new size. Each step leaves a consistent manifest.
func (a *Allocator) shrink(ctx context.Context, c Change) (model.Partition, error) {
	if _, err := a.manifest.Truncate(ctx, c.Counterparty, c.ToChunks); err != nil {
		return model.Partition{}, err
	}

	if err := a.store.DeleteRange(ctx, c.Seed, c.ToChunks, math.MaxUint64); err != nil {
		return model.Partition{}, err
	}

	p, err := a.manifest.Resize(ctx, c.Counterparty, c.ToBytes, c.ToChunks)
	if err != nil {
		return p, err
	}

	log.Infow("allocate", "status", "shrunk", "counterparty", c.Counterparty, "seed", c.Seed.Short(),
		"from", c.FromChunks, "to", c.ToChunks, "checkpoint", p.Checkpoint)
	return p, nil
}

func (a *Allocator) rebuild(ctx context.Context, c Change) (model.Partition, error) {
	if _, err := a.manifest.Reset(ctx, c.Counterparty); err != nil {
		return model.Partition{}, err
	}

	return a.manifest.Resize(ctx, c.Counterparty, c.ToBytes, c.ToChunks)
}

func (a *Allocator) build(ctx context.Context, c Change, res *ChangeResult) error {
	p := res.Partition

	br, err := a.builder.Build(ctx, partition.BuildRequest{
		Seed:       p.Seed,
		NChunks:    p.NChunks,
		Checkpoint: p.Checkpoint,
		Restart:    c.Action == ActionRebuild,
		Label:      c.Counterparty,
		OnCheckpoint: func(ctx context.Context, checkpoint int64) error {
			_, err := a.manifest.SetCheckpoint(ctx, c.Counterparty, checkpoint)
			return err
		},
	})
	res.Build = &br

	if latest, gerr := a.manifest.Get(c.Counterparty); gerr == nil {
		res.Partition = latest
	}

	if err != nil {
		return err
	}

	if br.State == model.PartitionIncomplete {
		res.Partition, err = a.manifest.SetState(ctx, c.Counterparty, model.PartitionIncomplete)
		if err != nil {
			return err
		}
		log.Warnw("allocate", "status", "partition incomplete", "counterparty", c.Counterparty, "failed", br.Failed)
		return nil
	}

	return nil
}

// verify samples the finished partition and repairs what it finds.
func (a *Allocator) verify(ctx context.Context, res *ChangeResult) error {
	p := res.Partition

	report, err := a.builder.Verify(ctx, p.Seed, p.NChunks, a.cfg.VerifySampleRate)
	if err != nil {
		return err
	}
	res.Verify = &report

	if !report.OK() {
		bad := append(append([]uint64(nil), report.Missing...), report.Mismatched...)
		if err := a.builder.Repair(ctx, p.Seed, bad); err != nil {
			return err
		}
	}

	res.Partition, err = a.manifest.RecordVerification(ctx, p.Counterparty, report.OK(), time.Now())
	return err
}
