package miner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/config"
	"github.com/pyropy/tensorage/core/manifest"
	"github.com/pyropy/tensorage/core/partition"
	"github.com/pyropy/tensorage/core/proof"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("miner")

// Version is reported to verifiers in commitments.
const Version = "0.3.0"

// Miner owns the local chunk stores and the manifest describing them.
type Miner struct {
	Cfg       *config.Config
	Root      string
	Store     *chunkstore.LevelStore
	Manifest  *manifest.Manifest
	Builder   *partition.Builder
	Allocator *allocator.Allocator
	Holder    *proof.Holder
}

func NewMiner(ctx context.Context, cfg *config.Config, confirmer allocator.Confirmer) (*Miner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("config: %w", err)
	}

	root, err := cfg.DataRoot()
	if err != nil {
		return nil, xerrors.Errorf("data root: %w", err)
	}

	store, err := chunkstore.NewLevelStore(root)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Open(ctx, root, cfg.Identity)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gen, err := partition.NewGenerator(cfg.Allocation.ChunkSize)
	if err != nil {
		_ = m.Close()
		_ = store.Close()
		return nil, err
	}

	builder := partition.NewBuilder(gen, store, BuilderConfig(cfg))
	alloc := allocator.New(AllocatorConfig(cfg), root, m, store, builder, confirmer)

	log.Infow("startup", "status", "miner opened", "identity", cfg.Identity, "root", root,
		"capacity", cfg.Allocation.Capacity.String(), "chunk_size", cfg.Allocation.ChunkSize)

	return &Miner{
		Cfg:       cfg,
		Root:      root,
		Store:     store,
		Manifest:  m,
		Builder:   builder,
		Allocator: alloc,
		Holder:    proof.NewHolder(cfg.Identity, Version, m, store),
	}, nil
}

func (m *Miner) Close() error {
	return errors.Join(m.Manifest.Close(), m.Store.Close())
}

func AllocatorConfig(cfg *config.Config) allocator.Config {
	a := cfg.Allocation
	return allocator.Config{
		Capacity:         uint64(a.Capacity),
		ChunkSize:        a.ChunkSize,
		MinChunks:        a.MinChunks,
		MaxChunks:        a.MaxChunks,
		PartitionWorkers: a.PartitionWorkers,
		Restart:          a.Restart,
		DisablePrompt:    a.DisablePrompt,
		DisableVerify:    a.DisableVerify,
		VerifySampleRate: a.VerifySampleRate,
	}
}

func BuilderConfig(cfg *config.Config) partition.BuilderConfig {
	bc := partition.DefaultBuilderConfig()
	bc.Workers = cfg.Allocation.Workers
	bc.MaxRetries = cfg.Allocation.MaxChunkRetries
	bc.CheckpointEvery = cfg.Allocation.CheckpointEvery
	return bc
}

// LogConfirmer rejects plans that add counterparties and logs them instead.
// Unattended miners use it; operators approve with the allocate command or
// set allocation.disable_prompt.
type LogConfirmer struct{}

var _ allocator.Confirmer = LogConfirmer{}

func (LogConfirmer) Confirm(_ context.Context, plan allocator.Plan) (bool, error) {
	log.Warnw("allocate", "status", "approval required",
		"new_counterparties", plan.NewCounterparties(),
		"write", humanize.IBytes(plan.WriteBytes()))
	return false, nil
}

// PromptConfirmer shows the plan on out and asks the operator on the
// terminal. promptui cannot be interrupted, so a prompt abandoned through
// ctx keeps reading stdin until the process exits. Use it from one-shot
// commands only.
type PromptConfirmer struct {
	Out io.Writer
}

var _ allocator.Confirmer = (*PromptConfirmer)(nil)

func NewPromptConfirmer() *PromptConfirmer {
	return &PromptConfirmer{Out: os.Stdout}
}

func (p *PromptConfirmer) Confirm(ctx context.Context, plan allocator.Plan) (bool, error) {
	fmt.Fprintf(p.Out, "\nAllocation plan for %s (%s):\n%s\n", plan.Owner, time.Now().Format(time.RFC3339), plan)

	type answer struct {
		ok  bool
		err error
	}
	done := make(chan answer, 1)

	go func() {
		_, err := (&promptui.Prompt{
			Label:     fmt.Sprintf("Allocate partitions for %d new counterparties", len(plan.NewCounterparties())),
			IsConfirm: true,
		}).Run()

		switch {
		case errors.Is(err, promptui.ErrAbort):
			done <- answer{ok: false}
		case err != nil:
			done <- answer{err: err}
		default:
			done <- answer{ok: true}
		}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-done:
		return a.ok, a.err
	}
}
