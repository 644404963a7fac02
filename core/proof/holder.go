package proof

import (
	"context"
	"errors"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/manifest"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("proof")

var (
	ErrProofInvalid        = errors.New("proof invalid")
	ErrProofTimeout        = errors.New("proof timed out")
	ErrUnknownCounterparty = errors.New("no partition for counterparty")
	ErrSeedMismatch        = errors.New("seed does not match partition")
	ErrIndexOutOfRange     = errors.New("index outside committed range")
	ErrChunkUnavailable    = errors.New("chunk unavailable")
)

// Partitions is the read side of the manifest.
type Partitions interface {
	Get(counterparty string) (model.Partition, error)
}

var _ Partitions = (*manifest.Manifest)(nil)

// Holder answers challenges from its own chunk store. It never derives
// chunk content.
type Holder struct {
	id         string
	version    string
	partitions Partitions
	store      chunkstore.Store
}

func NewHolder(id, version string, partitions Partitions, store chunkstore.Store) *Holder {
	return &Holder{
		id:         id,
		version:    version,
		partitions: partitions,
		store:      store,
	}
}

func (h *Holder) ID() string { return h.id }

func (h *Holder) Version() string { return h.version }

func (h *Holder) partition(counterparty string) (model.Partition, error) {
	p, err := h.partitions.Get(counterparty)
	if errors.Is(err, manifest.ErrPartitionNotFound) {
		return p, xerrors.Errorf("%s: %w", counterparty, ErrUnknownCounterparty)
	}
	return p, err
}

// Commitment reports the seed and the committed chunk count held for
// counterparty. Only the contiguous checkpointed prefix is claimed.
func (h *Holder) Commitment(_ context.Context, counterparty string) (model.Commitment, error) {
	p, err := h.partition(counterparty)
	if err != nil {
		return model.Commitment{}, err
	}

	return model.Commitment{
		Version: h.version,
		Seed:    p.Seed,
		NChunks: p.Committed(),
	}, nil
}

// Respond proves possession of one chunk for counterparty.
func (h *Holder) Respond(ctx context.Context, counterparty string, ch model.Challenge) (model.Response, error) {
	ctx = metrics.Tagged(ctx, tag.Upsert(metrics.Counterparty, counterparty))

	resp, err := h.respond(ctx, counterparty, ch)

	outcome := "served"
	if err != nil {
		outcome = "refused"
		log.Warnw("challenge", "status", "refused", "counterparty", counterparty, "request_id", ch.RequestID,
			"index", ch.Index, "error", err)
	} else {
		log.Debugw("challenge", "status", "served", "counterparty", counterparty, "request_id", ch.RequestID, "index", ch.Index)
	}
	stats.Record(metrics.Tagged(ctx, tag.Upsert(metrics.Outcome, outcome)), metrics.ChallengesServed.M(1))

	return resp, err
}

func (h *Holder) respond(ctx context.Context, counterparty string, ch model.Challenge) (model.Response, error) {
	p, err := h.partition(counterparty)
	if err != nil {
		return model.Response{}, err
	}

	if p.Seed != ch.Seed {
		return model.Response{}, ErrSeedMismatch
	}
	if ch.Index >= p.NChunks {
		return model.Response{}, xerrors.Errorf("index %d of %d: %w", ch.Index, p.NChunks, ErrIndexOutOfRange)
	}

	chunk, err := h.store.Get(ctx, ch.Seed, ch.Index)
	if err != nil {
		return model.Response{}, xerrors.Errorf("index %d: %w", ch.Index, errors.Join(ErrChunkUnavailable, err))
	}

	return model.Response{
		RequestID: ch.RequestID,
		Digest:    model.ProofDigest(chunk, ch.Nonce),
	}, nil
}
