package proof

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/partition"
	"github.com/pyropy/tensorage/lib/cache"
)

type VerifierConfig struct {
	// Timeout bounds one challenge round trip.
	Timeout time.Duration
	// Retries is the number of extra attempts after a timeout.
	Retries            int
	ChallengesPerRound int
	// Concurrency bounds how many holders are verified at once.
	Concurrency int
	RetryMin    time.Duration
	RetryMax    time.Duration
	// CacheChunks is the number of derived chunks kept in memory.
	CacheChunks int
}

// ChallengeResult is the outcome of one challenged index.
type ChallengeResult struct {
	Challenge model.Challenge
	Outcome   model.Outcome
	Attempts  int
	Err       error
}

// RoundResult is the outcome of one verification round against a holder.
type RoundResult struct {
	Counterparty string
	Outcome      model.Outcome
	NChunks      uint64
	Challenges   []ChallengeResult
	Standing     Standing
	Err          error
}

type chunkKey struct {
	seed  model.Seed
	index uint64
}

// Verifier checks holders by recomputing the challenged chunk locally, so
// its storage stays constant per holder.
type Verifier struct {
	self       string
	gen        *partition.Generator
	transport  Transport
	scoreboard *Scoreboard
	cfg        VerifierConfig
	chunks     *cache.LRU[chunkKey, []byte]
}

func NewVerifier(self string, gen *partition.Generator, transport Transport, scoreboard *Scoreboard, cfg VerifierConfig) *Verifier {
	if cfg.ChallengesPerRound <= 0 {
		cfg.ChallengesPerRound = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 250 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	if cfg.CacheChunks <= 0 {
		cfg.CacheChunks = 16
	}

	return &Verifier{
		self:       self,
		gen:        gen,
		transport:  transport,
		scoreboard: scoreboard,
		cfg:        cfg,
		chunks:     cache.NewLRU[chunkKey, []byte](cfg.CacheChunks),
	}
}

// Run verifies every peer of snap except the verifier itself.
func (v *Verifier) Run(ctx context.Context, snap model.StakeSnapshot) []RoundResult {
	var peers []string
	for _, p := range snap.Peers() {
		if p != v.self {
			peers = append(peers, p)
		}
	}

	results := make([]RoundResult, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Concurrency)

	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			results[i] = v.Round(gctx, peer)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Round runs one verification round against peer and records the outcome.
func (v *Verifier) Round(ctx context.Context, peer string) RoundResult {
	res := RoundResult{Counterparty: peer}

	res.Outcome, res.Err = v.round(ctx, peer, &res)
	if ctx.Err() != nil {
		// shutdown is not the holder's fault
		return res
	}

	standing, err := v.scoreboard.Record(peer, res.Outcome, res.NChunks, time.Now())
	if err != nil {
		log.Errorw("verify", "status", "scoreboard write failed", "counterparty", peer, "error", err)
	}
	res.Standing = standing

	stats.Record(metrics.Tagged(ctx, tag.Upsert(metrics.Counterparty, peer), tag.Upsert(metrics.Outcome, string(res.Outcome))),
		metrics.ChallengeOutcomes.M(1))

	log.Infow("verify", "status", "round finished", "counterparty", peer, "outcome", res.Outcome, "n_chunks", res.NChunks,
		"confidence", standing.Confidence, "score", standing.Score, "error", res.Err)
	return res
}

func (v *Verifier) round(ctx context.Context, peer string, res *RoundResult) (model.Outcome, error) {
	var commitment model.Commitment
	_, err := v.withRetry(ctx, func(ctx context.Context) error {
		var err error
		commitment, err = v.transport.Commitment(ctx, peer)
		return err
	})
	switch {
	case errors.Is(err, ErrUnknownCounterparty):
		return model.OutcomeSkipped, err
	case errors.Is(err, ErrProofTimeout):
		return model.OutcomeTimeout, err
	case err != nil:
		return model.OutcomeInvalid, xerrors.Errorf("commitment: %w", err)
	}

	if want := model.DeriveSeed(peer, v.self); commitment.Seed != want {
		return model.OutcomeInvalid, xerrors.Errorf("commitment seed %s: %w", commitment.Seed.Short(), ErrSeedMismatch)
	}
	if commitment.NChunks == 0 {
		return model.OutcomeSkipped, nil
	}
	res.NChunks = commitment.NChunks

	outcome := model.OutcomeValid
	var roundErr error

	for _, index := range partition.SampleIndices(commitment.NChunks, v.cfg.ChallengesPerRound) {
		cr := v.challenge(ctx, peer, commitment.Seed, index)
		res.Challenges = append(res.Challenges, cr)

		switch cr.Outcome {
		case model.OutcomeInvalid:
			outcome, roundErr = model.OutcomeInvalid, cr.Err
		case model.OutcomeTimeout:
			if outcome == model.OutcomeValid {
				outcome, roundErr = model.OutcomeTimeout, cr.Err
			}
		}
	}

	return outcome, roundErr
}

// challenge sends one challenge, retrying timeouts with backoff.
func (v *Verifier) challenge(ctx context.Context, peer string, seed model.Seed, index uint64) ChallengeResult {
	nonce, err := model.NewNonce()
	if err != nil {
		return ChallengeResult{Outcome: model.OutcomeInvalid, Err: xerrors.Errorf("nonce: %w", err)}
	}

	ch := model.Challenge{
		RequestID: uuid.New(),
		Seed:      seed,
		Index:     index,
		Nonce:     nonce,
	}
	cr := ChallengeResult{Challenge: ch}

	var resp model.Response
	cr.Attempts, err = v.withRetry(ctx, func(ctx context.Context) error {
		done := metrics.Timer(ctx, metrics.ChallengeRoundTrip)
		defer done()

		var err error
		resp, err = v.transport.Challenge(ctx, peer, ch)
		return err
	})

	switch {
	case errors.Is(err, ErrProofTimeout):
		cr.Outcome, cr.Err = model.OutcomeTimeout, err
		return cr
	case err != nil:
		cr.Outcome, cr.Err = model.OutcomeInvalid, err
		return cr
	}

	if resp.RequestID != ch.RequestID {
		cr.Outcome, cr.Err = model.OutcomeInvalid, xerrors.Errorf("request id %s: %w", resp.RequestID, ErrProofInvalid)
		return cr
	}

	expected, err := v.expectedChunk(seed, index)
	if err != nil {
		// a local derivation fault says nothing about the holder
		cr.Outcome, cr.Err = model.OutcomeSkipped, err
		return cr
	}

	if !model.DigestEqual(resp.Digest, model.ProofDigest(expected, nonce)) {
		cr.Outcome, cr.Err = model.OutcomeInvalid, xerrors.Errorf("index %d: %w", index, ErrProofInvalid)
		return cr
	}

	cr.Outcome = model.OutcomeValid
	return cr
}

func (v *Verifier) expectedChunk(seed model.Seed, index uint64) ([]byte, error) {
	key := chunkKey{seed: seed, index: index}
	if chunk, ok := v.chunks.Get(key); ok {
		return chunk, nil
	}

	chunk, err := v.gen.DeriveChunk(seed, index)
	if err != nil {
		return nil, err
	}

	v.chunks.Put(key, chunk)
	return chunk, nil
}

// withRetry runs fn under the challenge timeout and retries it while it
// times out. It returns the number of attempts made.
func (v *Verifier) withRetry(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	b := &backoff.Backoff{
		Min:    v.cfg.RetryMin,
		Max:    v.cfg.RetryMax,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = v.attempt(ctx, fn)
		if err == nil || !errors.Is(err, ErrProofTimeout) || attempt > v.cfg.Retries {
			return attempt, err
		}

		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(b.Duration()):
		}
	}
}

func (v *Verifier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && !errors.Is(err, ErrProofTimeout) && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return xerrors.Errorf("%v: %w", err, ErrProofTimeout)
	}
	return err
}
