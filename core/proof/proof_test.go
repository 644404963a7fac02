package proof

import (
	"context"
	"net"
	"net/http"
	"net/rpc"
	fp "path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/manifest"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/partition"
	"github.com/pyropy/tensorage/core/stake"
	holderRPC "github.com/pyropy/tensorage/rpc/holder"
)

const (
	testChunkSize = 1 << 10
	minerID       = "miner"
	validatorID   = "validator"
)

// partitions is a fixed manifest view.
type partitions map[string]model.Partition

func (p partitions) Get(counterparty string) (model.Partition, error) {
	part, ok := p[counterparty]
	if !ok {
		return part, manifest.ErrPartitionNotFound
	}
	return part, nil
}

// localTransport calls holders in process.
type localTransport struct {
	self    string
	holders map[string]*Holder
	// stall makes the first n challenge calls block until ctx is done
	stall atomic.Int32
	calls atomic.Int32
}

func (l *localTransport) Commitment(ctx context.Context, peer string) (model.Commitment, error) {
	return l.holders[peer].Commitment(ctx, l.self)
}

func (l *localTransport) Challenge(ctx context.Context, peer string, ch model.Challenge) (model.Response, error) {
	l.calls.Add(1)
	if l.stall.Add(-1) >= 0 {
		<-ctx.Done()
		return model.Response{}, ErrProofTimeout
	}
	return l.holders[peer].Respond(ctx, l.self, ch)
}

type fixture struct {
	store     *chunkstore.LevelStore
	gen       *partition.Generator
	seed      model.Seed
	holder    *Holder
	transport *localTransport
	board     *Scoreboard
}

func newFixture(t *testing.T, nChunks uint64) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := chunkstore.NewLevelStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gen, err := partition.NewGenerator(testChunkSize)
	require.NoError(t, err)

	seed := model.DeriveSeed(minerID, validatorID)
	b := partition.NewBuilder(gen, store, partition.BuilderConfig{Workers: 2, CheckpointEvery: 1})
	res, err := b.Build(ctx, partition.BuildRequest{Seed: seed, NChunks: nChunks, Checkpoint: model.NoCheckpoint})
	require.NoError(t, err)

	holder := NewHolder(minerID, "test", partitions{
		validatorID: {Owner: minerID, Counterparty: validatorID, Seed: seed, NChunks: nChunks, Checkpoint: res.Checkpoint},
	}, store)

	board, err := OpenScoreboard(fp.Join(t.TempDir(), "scores.db"), 0.9)
	require.NoError(t, err)
	t.Cleanup(func() { _ = board.Close() })

	return &fixture{
		store:     store,
		gen:       gen,
		seed:      seed,
		holder:    holder,
		transport: &localTransport{self: validatorID, holders: map[string]*Holder{minerID: holder}},
		board:     board,
	}
}

func (f *fixture) verifier(cfg VerifierConfig) *Verifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	cfg.RetryMin = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond

	return NewVerifier(validatorID, f.gen, f.transport, f.board, cfg)
}

func TestRound_Valid(t *testing.T) {
	f := newFixture(t, 10)
	v := f.verifier(VerifierConfig{ChallengesPerRound: 3})

	res := v.Round(context.Background(), minerID)
	require.NoError(t, res.Err)

	assert.Equal(t, model.OutcomeValid, res.Outcome)
	assert.Equal(t, uint64(10), res.NChunks)
	assert.Len(t, res.Challenges, 3)
	assert.InDelta(t, 0.1, res.Standing.Confidence, 1e-9)
	assert.InDelta(t, 1.0, res.Standing.Score, 1e-9)
	assert.Equal(t, uint64(1), res.Standing.Valid)
}

func TestChallenge_MissingIndexNeverValid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.store.DeleteRange(ctx, f.seed, 3, 4))

	v := f.verifier(VerifierConfig{})
	for i := 0; i < 5; i++ {
		cr := v.challenge(ctx, minerID, f.seed, 3)
		assert.Contains(t, []model.Outcome{model.OutcomeInvalid, model.OutcomeTimeout}, cr.Outcome)
		assert.ErrorIs(t, cr.Err, ErrChunkUnavailable)
	}

	// challenging every index catches the gap
	res := f.verifier(VerifierConfig{ChallengesPerRound: 10}).Round(ctx, minerID)
	assert.Equal(t, model.OutcomeInvalid, res.Outcome)
	assert.Equal(t, uint64(1), res.Standing.Invalid)
	assert.Zero(t, res.Standing.Confidence)
}

func TestChallenge_CorruptChunkInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)
	require.NoError(t, f.store.Put(ctx, f.seed, 2, make([]byte, testChunkSize)))

	cr := f.verifier(VerifierConfig{}).challenge(ctx, minerID, f.seed, 2)
	assert.Equal(t, model.OutcomeInvalid, cr.Outcome)
	assert.ErrorIs(t, cr.Err, ErrProofInvalid)
}

func TestChallenge_ReplayedDigestRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	chunk, err := f.store.Get(ctx, f.seed, 1)
	require.NoError(t, err)

	var old model.Nonce
	stale := model.ProofDigest(chunk, old)

	fresh, err := model.NewNonce()
	require.NoError(t, err)
	assert.False(t, model.DigestEqual(stale, model.ProofDigest(chunk, fresh)))
}

func TestRound_TimeoutRetried(t *testing.T) {
	f := newFixture(t, 4)

	f.transport.stall.Store(1)
	res := f.verifier(VerifierConfig{Retries: 2}).Round(context.Background(), minerID)
	assert.Equal(t, model.OutcomeValid, res.Outcome)
	require.Len(t, res.Challenges, 1)
	assert.Equal(t, 2, res.Challenges[0].Attempts)

	f.transport.calls.Store(0)
	f.transport.stall.Store(10)
	res = f.verifier(VerifierConfig{Retries: 2}).Round(context.Background(), minerID)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrProofTimeout)
	assert.Equal(t, int32(3), f.transport.calls.Load())
	assert.Equal(t, uint64(1), res.Standing.Timeouts)
	assert.Equal(t, uint64(1), res.Standing.ConsecutiveMisses)
}

func TestRound_UnknownCounterpartySkipped(t *testing.T) {
	f := newFixture(t, 4)
	f.transport.self = "stranger"

	v := NewVerifier("stranger", f.gen, f.transport, f.board, VerifierConfig{})
	res := v.Round(context.Background(), minerID)

	assert.Equal(t, model.OutcomeSkipped, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrUnknownCounterparty)
}

func TestRound_SeedMismatchInvalid(t *testing.T) {
	f := newFixture(t, 4)
	f.holder.partitions = partitions{
		validatorID: {Counterparty: validatorID, Seed: model.DeriveSeed(validatorID, minerID), NChunks: 4, Checkpoint: 3},
	}

	res := f.verifier(VerifierConfig{}).Round(context.Background(), minerID)
	assert.Equal(t, model.OutcomeInvalid, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrSeedMismatch)
}

func TestHolder_Refusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	_, err := f.holder.Respond(ctx, "stranger", model.Challenge{Seed: f.seed})
	require.ErrorIs(t, err, ErrUnknownCounterparty)

	_, err = f.holder.Respond(ctx, validatorID, model.Challenge{Seed: model.DeriveSeed("x", "y")})
	require.ErrorIs(t, err, ErrSeedMismatch)

	_, err = f.holder.Respond(ctx, validatorID, model.Challenge{Seed: f.seed, Index: 4})
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	c, err := f.holder.Commitment(ctx, validatorID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), c.NChunks)
	assert.Equal(t, f.seed, c.Seed)
}

func TestRun_SkipsSelf(t *testing.T) {
	f := newFixture(t, 4)
	v := f.verifier(VerifierConfig{Concurrency: 2})

	results := v.Run(context.Background(), model.NewStakeSnapshot(map[string]uint64{minerID: 1, validatorID: 1}))
	require.Len(t, results, 1)
	assert.Equal(t, minerID, results[0].Counterparty)
	assert.Equal(t, model.OutcomeValid, results[0].Outcome)
}

func TestScoreboard_Decay(t *testing.T) {
	board, err := OpenScoreboard(fp.Join(t.TempDir(), "scores.db"), 0.5)
	require.NoError(t, err)
	defer board.Close()

	now := time.Now()
	st, err := board.Record("m", model.OutcomeValid, 8, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, st.Confidence, 1e-9)
	assert.InDelta(t, 4, st.Score, 1e-9)

	st, err = board.Record("m", model.OutcomeValid, 8, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, st.Confidence, 1e-9)

	// one miss lowers standing without zeroing it
	st, err = board.Record("m", model.OutcomeInvalid, 8, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.375, st.Confidence, 1e-9)
	assert.InDelta(t, 3, st.Score, 1e-9)
	assert.Equal(t, uint64(1), st.ConsecutiveMisses)

	st, err = board.Record("m", model.OutcomeValid, 8, now)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveMisses)
	assert.Equal(t, uint64(3), st.Valid)
}

func TestScoreboard_SkippedKeepsStanding(t *testing.T) {
	board, err := OpenScoreboard(fp.Join(t.TempDir(), "scores.db"), 0.5)
	require.NoError(t, err)
	defer board.Close()

	now := time.Now()
	before, err := board.Record("m", model.OutcomeValid, 8, now)
	require.NoError(t, err)

	var st Standing
	for i := 0; i < 100; i++ {
		st, err = board.Record("m", model.OutcomeSkipped, 0, now)
		require.NoError(t, err)
	}

	assert.InDelta(t, before.Confidence, st.Confidence, 1e-9)
	assert.InDelta(t, before.Score, st.Score, 1e-9)
	assert.Equal(t, uint64(100), st.Skipped)
	assert.Zero(t, st.ConsecutiveMisses)
	assert.Equal(t, model.OutcomeSkipped, st.LastOutcome)
}

func TestScoreboard_WeightsAndReopen(t *testing.T) {
	path := fp.Join(t.TempDir(), "scores.db")
	board, err := OpenScoreboard(path, 0.9)
	require.NoError(t, err)

	now := time.Now()
	_, err = board.Record("a", model.OutcomeValid, 10, now)
	require.NoError(t, err)
	_, err = board.Record("b", model.OutcomeValid, 30, now)
	require.NoError(t, err)
	_, err = board.Record("c", model.OutcomeTimeout, 30, now)
	require.NoError(t, err)
	require.NoError(t, board.Close())

	board, err = OpenScoreboard(path, 0.9)
	require.NoError(t, err)
	defer board.Close()

	w, err := board.Weights()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, w["a"], 1e-9)
	assert.InDelta(t, 0.75, w["b"], 1e-9)
	assert.Zero(t, w["c"])

	require.NoError(t, board.Forget("c"))
	_, found, err := board.Get("c")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenScoreboard_InvalidAlpha(t *testing.T) {
	_, err := OpenScoreboard(fp.Join(t.TempDir(), "s.db"), 1)
	require.ErrorIs(t, err, ErrInvalidAlpha)
}

// rpcHolder exposes a Holder under the wire service name.
type rpcHolder struct {
	h     *Holder
	delay time.Duration
}

func (r *rpcHolder) Ping(args *holderRPC.PingArgs, reply *holderRPC.PingReply) error {
	reply.ID = r.h.ID()
	reply.Version = r.h.Version()
	return nil
}

func (r *rpcHolder) Commitment(args *holderRPC.CommitmentArgs, reply *holderRPC.CommitmentReply) error {
	c, err := r.h.Commitment(context.Background(), args.From)
	if err != nil {
		return err
	}

	reply.Version, reply.Seed, reply.NChunks = c.Version, c.Seed, c.NChunks
	return nil
}

func (r *rpcHolder) Challenge(args *holderRPC.ChallengeArgs, reply *holderRPC.ChallengeReply) error {
	time.Sleep(r.delay)

	resp, err := r.h.Respond(context.Background(), args.From, model.Challenge{
		RequestID: args.RequestID, Seed: args.Seed, Index: args.Index, Nonce: args.Nonce,
	})
	if err != nil {
		return err
	}

	reply.RequestID, reply.Digest = resp.RequestID, resp.Digest
	return nil
}

func serveHolder(t *testing.T, api *rpcHolder) string {
	t.Helper()

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName(holderRPC.Service, api))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() { _ = http.Serve(l, srv) }()
	return l.Addr().String()
}

func TestRPCTransport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 6)
	addr := serveHolder(t, &rpcHolder{h: f.holder})

	tr := NewRPCTransport(validatorID)
	tr.SetAddresses(model.StakeSnapshot{Entries: map[string]model.StakeEntry{minerID: {Weight: 1, Address: addr}}})

	ping, err := tr.Ping(ctx, minerID)
	require.NoError(t, err)
	assert.Equal(t, minerID, ping.ID)

	v := NewVerifier(validatorID, f.gen, tr, f.board, VerifierConfig{ChallengesPerRound: 6, Timeout: time.Second})
	res := v.Round(ctx, minerID)
	require.NoError(t, res.Err)
	assert.Equal(t, model.OutcomeValid, res.Outcome)

	// errors keep their identity across the wire
	stranger := NewRPCTransport("stranger")
	stranger.SetAddresses(model.StakeSnapshot{Entries: map[string]model.StakeEntry{minerID: {Address: addr}}})
	_, err = stranger.Commitment(ctx, minerID)
	require.ErrorIs(t, err, ErrUnknownCounterparty)

	_, err = NewRPCTransport(validatorID).Commitment(ctx, minerID)
	require.ErrorIs(t, err, ErrUnknownAddress)
}

func TestRPCTransport_Timeout(t *testing.T) {
	f := newFixture(t, 2)
	addr := serveHolder(t, &rpcHolder{h: f.holder, delay: 200 * time.Millisecond})

	tr := NewRPCTransport(validatorID)
	tr.SetAddresses(model.StakeSnapshot{Entries: map[string]model.StakeEntry{minerID: {Address: addr}}})

	v := NewVerifier(validatorID, f.gen, tr, f.board, VerifierConfig{
		Timeout:  20 * time.Millisecond,
		Retries:  1,
		RetryMin: time.Millisecond,
	})

	res := v.Round(context.Background(), minerID)
	assert.Equal(t, model.OutcomeTimeout, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrProofTimeout)
}

func TestMonitor_PassPrunesAndReports(t *testing.T) {
	f := newFixture(t, 4)
	v := f.verifier(VerifierConfig{})

	_, err := f.board.Record("gone", model.OutcomeValid, 4, time.Now())
	require.NoError(t, err)

	var seen []model.StakeSnapshot
	provider := stake.NewStatic(map[string]uint64{minerID: 1, validatorID: 1})
	m := NewMonitor(v, provider, time.Hour, func(s model.StakeSnapshot) { seen = append(seen, s) })

	results := m.Pass(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, model.OutcomeValid, results[0].Outcome)
	assert.Len(t, seen, 1)

	_, found, err := f.board.Get("gone")
	require.NoError(t, err)
	assert.False(t, found)

	select {
	case got := <-m.Results():
		assert.Len(t, got, 1)
	default:
		t.Fatal("pass not published")
	}
}
