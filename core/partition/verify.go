package partition

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"go.opencensus.io/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/chunkstore"
	"github.com/pyropy/tensorage/core/metrics"
	"github.com/pyropy/tensorage/core/model"
)

var ErrInvalidSampleRate = errors.New("sample rate must be in (0, 1]")

// SampleSize returns ceil(n * rate), at least one for a non empty partition.
func SampleSize(n uint64, rate float64) int {
	if n == 0 {
		return 0
	}

	k := uint64(math.Ceil(float64(n) * rate))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	return int(k)
}

// SampleIndices draws k distinct indices uniformly from [0, n) using
// Floyd's algorithm. The result is sorted.
func SampleIndices(n uint64, k int) []uint64 {
	if k <= 0 || n == 0 {
		return nil
	}
	if uint64(k) > n {
		k = int(n)
	}

	picked := make(map[uint64]struct{}, k)
	for j := n - uint64(k); j < n; j++ {
		t := rand.Uint64N(j + 1)
		if _, ok := picked[t]; ok {
			t = j
		}
		picked[t] = struct{}{}
	}

	out := make([]uint64, 0, k)
	for idx := range picked {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Verify re-derives a random sample of the partition and compares it
// against the stored bytes.
func (b *Builder) Verify(ctx context.Context, seed model.Seed, nChunks uint64, sampleRate float64) (model.VerificationReport, error) {
	report := model.VerificationReport{Seed: seed, NChunks: nChunks}

	if sampleRate <= 0 || sampleRate > 1 {
		return report, ErrInvalidSampleRate
	}

	indices := SampleIndices(nChunks, SampleSize(nChunks, sampleRate))
	report.Sampled = len(indices)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, index := range indices {
		index := index
		g.Go(func() error {
			stored, err := b.store.Get(gctx, seed, index)
			if errors.Is(err, chunkstore.ErrNotFound) {
				mu.Lock()
				report.Missing = append(report.Missing, index)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return xerrors.Errorf("verify %s/%d: %w", seed.Short(), index, err)
			}

			expected, err := b.gen.DeriveChunk(seed, index)
			if err != nil {
				return err
			}

			if !bytes.Equal(stored, expected) {
				mu.Lock()
				report.Mismatched = append(report.Mismatched, index)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i] < report.Missing[j] })
	sort.Slice(report.Mismatched, func(i, j int) bool { return report.Mismatched[i] < report.Mismatched[j] })

	bad := len(report.Missing) + len(report.Mismatched)
	if bad > 0 {
		stats.Record(ctx, metrics.VerifyMismatches.M(int64(bad)))
		log.Warnw("verify", "status", "mismatch", "seed", seed.Short(), "sampled", report.Sampled,
			"missing", report.Missing, "mismatched", report.Mismatched)
	} else {
		log.Infow("verify", "status", "ok", "seed", seed.Short(), "sampled", report.Sampled)
	}

	return report, nil
}

// Repair rewrites the given indices with their derived content.
func (b *Builder) Repair(ctx context.Context, seed model.Seed, indices []uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)

	for _, index := range indices {
		index := index
		g.Go(func() error {
			data, err := b.gen.DeriveChunk(seed, index)
			if err != nil {
				return err
			}

			return b.store.Put(gctx, seed, index, data)
		})
	}

	if err := g.Wait(); err != nil {
		return xerrors.Errorf("repair %s: %w", seed.Short(), err)
	}

	log.Infow("verify", "status", "repaired", "seed", seed.Short(), "chunks", len(indices))
	return nil
}
