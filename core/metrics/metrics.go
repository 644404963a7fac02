package metrics

import (
	"context"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"
)

var defaultMillisecondsDistribution = view.Distribution(
	1, 2, 5, 10, 20, 50, 100, 200, 500, // local disk and derivation
	1000, 2000, 5000, 10000, 15000, 30000, 60000, // network round trips
)

// Tags
var (
	Counterparty, _ = tag.NewKey("counterparty")
	Outcome, _      = tag.NewKey("outcome")
	Action, _       = tag.NewKey("action")
	State, _        = tag.NewKey("state")
)

// Measures
var (
	ChunksGenerated    = stats.Int64("build/chunks_generated", "Chunks derived and written", stats.UnitDimensionless)
	ChunksSkipped      = stats.Int64("build/chunks_skipped", "Chunks already present on resume", stats.UnitDimensionless)
	ChunkRetries       = stats.Int64("build/chunk_retries", "Chunk generation retries", stats.UnitDimensionless)
	ChunkFailures      = stats.Int64("build/chunk_failures", "Chunks that exhausted retries", stats.UnitDimensionless)
	ChunkWriteDuration = stats.Float64("build/chunk_write_ms", "Duration of deriving and storing one chunk", stats.UnitMilliseconds)
	Checkpoint         = stats.Int64("build/checkpoint", "Last persisted checkpoint index", stats.UnitDimensionless)

	VerifyMismatches = stats.Int64("verify/mismatches", "Sampled chunks missing or corrupted", stats.UnitDimensionless)

	PartitionChanges = stats.Int64("allocate/partition_changes", "Partitions created, resized or deleted", stats.UnitDimensionless)
	CommittedBytes   = stats.Int64("allocate/committed_bytes", "Bytes committed across all partitions", stats.UnitBytes)

	ChallengesServed   = stats.Int64("proof/challenges_served", "Challenges answered by the holder", stats.UnitDimensionless)
	ChallengeOutcomes  = stats.Int64("proof/challenge_outcomes", "Verifier challenge results", stats.UnitDimensionless)
	ChallengeRoundTrip = stats.Float64("proof/round_trip_ms", "Challenge round trip duration", stats.UnitMilliseconds)
)

// Views
var (
	ChunksGeneratedView = &view.View{
		Measure:     ChunksGenerated,
		Aggregation: view.Sum(),
	}
	ChunksSkippedView = &view.View{
		Measure:     ChunksSkipped,
		Aggregation: view.Sum(),
	}
	ChunkRetriesView = &view.View{
		Measure:     ChunkRetries,
		Aggregation: view.Sum(),
	}
	ChunkFailuresView = &view.View{
		Measure:     ChunkFailures,
		Aggregation: view.Sum(),
	}
	ChunkWriteDurationView = &view.View{
		Measure:     ChunkWriteDuration,
		Aggregation: defaultMillisecondsDistribution,
	}
	CheckpointView = &view.View{
		Measure:     Checkpoint,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Counterparty},
	}
	VerifyMismatchesView = &view.View{
		Measure:     VerifyMismatches,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Counterparty},
	}
	PartitionChangesView = &view.View{
		Measure:     PartitionChanges,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Action, State},
	}
	CommittedBytesView = &view.View{
		Measure:     CommittedBytes,
		Aggregation: view.LastValue(),
	}
	ChallengesServedView = &view.View{
		Measure:     ChallengesServed,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Counterparty, Outcome},
	}
	ChallengeOutcomesView = &view.View{
		Measure:     ChallengeOutcomes,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Counterparty, Outcome},
	}
	ChallengeRoundTripView = &view.View{
		Measure:     ChallengeRoundTrip,
		Aggregation: defaultMillisecondsDistribution,
	}
)

// MinerViews are registered by the storage holder.
var MinerViews = []*view.View{
	ChunksGeneratedView,
	ChunksSkippedView,
	ChunkRetriesView,
	ChunkFailuresView,
	ChunkWriteDurationView,
	CheckpointView,
	VerifyMismatchesView,
	PartitionChangesView,
	CommittedBytesView,
	ChallengesServedView,
}

// ValidatorViews are registered by the verifier.
var ValidatorViews = []*view.View{
	ChallengeOutcomesView,
	ChallengeRoundTripView,
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Milliseconds())
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
		return time.Since(start)
	}
}

// Tagged returns ctx carrying the given tag upserts. Invalid values are
// dropped rather than failing the caller.
func Tagged(ctx context.Context, mutators ...tag.Mutator) context.Context {
	tctx, err := tag.New(ctx, mutators...)
	if err != nil {
		return ctx
	}

	return tctx
}

// Exporter registers views and returns a prometheus handler for them.
func Exporter(namespace string, views ...*view.View) (http.Handler, error) {
	if err := view.Register(views...); err != nil {
		return nil, xerrors.Errorf("register views: %w", err)
	}

	exporter, err := prometheus.NewExporter(prometheus.Options{
		Namespace: namespace,
	})
	if err != nil {
		return nil, xerrors.Errorf("create prometheus exporter: %w", err)
	}

	return exporter, nil
}
