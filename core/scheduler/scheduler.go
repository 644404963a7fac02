package scheduler

import (
	"context"
	"time"

	"github.com/pyropy/tensorage/core/allocator"
	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/stake"
	"github.com/pyropy/tensorage/lib/logger"
)

var log, _ = logger.New("scheduler")

// Allocator is the part of allocator.Allocator the scheduler drives.
type Allocator interface {
	Allocate(ctx context.Context, snap model.StakeSnapshot) (allocator.Report, error)
}

var _ Allocator = (*allocator.Allocator)(nil)

// TickResult is published after every reallocation tick.
type TickResult struct {
	At     time.Time
	Reason string
	Stake  model.StakeSnapshot
	Report allocator.Report
	Err    error
}

// Scheduler reruns allocation on an interval and whenever the stake table
// changes. Ticks never overlap; a tick interrupted by cancellation leaves
// each partition at its last persisted checkpoint for the next one.
type Scheduler struct {
	alloc    Allocator
	stake    stake.Provider
	interval time.Duration

	trigger chan string
	results chan TickResult
}

func New(alloc Allocator, provider stake.Provider, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	return &Scheduler{
		alloc:    alloc,
		stake:    provider,
		interval: interval,
		trigger:  make(chan string, 1),
		results:  make(chan TickResult, 16),
	}
}

// Results delivers tick outcomes. Results are dropped when nobody reads.
// The channel is closed when Start returns.
func (s *Scheduler) Results() <-chan TickResult {
	return s.results
}

// Trigger requests a tick as soon as the current one finishes. Requests
// made while one is already pending are merged.
func (s *Scheduler) Trigger(reason string) {
	select {
	case s.trigger <- reason:
	default:
	}
}

// Tick runs one reallocation against a fresh stake snapshot.
func (s *Scheduler) Tick(ctx context.Context, reason string) TickResult {
	res := TickResult{At: time.Now(), Reason: reason}

	snap, err := s.stake.Snapshot(ctx)
	if err != nil {
		res.Err = err
		log.Errorw("tick", "status", "stake snapshot failed", "reason", reason, "error", err)
		return res
	}
	res.Stake = snap

	res.Report, res.Err = s.alloc.Allocate(ctx, snap)
	if res.Err != nil {
		log.Errorw("tick", "status", "allocation failed", "reason", reason, "error", res.Err)
	} else {
		log.Infow("tick", "status", "done", "reason", reason, "changes", len(res.Report.Results),
			"failed", res.Report.Failed(), "incomplete", res.Report.Incomplete(), "took", time.Since(res.At))
	}

	return res
}

// Start runs an immediate tick and then ticks on the interval, on Trigger,
// and on stake table changes until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.results)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var changes <-chan model.StakeSnapshot
	if w, ok := s.stake.(stake.Watcher); ok {
		changes = w.Watch(ctx)
	}

	log.Infow("scheduler", "status", "started", "interval", s.interval)
	defer log.Infow("scheduler", "status", "stopped")

	s.publish(s.Tick(ctx, "startup"))

	for {
		var reason string

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason = "interval"
		case reason = <-s.trigger:
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			reason = "stake change"
		}

		s.publish(s.Tick(ctx, reason))
	}
}

func (s *Scheduler) publish(res TickResult) {
	select {
	case s.results <- res:
	default:
		log.Warnw("tick", "status", "result dropped", "reason", res.Reason)
	}
}
