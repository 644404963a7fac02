package proof

import (
	"context"
	"time"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/stake"
)

// Monitor runs verification rounds over the stake table on an interval.
type Monitor struct {
	verifier *Verifier
	stake    stake.Provider
	interval time.Duration
	// onSnapshot sees each snapshot before its rounds run
	onSnapshot func(model.StakeSnapshot)
	results    chan []RoundResult
}

func NewMonitor(verifier *Verifier, provider stake.Provider, interval time.Duration, onSnapshot func(model.StakeSnapshot)) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Monitor{
		verifier:   verifier,
		stake:      provider,
		interval:   interval,
		onSnapshot: onSnapshot,
		results:    make(chan []RoundResult, 4),
	}
}

// Results delivers the round results of each pass. Passes nobody reads are
// dropped. The channel is closed when Start returns.
func (m *Monitor) Results() <-chan []RoundResult {
	return m.results
}

// Start verifies immediately and then once per interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.results)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Pass(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Pass runs one round against every peer.
func (m *Monitor) Pass(ctx context.Context) []RoundResult {
	snap, err := m.stake.Snapshot(ctx)
	if err != nil {
		log.Errorw("monitor", "status", "stake snapshot failed", "error", err)
		return nil
	}

	if m.onSnapshot != nil {
		m.onSnapshot(snap)
	}

	results := m.verifier.Run(ctx, snap)
	if ctx.Err() != nil {
		return results
	}

	m.prune(snap)

	weights, err := m.verifier.scoreboard.Weights()
	if err != nil {
		log.Errorw("monitor", "status", "weights failed", "error", err)
	} else {
		log.Infow("monitor", "status", "pass finished", "rounds", len(results), "weights", weights)
	}

	select {
	case m.results <- results:
	default:
	}

	return results
}

// prune forgets holders that left the stake table.
func (m *Monitor) prune(snap model.StakeSnapshot) {
	all, err := m.verifier.scoreboard.All()
	if err != nil {
		log.Errorw("monitor", "status", "read standings failed", "error", err)
		return
	}

	for _, st := range all {
		if snap.Has(st.Counterparty) {
			continue
		}

		if err := m.verifier.scoreboard.Forget(st.Counterparty); err != nil {
			log.Errorw("monitor", "status", "forget failed", "counterparty", st.Counterparty, "error", err)
			continue
		}
		log.Infow("monitor", "status", "forgot deregistered holder", "counterparty", st.Counterparty)
	}
}
