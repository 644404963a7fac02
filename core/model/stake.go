package model

import (
	"errors"
	"math"
	"math/bits"
	"sort"
	"time"
)

var ErrWeightOverflow = errors.New("total stake weight overflows uint64")

// StakeEntry is one row of the stake table.
type StakeEntry struct {
	Weight  uint64
	Address string
}

// StakeSnapshot is a timestamped copy of the stake table. It is passed
// explicitly so allocation can run against synthetic tables.
type StakeSnapshot struct {
	Entries map[string]StakeEntry
	TakenAt time.Time
}

func NewStakeSnapshot(weights map[string]uint64) StakeSnapshot {
	entries := make(map[string]StakeEntry, len(weights))
	for peer, w := range weights {
		entries[peer] = StakeEntry{Weight: w}
	}

	return StakeSnapshot{Entries: entries, TakenAt: time.Now()}
}

// TotalWeight sums the weights, saturating at math.MaxUint64.
func (s StakeSnapshot) TotalWeight() uint64 {
	total, err := s.CheckedTotalWeight()
	if err != nil {
		return math.MaxUint64
	}

	return total
}

// CheckedTotalWeight sums the weights and fails with ErrWeightOverflow
// when the sum does not fit in 64 bits.
func (s StakeSnapshot) CheckedTotalWeight() (uint64, error) {
	var total, carry uint64
	for _, e := range s.Entries {
		total, carry = bits.Add64(total, e.Weight, 0)
		if carry != 0 {
			return 0, ErrWeightOverflow
		}
	}

	return total, nil
}

func (s StakeSnapshot) Has(peer string) bool {
	_, ok := s.Entries[peer]
	return ok
}

// Peers returns the peer ids in lexical order.
func (s StakeSnapshot) Peers() []string {
	peers := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		peers = append(peers, p)
	}

	sort.Strings(peers)
	return peers
}
