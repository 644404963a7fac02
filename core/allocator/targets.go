package allocator

import (
	"math/bits"

	"github.com/pyropy/tensorage/core/model"
)

// Target is the partition size a counterparty is entitled to.
type Target struct {
	Counterparty string
	Weight       uint64
	NChunks      uint64
	SizeBytes    uint64
}

// Targets splits capacity across the stake table in proportion to weight.
// Each share floor(C * w / W) is floored to a whole number of chunks, so
// leftover bytes are never redistributed and the sum never exceeds C. Shares
// under MinChunks become zero; MaxChunks, when set, caps a share.
func Targets(snap model.StakeSnapshot, cfg Config) map[string]Target {
	out := make(map[string]Target, len(snap.Entries))
	weights, total := scaledWeights(snap)

	for _, peer := range snap.Peers() {
		w := weights[peer]
		t := Target{Counterparty: peer, Weight: snap.Entries[peer].Weight}

		if total > 0 && w > 0 && cfg.ChunkSize > 0 {
			n := share(cfg.Capacity, w, total) / cfg.ChunkSize
			if n < cfg.MinChunks || n == 0 {
				n = 0
			}
			if cfg.MaxChunks > 0 && n > cfg.MaxChunks {
				n = cfg.MaxChunks
			}

			t.NChunks = n
			t.SizeBytes = n * cfg.ChunkSize
		}

		out[peer] = t
	}

	return out
}

// scaledWeights shifts every weight right until their sum fits in 64 bits.
// Shares keep their proportions up to the dropped low bits.
func scaledWeights(snap model.StakeSnapshot) (map[string]uint64, uint64) {
	for shift := uint(0); ; shift++ {
		weights := make(map[string]uint64, len(snap.Entries))
		scaled := model.StakeSnapshot{Entries: make(map[string]model.StakeEntry, len(snap.Entries))}
		for peer, e := range snap.Entries {
			weights[peer] = e.Weight >> shift
			scaled.Entries[peer] = model.StakeEntry{Weight: weights[peer]}
		}

		if total, err := scaled.CheckedTotalWeight(); err == nil {
			return weights, total
		}
	}
}

// share computes floor(capacity * w / total) without overflow.
func share(capacity, w, total uint64) uint64 {
	hi, lo := bits.Mul64(capacity, w)
	if hi >= total {
		return capacity
	}

	q, _ := bits.Div64(hi, lo, total)
	return q
}
