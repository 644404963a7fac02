package model

import "time"

// NoCheckpoint is the checkpoint of a partition with no committed chunks.
const NoCheckpoint int64 = -1

type PartitionState string

const (
	// PartitionPartial is a partition whose build has not reached n_chunks yet.
	PartitionPartial PartitionState = "partial"
	// PartitionComplete holds every chunk in [0, n_chunks).
	PartitionComplete PartitionState = "complete"
	// PartitionIncomplete exhausted retries for at least one chunk.
	PartitionIncomplete PartitionState = "incomplete"
)

// Partition is the manifest record of the chunks Owner commits to storing
// for Counterparty.
type Partition struct {
	Owner        string
	Counterparty string
	Seed         Seed
	SizeBytes    uint64
	NChunks      uint64

	// Checkpoint is the highest index i such that every chunk in [0, i] is
	// committed. NoCheckpoint when nothing is committed.
	Checkpoint int64
	State      PartitionState

	LastVerified   time.Time
	VerifiedRounds uint64
	FailedRounds   uint64
	UpdatedAt      time.Time
}

// NChunksFor returns ceil(size / chunkSize).
func NChunksFor(size, chunkSize uint64) uint64 {
	if chunkSize == 0 {
		return 0
	}

	return (size + chunkSize - 1) / chunkSize
}

// Committed returns the number of chunks below the checkpoint.
func (p Partition) Committed() uint64 {
	return uint64(p.Checkpoint + 1)
}

func (p Partition) IsComplete() bool {
	return p.NChunks > 0 && p.Checkpoint == int64(p.NChunks)-1
}

// VerificationReport lists sampled indices whose stored bytes did not match
// the derived content, or were absent.
type VerificationReport struct {
	Seed       Seed
	NChunks    uint64
	Sampled    int
	Mismatched []uint64
	Missing    []uint64
}

func (r VerificationReport) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0
}
