package holder

import (
	"github.com/google/uuid"

	"github.com/pyropy/tensorage/core/model"
)

// Service is the net/rpc name the holder API is registered under.
const Service = "HolderAPI"

const (
	MethodPing       = Service + ".Ping"
	MethodCommitment = Service + ".Commitment"
	MethodChallenge  = Service + ".Challenge"
)

type PingArgs struct {
	From string
}

type PingReply struct {
	ID      string
	Version string
}

type CommitmentArgs struct {
	From string
}

type CommitmentReply struct {
	Version string
	Seed    model.Seed
	NChunks uint64
}

type ChallengeArgs struct {
	From      string
	RequestID uuid.UUID
	Seed      model.Seed
	Index     uint64
	Nonce     model.Nonce
}

type ChallengeReply struct {
	RequestID uuid.UUID
	Digest    []byte
}
