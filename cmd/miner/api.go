package main

import (
	"context"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/core/proof"
	rpc "github.com/pyropy/tensorage/rpc/holder"
)

type API struct {
	holder *proof.Holder
}

func NewHolderAPI(holder *proof.Holder) *API {
	return &API{
		holder: holder,
	}
}

func (a *API) Ping(args *rpc.PingArgs, reply *rpc.PingReply) error {
	log.Debugw("rpc", "event", "HolderAPI.Ping", "from", args.From)

	reply.ID = a.holder.ID()
	reply.Version = a.holder.Version()
	return nil
}

func (a *API) Commitment(args *rpc.CommitmentArgs, reply *rpc.CommitmentReply) error {
	log.Infow("rpc", "event", "HolderAPI.Commitment", "from", args.From)

	c, err := a.holder.Commitment(context.Background(), args.From)
	if err != nil {
		return err
	}

	reply.Version = c.Version
	reply.Seed = c.Seed
	reply.NChunks = c.NChunks
	return nil
}

func (a *API) Challenge(args *rpc.ChallengeArgs, reply *rpc.ChallengeReply) error {
	log.Infow("rpc", "event", "HolderAPI.Challenge", "from", args.From, "request_id", args.RequestID, "index", args.Index)

	resp, err := a.holder.Respond(context.Background(), args.From, model.Challenge{
		RequestID: args.RequestID,
		Seed:      args.Seed,
		Index:     args.Index,
		Nonce:     args.Nonce,
	})
	if err != nil {
		return err
	}

	reply.RequestID = resp.RequestID
	reply.Digest = resp.Digest
	return nil
}
