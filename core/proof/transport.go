package proof

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"strings"

	"golang.org/x/xerrors"

	"github.com/pyropy/tensorage/core/model"
	"github.com/pyropy/tensorage/lib/cmap"
	holderRPC "github.com/pyropy/tensorage/rpc/holder"
)

var (
	ErrUnknownAddress = errors.New("no address for peer")
	ErrRemote         = errors.New("remote error")
)

// Transport carries challenges to holders. Implementations must return
// once ctx is done.
type Transport interface {
	Commitment(ctx context.Context, peer string) (model.Commitment, error)
	Challenge(ctx context.Context, peer string, ch model.Challenge) (model.Response, error)
}

// RPCTransport talks to holders over net/rpc on HTTP.
type RPCTransport struct {
	self   string
	addrs  *cmap.Map[string, string]
	dialer net.Dialer
}

var _ Transport = (*RPCTransport)(nil)

func NewRPCTransport(self string) *RPCTransport {
	return &RPCTransport{
		self:  self,
		addrs: cmap.NewMap[string, string](),
	}
}

// SetAddresses replaces the address book with the addresses in snap.
func (t *RPCTransport) SetAddresses(snap model.StakeSnapshot) {
	t.addrs.Range(func(peer string, _ string) bool {
		if e, ok := snap.Entries[peer]; !ok || e.Address == "" {
			t.addrs.Delete(peer)
		}
		return true
	})

	for peer, e := range snap.Entries {
		if e.Address != "" {
			t.addrs.Set(peer, e.Address)
		}
	}
}

func (t *RPCTransport) Ping(ctx context.Context, peer string) (holderRPC.PingReply, error) {
	var reply holderRPC.PingReply
	err := t.call(ctx, peer, holderRPC.MethodPing, &holderRPC.PingArgs{From: t.self}, &reply)
	return reply, err
}

func (t *RPCTransport) Commitment(ctx context.Context, peer string) (model.Commitment, error) {
	var reply holderRPC.CommitmentReply
	if err := t.call(ctx, peer, holderRPC.MethodCommitment, &holderRPC.CommitmentArgs{From: t.self}, &reply); err != nil {
		return model.Commitment{}, err
	}

	return model.Commitment{Version: reply.Version, Seed: reply.Seed, NChunks: reply.NChunks}, nil
}

func (t *RPCTransport) Challenge(ctx context.Context, peer string, ch model.Challenge) (model.Response, error) {
	args := &holderRPC.ChallengeArgs{
		From:      t.self,
		RequestID: ch.RequestID,
		Seed:      ch.Seed,
		Index:     ch.Index,
		Nonce:     ch.Nonce,
	}

	var reply holderRPC.ChallengeReply
	if err := t.call(ctx, peer, holderRPC.MethodChallenge, args, &reply); err != nil {
		return model.Response{}, err
	}

	return model.Response{RequestID: reply.RequestID, Digest: reply.Digest}, nil
}

// call performs one request on a fresh connection bounded by ctx.
func (t *RPCTransport) call(ctx context.Context, peer, method string, args, reply interface{}) error {
	addr, ok := t.addrs.Get(peer)
	if !ok {
		return xerrors.Errorf("%s: %w", peer, ErrUnknownAddress)
	}

	client, err := t.dial(ctx, addr)
	if err != nil {
		return classify(ctx, err)
	}
	defer client.Close()

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return classify(ctx, ctx.Err())
	case c := <-call.Done:
		if c.Error != nil {
			return classify(ctx, c.Error)
		}
	}

	return nil
}

func (t *RPCTransport) dial(ctx context.Context, addr string) (*rpc.Client, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := io.WriteString(conn, "CONNECT "+rpc.DefaultRPCPath+" HTTP/1.0\n\n"); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, xerrors.Errorf("unexpected HTTP response: %s", resp.Status)
	}

	return rpc.NewClient(conn), nil
}

// remoteErrors are the holder errors recognised by message after crossing
// the wire.
var remoteErrors = []error{
	ErrUnknownCounterparty,
	ErrSeedMismatch,
	ErrIndexOutOfRange,
	ErrChunkUnavailable,
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Errorf("%v: %w", err, ErrProofTimeout)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return xerrors.Errorf("%v: %w", err, ErrProofTimeout)
	}

	var serr rpc.ServerError
	if errors.As(err, &serr) {
		for _, known := range remoteErrors {
			if strings.Contains(string(serr), known.Error()) {
				return xerrors.Errorf("%s: %w", string(serr), known)
			}
		}
		return xerrors.Errorf("%s: %w", string(serr), ErrRemote)
	}

	return err
}
