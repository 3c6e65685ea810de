package grpcPack

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// Applier is the part of the ledger manager a follower drives.
type Applier interface {
	LastClosed() ledger.Header
	ApplyClosed(ctx context.Context, header ledger.Header, meta []byte, results []execution.TxResult) (*execution.ClosedLedger, error)
}

// Dial connects to a leader's replication endpoint.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	return grpc.Dial(addr, opts...)
}

// Follower mirrors a leader: it streams closed ledgers and applies each
// one locally after checking it extends the local chain.
type Follower struct {
	client  ReplicationClient
	applier Applier
	retry   time.Duration
	logger  zerolog.Logger
}

// NewFollower creates a follower over cc.
func NewFollower(cc grpc.ClientConnInterface, applier Applier, logger zerolog.Logger) *Follower {
	return &Follower{
		client:  NewReplicationClient(cc),
		applier: applier,
		retry:   time.Second,
		logger:  logger.With().Str("component", "follower").Logger(),
	}
}

// Run follows the leader until ctx is done. Transport failures are retried;
// a ledger that does not apply stops the follower with its error.
func (f *Follower) Run(ctx context.Context) error {
	for {
		err := f.follow(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var applyErr *applyError
		if errors.As(err, &applyErr) {
			return applyErr.err
		}
		f.logger.Warn().Err(err).Dur("retry_in", f.retry).Msg("replication stream lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.retry):
		}
	}
}

type applyError struct {
	err error
}

func (e *applyError) Error() string { return e.err.Error() }
func (e *applyError) Unwrap() error { return e.err }

func (f *Follower) follow(ctx context.Context) error {
	from := f.applier.LastClosed().Seq + 1
	stream, err := f.client.StreamLedgers(ctx, &StreamLedgersRequest{FromSeq: from})
	if err != nil {
		return err
	}
	f.logger.Info().Uint32("from", from).Msg("following leader")

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return errors.New("leader closed the stream")
		}
		if err != nil {
			return err
		}
		if _, err := f.applier.ApplyClosed(ctx, msg.Header, msg.Meta, msg.Results); err != nil {
			return &applyError{err: err}
		}
	}
}
