package grpcPack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/execution"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/feed"
	"github.com/sajjad-MoBe/CloudLedger/node/src/internal/ledger"
)

// LedgerSource is the archive the server reads closed ledgers from.
type LedgerSource interface {
	Header(seq uint32) (ledger.Header, error)
	Meta(seq uint32) ([]byte, error)
	Results(seq uint32) (json.RawMessage, error)
	LatestSeq() uint32
}

// Server implements the replication service on top of the history archive
// and the live feed.
type Server struct {
	source LedgerSource
	hub    *feed.Hub
	buffer int
	logger zerolog.Logger
}

// NewServer creates a replication server. buffer is the feed queue length
// of each stream.
func NewServer(source LedgerSource, hub *feed.Hub, buffer int, logger zerolog.Logger) *Server {
	return &Server{
		source: source,
		hub:    hub,
		buffer: buffer,
		logger: logger.With().Str("component", "replication").Logger(),
	}
}

// NewGRPCServer builds a grpc.Server with the error and logging
// interceptors and srv registered.
func NewGRPCServer(srv ReplicationServer, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryErrorInterceptor, UnaryLoggingInterceptor(logger)),
		grpc.ChainStreamInterceptor(StreamErrorInterceptor, StreamLoggingInterceptor(logger)),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterReplicationServer(s, srv)
	return s
}

func (s *Server) load(seq uint32) (*LedgerMessage, error) {
	h, err := s.source.Header(seq)
	if err != nil {
		return nil, err
	}
	meta, err := s.source.Meta(seq)
	if err != nil {
		return nil, err
	}
	raw, err := s.source.Results(seq)
	if err != nil {
		return nil, err
	}
	var results []execution.TxResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, ledgerErr.New(ledgerErr.ErrorTypeInternal, fmt.Sprintf("decode results of ledger %d", seq), err)
		}
	}
	return &LedgerMessage{Header: h, Meta: meta, Results: results}, nil
}

// GetLedger returns one archived ledger.
func (s *Server) GetLedger(ctx context.Context, req *GetLedgerRequest) (*LedgerMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledgerErr.New(ledgerErr.ErrorTypeTimeout, "request canceled", err)
	}
	seq := req.Seq
	if seq == 0 {
		seq = s.source.LatestSeq()
		if seq == 0 {
			return nil, ledgerErr.Newf(ledgerErr.ErrorTypeNotFound, "no ledger closed yet")
		}
	}
	return s.load(seq)
}

// StreamLedgers sends every archived ledger from req.FromSeq, then follows
// the feed. Ledgers the stream's feed subscription dropped are read back
// from the archive, so the client sees every sequence exactly once and in
// order.
func (s *Server) StreamLedgers(req *StreamLedgersRequest, stream Replication_StreamLedgersServer) error {
	ctx := stream.Context()
	next := req.FromSeq
	if next == 0 {
		next = 1
	}

	// subscribe before reading the archive so no close falls in between
	sub := s.hub.Subscribe(s.buffer)
	defer sub.Cancel()

	catchUp := func(to uint32) error {
		for ; next <= to; next++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			msg, err := s.load(next)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
		return nil
	}

	if err := catchUp(s.source.LatestSeq()); err != nil {
		return err
	}
	s.logger.Debug().Uint32("next", next).Msg("stream caught up")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Header.Seq < next {
				continue
			}
			if err := catchUp(ev.Header.Seq - 1); err != nil {
				return err
			}
			if err := stream.Send(&LedgerMessage{Header: ev.Header, Meta: ev.Meta, Results: ev.Results}); err != nil {
				return err
			}
			next = ev.Header.Seq + 1
		}
	}
}
