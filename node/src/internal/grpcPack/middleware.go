package grpcPack

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ledgerErr "github.com/sajjad-MoBe/CloudLedger/node/src/internal/errors"
)

// UnaryErrorInterceptor maps ledger errors to gRPC status codes and turns
// handler panics into Internal errors.
func UnaryErrorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, status.Error(codes.Internal, ledgerErr.RecoverError(r).Error())
		}
	}()

	resp, err = handler(ctx, req)
	if err != nil {
		return nil, convertError(err)
	}
	return resp, nil
}

// StreamErrorInterceptor is UnaryErrorInterceptor for streams.
func StreamErrorInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Error(codes.Internal, ledgerErr.RecoverError(r).Error())
		}
	}()

	return convertError(handler(srv, ss))
}

// UnaryLoggingInterceptor logs every call with its code and latency.
func UnaryLoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs every stream once it ends.
func StreamLoggingInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger zerolog.Logger, method string, start time.Time, err error) {
	ev := logger.Debug()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str("method", method).
		Str("code", status.Code(err).String()).
		Dur("took", time.Since(start)).
		Msg("grpc call")
}

// convertError converts a LedgerError to a gRPC status error. Errors that
// already carry a status pass through.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	switch {
	case ledgerErr.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case ledgerErr.IsInvalidInput(err), ledgerErr.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case ledgerErr.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case ledgerErr.IsStorage(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
