package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/inferexchange/matchcore/internal/service"
)

// toStatus maps a *service.Error to the gRPC status code a client expects,
// falling back to Internal for anything the facade didn't classify.
func toStatus(err error) error {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		return status.Error(codes.Internal, err.Error())
	}
	switch svcErr.Kind {
	case service.KindInvalidArgument:
		return status.Error(codes.InvalidArgument, svcErr.Error())
	case service.KindFailedPrecondition:
		return status.Error(codes.FailedPrecondition, svcErr.Error())
	case service.KindNoMatch:
		return status.Error(codes.NotFound, svcErr.Error())
	case service.KindUpstreamError, service.KindBackendUnavailable:
		return status.Error(codes.Unavailable, svcErr.Error())
	default:
		return status.Error(codes.Internal, svcErr.Error())
	}
}

func errorTranslationInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		return resp, toStatus(err)
	}
	return resp, nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info().
			Str("method", info.FullMethod).
			Dur("duration_ms", time.Since(start)).
			Err(err).
			Msg("grpc request completed")
		return resp, err
	}
}
