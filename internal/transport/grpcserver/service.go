package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/inferexchange/matchcore/internal/orderbook"
	"github.com/inferexchange/matchcore/internal/service"
	streampkg "github.com/inferexchange/matchcore/internal/stream"
)

// ProviderIDRequest is the wire request for the provider-scoped status RPCs.
type ProviderIDRequest struct {
	ProviderID string `json:"provider_id"`
}

// ModelRequest is the wire request for GetOrderBookStatus, whose model
// filter is optional.
type ModelRequest struct {
	Model string `json:"model"`
}

const serviceName = "matchcore.MatchingService"

// MatchingServer is the subset of *service.Service's methods the gRPC
// handlers call through. grpc.RegisterService type-asserts the registered
// implementation against this interface, so HandlerType must point at an
// interface, not at the concrete *service.Service type.
type MatchingServer interface {
	SubmitBid(ctx context.Context, req service.SubmitBidRequest) (*service.SubmitBidResponse, error)
	SubmitBidStream(ctx context.Context, req service.SubmitBidRequest, onEvent func(streampkg.Event) error) error
	UpdateProviderStatus(ctx context.Context, req service.UpdateProviderStatusRequest) (*service.UpdateProviderStatusResponse, error)
	GetOrderBookStatus(ctx context.Context, model string) (orderbook.Status, error)
	GetCircuitStatus(providerID string) service.CircuitStatusResponse
	GetRateLimitStatus(providerID string) service.RateLimitStatusResponse
	GetLatencyMetrics(providerID string) service.LatencyMetricsResponse
}

// ServiceDesc describes the matching service for grpc.RegisterService.
// The methods are hand-registered rather than generated from a .proto file;
// jsonCodec handles the wire encoding in their place.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MatchingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitBid", Handler: submitBidHandler},
		{MethodName: "UpdateProviderStatus", Handler: updateProviderStatusHandler},
		{MethodName: "GetOrderBookStatus", Handler: getOrderBookStatusHandler},
		{MethodName: "GetCircuitStatus", Handler: getCircuitStatusHandler},
		{MethodName: "GetRateLimitStatus", Handler: getRateLimitStatusHandler},
		{MethodName: "GetLatencyMetrics", Handler: getLatencyMetricsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SubmitBidStream", Handler: submitBidStreamHandler, ServerStreams: true},
	},
	Metadata: "matchcore.proto",
}

func submitBidHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(service.SubmitBidRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchingServer).SubmitBid(ctx, *req.(*service.SubmitBidRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SubmitBid"}, call)
}

func updateProviderStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(service.UpdateProviderStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchingServer).UpdateProviderStatus(ctx, *req.(*service.UpdateProviderStatusRequest))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateProviderStatus"}, call)
}

func getOrderBookStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MatchingServer).GetOrderBookStatus(ctx, req.(*ModelRequest).Model)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetOrderBookStatus"}, call)
}

func getCircuitStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProviderIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := srv.(MatchingServer).GetCircuitStatus(req.(*ProviderIDRequest).ProviderID)
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetCircuitStatus"}, call)
}

func getRateLimitStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProviderIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := srv.(MatchingServer).GetRateLimitStatus(req.(*ProviderIDRequest).ProviderID)
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRateLimitStatus"}, call)
}

func getLatencyMetricsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProviderIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		resp := srv.(MatchingServer).GetLatencyMetrics(req.(*ProviderIDRequest).ProviderID)
		return &resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetLatencyMetrics"}, call)
}

func submitBidStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(service.SubmitBidRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	err := srv.(MatchingServer).SubmitBidStream(stream.Context(), *in, func(ev streampkg.Event) error {
		return stream.SendMsg(&ev)
	})
	if err != nil {
		return toStatus(err)
	}
	return nil
}
