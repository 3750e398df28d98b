package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "paygate.metering.v1.MeteringService"

// MeteringServer is the server API of the metering service.
type MeteringServer interface {
	EstimateCost(context.Context, *EstimateCostRequest) (*EstimateCostResponse, error)
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Settle(context.Context, *SettleRequest) (*SettleResponse, error)
	GrantCredit(context.Context, *GrantCreditRequest) (*GrantCreditResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*GetBalanceResponse, error)
	ListEntries(context.Context, *ListEntriesRequest) (*ListEntriesResponse, error)
	GetMultiplier(context.Context, *GetMultiplierRequest) (*GetMultiplierResponse, error)
	SubmitRating(context.Context, *SubmitRatingRequest) (*SubmitRatingResponse, error)
	DeleteRating(context.Context, *DeleteRatingRequest) (*DeleteRatingResponse, error)
	RecomputeSignals(context.Context, *RecomputeSignalsRequest) (*RecomputeSignalsResponse, error)
}

// RegisterMeteringServer registers srv on s.
func RegisterMeteringServer(s grpc.ServiceRegistrar, srv MeteringServer) {
	s.RegisterService(&MeteringServiceDesc, srv)
}

// MeteringServiceDesc describes the metering service for grpc.Server.
var MeteringServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeteringServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EstimateCost", Handler: unary("EstimateCost", MeteringServer.EstimateCost)},
		{MethodName: "Reserve", Handler: unary("Reserve", MeteringServer.Reserve)},
		{MethodName: "Release", Handler: unary("Release", MeteringServer.Release)},
		{MethodName: "Settle", Handler: unary("Settle", MeteringServer.Settle)},
		{MethodName: "GrantCredit", Handler: unary("GrantCredit", MeteringServer.GrantCredit)},
		{MethodName: "GetBalance", Handler: unary("GetBalance", MeteringServer.GetBalance)},
		{MethodName: "ListEntries", Handler: unary("ListEntries", MeteringServer.ListEntries)},
		{MethodName: "GetMultiplier", Handler: unary("GetMultiplier", MeteringServer.GetMultiplier)},
		{MethodName: "SubmitRating", Handler: unary("SubmitRating", MeteringServer.SubmitRating)},
		{MethodName: "DeleteRating", Handler: unary("DeleteRating", MeteringServer.DeleteRating)},
		{MethodName: "RecomputeSignals", Handler: unary("RecomputeSignals", MeteringServer.RecomputeSignals)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paygate/metering/v1/metering.json",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to grpc's untyped handler signature.
func unary[Req, Resp any](name string, call func(MeteringServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MeteringServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MeteringServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
