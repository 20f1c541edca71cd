package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "screener.v1.ScreenerService"

const (
	screenMethod          = "/" + ServiceName + "/Screen"
	getInvocationMethod   = "/" + ServiceName + "/GetInvocation"
	listInvocationsMethod = "/" + ServiceName + "/ListInvocations"
	getFundamentalsMethod = "/" + ServiceName + "/GetFundamentals"
)

// ScreenerServiceServer is the server API for screener.v1.ScreenerService.
// Messages are google.protobuf.Struct so the DSL can evolve without a
// schema change.
type ScreenerServiceServer interface {
	Screen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetInvocation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListInvocations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetFundamentals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterScreenerServiceServer registers srv on s.
func RegisterScreenerServiceServer(s grpc.ServiceRegistrar, srv ScreenerServiceServer) {
	s.RegisterService(&screenerServiceDesc, srv)
}

var screenerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScreenerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Screen", Handler: unaryHandler(screenMethod, ScreenerServiceServer.Screen)},
		{MethodName: "GetInvocation", Handler: unaryHandler(getInvocationMethod, ScreenerServiceServer.GetInvocation)},
		{MethodName: "ListInvocations", Handler: unaryHandler(listInvocationsMethod, ScreenerServiceServer.ListInvocations)},
		{MethodName: "GetFundamentals", Handler: unaryHandler(getFundamentalsMethod, ScreenerServiceServer.GetFundamentals)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "screener/v1/screener.proto",
}

type unaryMethod func(ScreenerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a Struct-in, Struct-out method to a grpc.MethodDesc
// handler, running any configured interceptor chain.
func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ScreenerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ScreenerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ScreenerServiceClient is the client API for screener.v1.ScreenerService.
type ScreenerServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewScreenerServiceClient wraps a connection.
func NewScreenerServiceClient(cc grpc.ClientConnInterface) *ScreenerServiceClient {
	return &ScreenerServiceClient{cc: cc}
}

func (c *ScreenerServiceClient) Screen(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, screenMethod, in, opts)
}

func (c *ScreenerServiceClient) GetInvocation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, getInvocationMethod, in, opts)
}

func (c *ScreenerServiceClient) ListInvocations(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, listInvocationsMethod, in, opts)
}

func (c *ScreenerServiceClient) GetFundamentals(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, getFundamentalsMethod, in, opts)
}

func (c *ScreenerServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
