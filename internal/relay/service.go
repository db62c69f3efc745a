// ABOUTME: Hand-written gRPC service descriptor for parley.relay.v1.Relay
// ABOUTME: Routes the Connect stream and the Presence unary call to a Service

package relay

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "parley.relay.v1.Relay"

	connectMethod  = "/" + ServiceName + "/Connect"
	presenceMethod = "/" + ServiceName + "/Presence"
)

// Service is the server-side contract of the relay.
type Service interface {
	Connect(stream grpc.ServerStream) error
	Presence(ctx context.Context, userID *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the relay service for registration and client streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Presence",
			Handler:    presenceHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "parley/relay/v1/relay.proto",
}

// RegisterService registers svc on s.
func RegisterService(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&ServiceDesc, svc)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Service).Connect(stream)
}

func presenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Presence(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: presenceMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Presence(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
