// Package api is the gRPC control surface of the call manager. The service
// is described by hand and carries google.protobuf.Struct messages whose
// fields mirror the JSON types in api/types/v1.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "linemux.v1.CallControl"

// CallControlServer is the server side of linemux.v1.CallControl.
type CallControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Dial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Accept(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Reject(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Switch(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	HangupForegroundResumeBackground(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Hangup(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	HangupAll(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Conference(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Transfer(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StartDtmf(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	StopDtmf(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SendDtmf(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetMute(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Events(*structpb.Struct, EventStream) error
}

// EventStream is the server side of the Events stream.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// unary adapts a CallControlServer method to a grpc.MethodDesc.
func unary[Resp any](name string, call func(CallControlServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CallControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CallControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CallControlServer).Events(in, &eventStream{stream})
}

// ServiceDesc describes linemux.v1.CallControl for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CallControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", CallControlServer.Status),
		unary("Dial", CallControlServer.Dial),
		unary("Accept", CallControlServer.Accept),
		unary("Reject", CallControlServer.Reject),
		unary("Switch", CallControlServer.Switch),
		unary("HangupForegroundResumeBackground", CallControlServer.HangupForegroundResumeBackground),
		unary("Hangup", CallControlServer.Hangup),
		unary("HangupAll", CallControlServer.HangupAll),
		unary("Conference", CallControlServer.Conference),
		unary("Transfer", CallControlServer.Transfer),
		unary("StartDtmf", CallControlServer.StartDtmf),
		unary("StopDtmf", CallControlServer.StopDtmf),
		unary("SendDtmf", CallControlServer.SendDtmf),
		unary("SetMute", CallControlServer.SetMute),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "linemux/v1/call_control.proto",
}

// RegisterCallControlServer registers srv on s.
func RegisterCallControlServer(s grpc.ServiceRegistrar, srv CallControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
