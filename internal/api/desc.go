// Package api is the daemon's control surface: a gRPC service served on
// the account's unix socket. Requests and responses are
// google.protobuf.Struct messages so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.SyncControl"

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// SyncControlServer is the server side of the control API.
type SyncControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListThreads(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetForeground(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActiveThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server half of a WatchEvents call.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

type unaryFunc func(SyncControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncControlServer).WatchEvents(in, &eventStream{stream})
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetStatus", SyncControlServer.GetStatus),
		unaryMethod("ListThreads", SyncControlServer.ListThreads),
		unaryMethod("ListMessages", SyncControlServer.ListMessages),
		unaryMethod("SetForeground", SyncControlServer.SetForeground),
		unaryMethod("SetActiveThread", SyncControlServer.SetActiveThread),
		unaryMethod("MarkRead", SyncControlServer.MarkRead),
		unaryMethod("SendMessage", SyncControlServer.SendMessage),
		unaryMethod("RetryMessage", SyncControlServer.RetryMessage),
		unaryMethod("SendTyping", SyncControlServer.SendTyping),
		unaryMethod("SearchMessages", SyncControlServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/control",
}

// RegisterSyncControlServer registers srv on s.
func RegisterSyncControlServer(s grpc.ServiceRegistrar, srv SyncControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
