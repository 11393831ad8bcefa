package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name for the Bridge,
// following the same dotted convention protoc-gen-go-grpc would emit.
const ServiceName = "agentmesh.bridge.v1.EventBus"

// EventBusServer is the server-side contract for the Bridge's four RPCs, in
// the shape protoc-gen-go-grpc would generate for this service; no .proto
// file exists for it.
type EventBusServer interface {
	RegisterAgent(context.Context, *AgentRegisterRequest) (*AgentRegisterResponse, error)
	EventStream(EventBus_EventStreamServer) error
	ForwardAction(context.Context, *ActionCall) (*ActionResult, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

// EventBus_EventStreamServer is the bidirectional stream handle passed to
// EventBusServer.EventStream.
type EventBus_EventStreamServer interface {
	Send(*ServerEvent) error
	Recv() (*ClientEvent, error)
	grpc.ServerStream
}

type eventBusEventStreamServer struct {
	grpc.ServerStream
}

func (x *eventBusEventStreamServer) Send(m *ServerEvent) error { return x.ServerStream.SendMsg(m) }
func (x *eventBusEventStreamServer) Recv() (*ClientEvent, error) {
	m := new(ClientEvent)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func registerAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AgentRegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(EventBusServer)
	if interceptor == nil {
		return server.RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: ServiceName + "/RegisterAgent"}
	handler := func(ctx context.Context, req any) (any, error) {
		return server.RegisterAgent(ctx, req.(*AgentRegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func forwardActionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ActionCall)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(EventBusServer)
	if interceptor == nil {
		return server.ForwardAction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: ServiceName + "/ForwardAction"}
	handler := func(ctx context.Context, req any) (any, error) {
		return server.ForwardAction(ctx, req.(*ActionCall))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	server := srv.(EventBusServer)
	if interceptor == nil {
		return server.Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: ServiceName + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return server.Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func eventStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventBusServer).EventStream(&eventBusEventStreamServer{stream})
}

// ServiceDesc is the hand-authored equivalent of the protoc-gen-go-grpc
// generated _EventBus_serviceDesc: it is what RegisterEventBusServer feeds
// to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventBusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterAgent", Handler: registerAgentHandler},
		{MethodName: "ForwardAction", Handler: forwardActionHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventStream",
			Handler:       eventStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "agentmesh/bridge/v1/eventbus.proto",
}

// RegisterEventBusServer registers srv on s. It sets no server codec
// option; calls use the JSON codec when the client sends the CodecName
// content-subtype.
func RegisterEventBusServer(s *grpc.Server, srv EventBusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// EventBusClient is the client-side contract, mirroring EventBusServer.
type EventBusClient interface {
	RegisterAgent(ctx context.Context, in *AgentRegisterRequest, opts ...grpc.CallOption) (*AgentRegisterResponse, error)
	EventStream(ctx context.Context, opts ...grpc.CallOption) (EventBus_EventStreamClient, error)
	ForwardAction(ctx context.Context, in *ActionCall, opts ...grpc.CallOption) (*ActionResult, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
}

type eventBusClient struct {
	cc *grpc.ClientConn
}

// NewEventBusClient builds a client over cc. Every call forces the JSON
// codec registered in codec.go.
func NewEventBusClient(cc *grpc.ClientConn) EventBusClient {
	return &eventBusClient{cc: cc}
}

func withJSONCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append(opts, grpc.CallContentSubtype(CodecName))
}

func (c *eventBusClient) RegisterAgent(ctx context.Context, in *AgentRegisterRequest, opts ...grpc.CallOption) (*AgentRegisterResponse, error) {
	out := new(AgentRegisterResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/RegisterAgent", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eventBusClient) ForwardAction(ctx context.Context, in *ActionCall, opts ...grpc.CallOption) (*ActionResult, error) {
	out := new(ActionResult)
	if err := c.cc.Invoke(ctx, ServiceName+"/ForwardAction", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *eventBusClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, ServiceName+"/Heartbeat", in, out, withJSONCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventBus_EventStreamClient is the bidirectional stream handle returned by
// EventBusClient.EventStream.
type EventBus_EventStreamClient interface {
	Send(*ClientEvent) error
	Recv() (*ServerEvent, error)
	grpc.ClientStream
}

type eventBusEventStreamClient struct {
	grpc.ClientStream
}

func (x *eventBusEventStreamClient) Send(m *ClientEvent) error { return x.ClientStream.SendMsg(m) }
func (x *eventBusEventStreamClient) Recv() (*ServerEvent, error) {
	m := new(ServerEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *eventBusClient) EventStream(ctx context.Context, opts ...grpc.CallOption) (EventBus_EventStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ServiceName+"/EventStream", withJSONCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &eventBusEventStreamClient{stream}, nil
}

// ProtocolError builds the gRPC status for an illegal message sequence on
// the EventStream (spec.md §7 "protocol_error").
func ProtocolError(msg string) error {
	return status.Error(codes.FailedPrecondition, msg)
}
