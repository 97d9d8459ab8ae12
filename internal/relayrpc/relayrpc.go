// ABOUTME: gRPC service definition for the chat relay, written against well-known wrapper types
// ABOUTME: Chat is server-streaming: one JSON request in, one stream record per response message

package relayrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "chatrelay.v1.ChatRelay"
	// ChatFullMethodName is the method path used on the wire.
	ChatFullMethodName = "/chatrelay.v1.ChatRelay/Chat"
)

// RetryAfterKey is the trailer key carrying the rate-limit retry delay in seconds.
const RetryAfterKey = "retry-after"

// ChatRelayServer is the server API for the ChatRelay service.
type ChatRelayServer interface {
	// Chat takes a JSON chat request and streams one encoded event per message.
	Chat(*wrapperspb.BytesValue, ChatRelay_ChatServer) error
}

// ChatRelay_ChatServer is the server side of a Chat stream.
type ChatRelay_ChatServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type chatRelayChatServer struct {
	grpc.ServerStream
}

func (x *chatRelayChatServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func _ChatRelay_Chat_Handler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ChatRelayServer).Chat(m, &chatRelayChatServer{ServerStream: stream})
}

// ChatRelay_ServiceDesc is the grpc.ServiceDesc for the ChatRelay service.
var ChatRelay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatRelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Chat",
			Handler:       _ChatRelay_Chat_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "chatrelay/v1/chatrelay.proto",
}

// RegisterChatRelayServer registers srv on s.
func RegisterChatRelayServer(s grpc.ServiceRegistrar, srv ChatRelayServer) {
	s.RegisterService(&ChatRelay_ServiceDesc, srv)
}

// ChatRelayClient is the client API for the ChatRelay service.
type ChatRelayClient interface {
	Chat(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (ChatRelay_ChatClient, error)
}

// ChatRelay_ChatClient is the client side of a Chat stream.
type ChatRelay_ChatClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

type chatRelayClient struct {
	cc grpc.ClientConnInterface
}

// NewChatRelayClient returns a client bound to cc.
func NewChatRelayClient(cc grpc.ClientConnInterface) ChatRelayClient {
	return &chatRelayClient{cc: cc}
}

func (c *chatRelayClient) Chat(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (ChatRelay_ChatClient, error) {
	stream, err := c.cc.NewStream(ctx, &ChatRelay_ServiceDesc.Streams[0], ChatFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &chatRelayChatClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type chatRelayChatClient struct {
	grpc.ClientStream
}

func (x *chatRelayChatClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
