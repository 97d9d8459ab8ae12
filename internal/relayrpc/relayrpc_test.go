// ABOUTME: Contract tests for the ChatRelay service descriptor
// ABOUTME: Verifies the wire names clients depend on and a round trip over bufconn

package relayrpc

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestServiceDescriptor(t *testing.T) {
	assert.Equal(t, "chatrelay.v1.ChatRelay", ChatRelay_ServiceDesc.ServiceName)
	assert.Empty(t, ChatRelay_ServiceDesc.Methods)
	require.Len(t, ChatRelay_ServiceDesc.Streams, 1)

	chat := ChatRelay_ServiceDesc.Streams[0]
	assert.Equal(t, "Chat", chat.StreamName)
	assert.True(t, chat.ServerStreams)
	assert.False(t, chat.ClientStreams)
	assert.Equal(t, "/"+ServiceName+"/"+chat.StreamName, ChatFullMethodName)
}

type echoServer struct{}

func (echoServer) Chat(in *wrapperspb.BytesValue, stream ChatRelay_ChatServer) error {
	for _, b := range in.GetValue() {
		if err := stream.Send(wrapperspb.Bytes([]byte{b})); err != nil {
			return err
		}
	}
	return nil
}

func TestChatRoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterChatRelayServer(srv, echoServer{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	stream, err := NewChatRelayClient(conn).Chat(context.Background(), wrapperspb.Bytes([]byte("abc")))
	require.NoError(t, err)

	var got []byte
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, msg.GetValue()...)
	}
	assert.Equal(t, "abc", string(got))
}
