// ABOUTME: ChatRelay gRPC service implementation sharing the HTTP chat lifecycle
// ABOUTME: Each stream message carries one encoded event; pre-stream failures become status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/chatrelay/internal/conversation"
	"github.com/2389/chatrelay/internal/logging"
	"github.com/2389/chatrelay/internal/ratelimit"
	"github.com/2389/chatrelay/internal/relayrpc"
	"github.com/2389/chatrelay/internal/stream"
)

// chatRelayServer implements the ChatRelay gRPC service.
type chatRelayServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newChatRelayServer(gw *Gateway, logger *slog.Logger) *chatRelayServer {
	return &chatRelayServer{
		gateway: gw,
		logger:  logger,
	}
}

// grpcSink adapts a Chat stream to conversation.Sink.
type grpcSink struct {
	stream relayrpc.ChatRelay_ChatServer
	sent   int
}

func (s *grpcSink) Encode(ev stream.Event) error {
	data, err := stream.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.stream.Send(wrapperspb.Bytes(data)); err != nil {
		return err
	}
	s.sent++
	return nil
}

// Chat runs one exchange. The request value is the same JSON body POST /api/chat takes.
func (s *chatRelayServer) Chat(in *wrapperspb.BytesValue, srv relayrpc.ChatRelay_ChatServer) error {
	ctx := srv.Context()
	logger := logging.FromContext(ctx, s.logger)

	key := grpcClientKey(ctx, s.gateway.config.RateLimit.TrustForwarded)
	d := s.gateway.limiter.Allow(ratelimit.ClassChat, key)
	if !d.Allowed {
		retry := ratelimit.RetryAfterSeconds(d.RetryAfter)
		srv.SetTrailer(metadata.Pairs(relayrpc.RetryAfterKey, strconv.Itoa(retry)))
		logger.Warn("chat denied by rate limit", "client", key, "retry_after", retry)
		return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %ds", retry)
	}

	var req conversation.ChatRequest
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request body")
	}

	x, err := s.gateway.conversation.Begin(ctx, req)
	if err != nil {
		return toStatusError(logger, err)
	}

	if err := srv.SendHeader(metadata.Pairs("x-conversation-id", x.ConversationID)); err != nil {
		logger.Debug("sending header failed", "error", err)
	}

	sink := &grpcSink{stream: srv}
	res := x.Stream(ctx, sink)
	logger.Debug("chat stream closed",
		"conversation_id", x.ConversationID,
		"state", res.State.String(),
		"events", sink.sent)

	// Failures after the stream opened were delivered as an error event.
	return nil
}

// toStatusError maps conversation errors raised before streaming onto gRPC codes.
func toStatusError(logger *slog.Logger, err error) error {
	var ve *conversation.ValidationError
	switch {
	case errors.As(err, &ve):
		return status.Error(codes.InvalidArgument, ve.Error())
	case errors.Is(err, conversation.ErrConversationNotFound):
		return status.Error(codes.NotFound, "conversation not found")
	default:
		logger.Error("chat failed before streaming", "error", err)
		return status.Error(codes.Internal, "failed to process chat request")
	}
}

// grpcClientKey derives the rate-limit key for a gRPC caller.
func grpcClientKey(ctx context.Context, trustForwarded bool) string {
	if trustForwarded {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			for _, key := range []string{"x-forwarded-for", "x-real-ip"} {
				if vals := md.Get(key); len(vals) > 0 {
					first, _, _ := strings.Cut(vals[0], ",")
					if first = strings.TrimSpace(first); first != "" {
						return first
					}
				}
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if _, isTCP := p.Addr.(*net.TCPAddr); isTCP {
			return ratelimit.HostKey(p.Addr.String())
		}
	}
	return ratelimit.UnknownClient
}

// streamRequestID tags each gRPC stream with a request id and logs its outcome.
func streamRequestID(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(strings.ToLower(logging.RequestIDHeader)); len(vals) > 0 && len(vals[0]) <= 128 {
				id = vals[0]
			}
		}
		if id == "" {
			id = logging.NewRequestID()
		}
		ctx = logging.WithRequestID(ctx, id)

		start := time.Now()
		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		logging.FromContext(ctx, logger).Info("grpc stream",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return err
	}
}

// wrappedStream overrides the stream context.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

// createGRPCServer creates the gRPC server with keepalive settings.
func createGRPCServer(logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(streamRequestID(logger)),
	)
}
