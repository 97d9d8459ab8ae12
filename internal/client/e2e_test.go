// ABOUTME: End-to-end tests running the client against a real gateway handler
// ABOUTME: Exercises both transports and the conversation API with an in-memory store

package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/chatrelay/internal/config"
	"github.com/2389/chatrelay/internal/gateway"
	"github.com/2389/chatrelay/internal/provider"
	"github.com/2389/chatrelay/internal/relayrpc"
	"github.com/2389/chatrelay/internal/store"
)

type relayEnv struct {
	gw    *gateway.Gateway
	store *store.MockStore
	url   string
}

func newRelay(t *testing.T, p provider.Provider, mutate func(*config.Config)) *relayEnv {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimit.SweepInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMockStore()
	gw := gateway.NewWithDeps(cfg, st, p, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &relayEnv{gw: gw, store: st, url: srv.URL}
}

func (e *relayEnv) grpcTransport(t *testing.T) *GRPCTransport {
	t.Helper()
	srv := e.gw.GRPCServer()
	require.NotNil(t, srv)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCTransport(relayrpc.NewChatRelayClient(conn))
}

func transports(t *testing.T, env *relayEnv) map[string]Transport {
	return map[string]Transport{
		"http": NewHTTPTransport(env.url),
		"grpc": env.grpcTransport(t),
	}
}

func TestE2E_SendAndReload(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{}), nil)

	for name, tr := range transports(t, env) {
		t.Run(name, func(t *testing.T) {
			var navigated string
			s := NewSession(tr, SessionOptions{
				Navigator: NavigatorFunc(func(id string) { navigated = id }),
			})

			require.NoError(t, s.Send(context.Background(), "ping"))
			convID := s.ConversationID()
			require.NotEmpty(t, convID)
			assert.Equal(t, convID, navigated)

			require.NoError(t, s.Send(context.Background(), "pong"))
			local := s.Messages()
			require.Len(t, local, 4)
			assert.Equal(t, "You said: pong", local[3].Content)

			conv, err := NewAPI(env.url, nil).GetConversation(context.Background(), convID)
			require.NoError(t, err)
			require.Len(t, conv.Messages, 4)
			for i := range conv.Messages {
				assert.Equal(t, local[i].Role, conv.Messages[i].Role)
				assert.Equal(t, local[i].Content, conv.Messages[i].Content)
			}
			// Confirmed assistant ids match the server; user ids stay temporary locally.
			assert.Equal(t, conv.Messages[1].ID, local[1].ID)
			assert.Equal(t, conv.Messages[3].ID, local[3].ID)
		})
	}
}

func TestE2E_MidStreamFailureRollsBackBothSides(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{FailAfter: 1}), nil)

	for name, tr := range transports(t, env) {
		t.Run(name, func(t *testing.T) {
			s := NewSession(tr, SessionOptions{})

			err := s.Send(context.Background(), "hello world")
			var se *StreamError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, se.Reason, "generation failed")
			assert.Empty(t, s.Messages())

			convID := s.ConversationID()
			require.NotEmpty(t, convID, "start arrived before the failure")
			conv, err := NewAPI(env.url, nil).GetConversation(context.Background(), convID)
			require.NoError(t, err)
			assert.Empty(t, conv.Messages)
		})
	}
}

func TestE2E_RejectedBeforeStreaming(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{}), nil)

	for name, tr := range transports(t, env) {
		t.Run(name, func(t *testing.T) {
			s := NewSession(tr, SessionOptions{ConversationID: "does-not-exist"})

			err := s.Send(context.Background(), "hi")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusNotFound, apiErr.Status)
			assert.Empty(t, s.Messages())

			err = NewSession(tr, SessionOptions{}).Send(context.Background(), "   ")
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		})
	}
}

func TestE2E_RateLimited(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{}), func(c *config.Config) {
		c.RateLimit.ChatLimit = 1
	})

	for name, tr := range transports(t, env) {
		t.Run(name, func(t *testing.T) {
			s := NewSession(tr, SessionOptions{})
			// Each transport has its own client key, so it gets one send.
			require.NoError(t, s.Send(context.Background(), "one"))

			err := s.Send(context.Background(), "two")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.True(t, apiErr.RateLimited())
			assert.Greater(t, apiErr.RetryAfter, 0)
			assert.Len(t, s.Messages(), 2)
		})
	}
}

func TestE2E_ConversationAPI(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{}), nil)
	api := NewAPI(env.url, nil)
	ctx := context.Background()

	require.NoError(t, api.Health(ctx))

	untitled, err := api.CreateConversation(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, untitled.Title)
	assert.Equal(t, "New conversation", untitled.DisplayTitle())

	titled, err := api.CreateConversation(ctx, "Trip")
	require.NoError(t, err)
	assert.Equal(t, "Trip", titled.DisplayTitle())

	list, err := api.ListConversations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	renamed, err := api.UpdateTitle(ctx, untitled.ID, "Named")
	require.NoError(t, err)
	assert.Equal(t, "Named", renamed.DisplayTitle())

	_, err = api.UpdateTitle(ctx, untitled.ID, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	require.NoError(t, api.DeleteConversation(ctx, titled.ID))
	_, err = api.GetConversation(ctx, titled.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Conversation not found", apiErr.Message)
}

func TestE2E_ListNamesUntitledByFirstMessage(t *testing.T) {
	env := newRelay(t, provider.NewEcho(provider.EchoOptions{}), nil)
	ctx := context.Background()

	s := NewSession(NewHTTPTransport(env.url), SessionOptions{})
	require.NoError(t, s.Send(ctx, "What should I pack for a week in Kyoto in autumn?"))

	list, err := NewAPI(env.url, nil).ListConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, s.ConversationID(), list[0].ID)
	assert.Equal(t, "What should I pack for a week in Kyoto in autumn?", list[0].Preview)
	assert.Equal(t, "What should I pack for a week", list[0].DisplayTitle())
}
