// ABOUTME: End-to-end tests for the gateway HTTP API and gRPC service
// ABOUTME: Runs the real handler chain over httptest and bufconn with a mock store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/chatrelay/internal/config"
	"github.com/2389/chatrelay/internal/logging"
	"github.com/2389/chatrelay/internal/provider"
	"github.com/2389/chatrelay/internal/relayrpc"
	"github.com/2389/chatrelay/internal/store"
	"github.com/2389/chatrelay/internal/stream"
)

type testEnv struct {
	gw     *Gateway
	store  *store.MockStore
	server *httptest.Server
}

func newTestEnv(t *testing.T, p provider.Provider, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimit.SweepInterval = 0
	if mutate != nil {
		mutate(cfg)
	}
	st := store.NewMockStore()
	gw := NewWithDeps(cfg, st, p, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		gw.limiter.Close()
	})
	return &testEnv{gw: gw, store: st, server: srv}
}

func (e *testEnv) postChat(t *testing.T, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	reader := stream.NewReader(r, nil)
	var events []stream.Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func echo() provider.Provider {
	return provider.NewEcho(provider.EchoOptions{})
}

func TestChat_StreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	resp := env.postChat(t, `{"message":"hello"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeNDJSON, resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get(logging.RequestIDHeader))

	events := readEvents(t, resp.Body)
	require.GreaterOrEqual(t, len(events), 3)

	start, ok := events[0].(stream.Start)
	require.True(t, ok)
	assert.Equal(t, start.ConversationID, resp.Header.Get("X-Conversation-Id"))

	end, ok := events[len(events)-1].(stream.End)
	require.True(t, ok)

	var text strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		txt, ok := ev.(stream.Text)
		require.True(t, ok)
		text.WriteString(txt.Fragment)
	}
	assert.NotEmpty(t, text.String())

	msgs, err := env.store.ListMessages(context.Background(), start.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, end.MessageID, msgs[1].ID)
	assert.Equal(t, text.String(), msgs[1].Content)
}

func TestChat_ContinuesExistingConversation(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	first := readEvents(t, env.postChat(t, `{"message":"one"}`, nil).Body)
	convID := first[0].(stream.Start).ConversationID

	body, _ := json.Marshal(map[string]string{"conversationId": convID, "message": "two"})
	resp := env.postChat(t, string(body), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := readEvents(t, resp.Body)
	assert.Equal(t, convID, second[0].(stream.Start).ConversationID)

	msgs, err := env.store.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestChat_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":""}`},
		{"blank message", `{"message":"   "}`},
		{"too long", `{"message":"` + strings.Repeat("x", 2001) + `"}`},
		{"malformed json", `{"message":`},
		{"empty body", ``},
		{"trailing data", `{"message":"a"}{"message":"b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, echo(), nil)
			resp := env.postChat(t, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			body := decodeBody[ErrorResponse](t, resp)
			assert.Equal(t, "Invalid request body", body.Error)
			assert.NotEmpty(t, body.Timestamp)

			assert.Zero(t, env.store.Calls(store.OpCreateConversation))
			assert.Zero(t, env.store.Calls(store.OpAppendMessage))
		})
	}
}

func TestChat_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	resp := env.postChat(t, `{"conversationId":"nope","message":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Conversation not found", decodeBody[ErrorResponse](t, resp).Error)
}

func TestChat_StoreFailureBeforeStream(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	env.store.FailOn(store.OpCreateConversation, errors.New("disk full"))

	resp := env.postChat(t, `{"message":"hi"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to process chat request", decodeBody[ErrorResponse](t, resp).Error)
}

func TestChat_MidStreamFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, provider.NewEcho(provider.EchoOptions{FailAfter: 1}), nil)

	resp := env.postChat(t, `{"message":"hello there"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "status is committed before generation fails")

	events := readEvents(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, stream.TypeStart, events[0].Type())
	assert.Equal(t, stream.TypeText, events[1].Type())
	errEv, ok := events[2].(stream.Error)
	require.True(t, ok)
	assert.Contains(t, errEv.Reason, provider.ErrInjected.Error())

	msgs, err := env.store.ListMessages(context.Background(), events[0].(stream.Start).ConversationID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	hdr := http.Header{"X-Forwarded-For": []string{"203.0.113.7"}}

	for i := 0; i < 10; i++ {
		resp := env.postChat(t, `{"message":"hi"}`, hdr)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	resp := env.postChat(t, `{"message":"hi"}`, hdr)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	retry, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "Chat rate limit exceeded")

	// Another client is unaffected, and the API class has its own budget.
	other := env.postChat(t, `{"message":"hi"}`, http.Header{"X-Forwarded-For": []string{"198.51.100.1"}})
	assert.Equal(t, http.StatusOK, other.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/conversations", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}

func TestChat_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	resp, err := http.Get(env.server.URL + "/api/chat")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestConversationCRUD(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	base := env.server.URL + "/api/conversations"

	resp := doJSON(t, http.MethodPost, base, `{"title":"Plans"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[SingleConversationResponse](t, resp).Conversation
	require.NotNil(t, created.Title)
	assert.Equal(t, "Plans", *created.Title)

	resp = doJSON(t, http.MethodPost, base, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body is optional")
	untitled := decodeBody[SingleConversationResponse](t, resp).Conversation
	assert.Nil(t, untitled.Title)

	resp = doJSON(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[ListConversationsResponse](t, resp)
	assert.Len(t, list.Conversations, 2)

	resp = doJSON(t, http.MethodGet, base+"?limit=1", "")
	assert.Len(t, decodeBody[ListConversationsResponse](t, resp).Conversations, 1)

	resp = doJSON(t, http.MethodGet, base+"?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, base+"/"+created.ID, `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", *decodeBody[SingleConversationResponse](t, resp).Conversation.Title)

	resp = doJSON(t, http.MethodPatch, base+"/"+created.ID, `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, base+"/"+created.ID, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, base+"/missing", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeBody[SingleConversationResponse](t, resp).Conversation.ID)

	resp = doJSON(t, http.MethodDelete, base+"/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"success": true}, decodeBody[map[string]bool](t, resp))

	resp = doJSON(t, http.MethodGet, base+"/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, base+"/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, base+"/"+untitled.ID, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListConversationsIncludesPreview(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	base := env.server.URL + "/api/conversations"

	events := readEvents(t, env.postChat(t, `{"message":"  Plan a trip to Kyoto  "}`, nil).Body)
	convID := events[0].(stream.Start).ConversationID

	resp := doJSON(t, http.MethodPost, base, `{}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	emptyID := decodeBody[SingleConversationResponse](t, resp).Conversation.ID

	resp = doJSON(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	convs := decodeBody[ListConversationsResponse](t, resp).Conversations
	require.Len(t, convs, 2)

	byID := make(map[string]ConversationResponse, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	assert.Equal(t, "Plan a trip to Kyoto", byID[convID].Preview)
	assert.Equal(t, 2, byID[convID].MessageCount)
	assert.Nil(t, byID[convID].Title)
	assert.Empty(t, byID[convID].Messages)
	assert.Equal(t, "", byID[emptyID].Preview)
}

func TestGetConversationIncludesMessages(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	events := readEvents(t, env.postChat(t, `{"message":"hello"}`, nil).Body)
	convID := events[0].(stream.Start).ConversationID

	resp := doJSON(t, http.MethodGet, env.server.URL+"/api/conversations/"+convID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decodeBody[SingleConversationResponse](t, resp).Conversation
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, 2, conv.MessageCount)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	resp := doJSON(t, http.MethodGet, env.server.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody[map[string]string](t, resp)["status"])

	resp = doJSON(t, http.MethodGet, env.server.URL+"/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo", decodeBody[map[string]string](t, resp)["provider"])
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, echo(), func(c *config.Config) { c.Server.CORSOrigin = "https://chat.example.com" })

	resp := doJSON(t, http.MethodOptions, env.server.URL+"/api/chat", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://chat.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Retry-After")
	assert.Zero(t, env.store.Calls(store.OpCreateConversation))
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t, echo(), nil)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(logging.RequestIDHeader, "req-abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc", resp.Header.Get(logging.RequestIDHeader))
}

func TestRecoverer(t *testing.T) {
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}), requestID(), recoverer(nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Internal server error", body.Error)
}

func TestAccessLogKeepsFlusher(t *testing.T) {
	var sawFlusher bool
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}), accessLog(nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, sawFlusher)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestInitStore_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "memory"

	s, err := initStore(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestInitStore_EnvOverride(t *testing.T) {
	path := t.TempDir() + "/override.db"
	t.Setenv("CHATRELAY_DB_PATH", path)

	s, err := initStore(config.Default())
	require.NoError(t, err)
	defer s.Close()

	conv := &store.Conversation{ID: "c1", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
}

func TestShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.SweepInterval = 0
	st := store.NewMockStore()
	gw := NewWithDeps(cfg, st, echo(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, gw.Shutdown(ctx))
}

func TestGRPCDisabledWithoutAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Server.GRPCAddr = ""
	cfg.RateLimit.SweepInterval = 0
	gw := NewWithDeps(cfg, store.NewMockStore(), echo(), nil)
	t.Cleanup(gw.limiter.Close)
	assert.Nil(t, gw.GRPCServer())
}

// newGRPCClient serves the gateway's gRPC server over an in-memory listener.
func newGRPCClient(t *testing.T, env *testEnv) relayrpc.ChatRelayClient {
	t.Helper()
	srv := env.gw.GRPCServer()
	require.NotNil(t, srv)

	lis := bufconn.Listen(1 << 20)
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
	return relayrpc.NewChatRelayClient(conn)
}

func recvAll(t *testing.T, s relayrpc.ChatRelay_ChatClient) ([]stream.Event, error) {
	t.Helper()
	var buf bytes.Buffer
	for {
		msg, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return readEvents(t, &buf), nil
		}
		if err != nil {
			return readEvents(t, &buf), err
		}
		buf.Write(msg.GetValue())
		buf.WriteByte('\n')
	}
}

func TestGRPCChat(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	client := newGRPCClient(t, env)

	s, err := client.Chat(context.Background(), wrapperspb.Bytes([]byte(`{"message":"hello"}`)))
	require.NoError(t, err)

	events, err := recvAll(t, s)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)
	start := events[0].(stream.Start)
	end := events[len(events)-1].(stream.End)

	hdr, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{start.ConversationID}, hdr.Get("x-conversation-id"))

	msgs, err := env.store.ListMessages(context.Background(), start.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, end.MessageID, msgs[1].ID)
}

func TestGRPCChat_PreStreamErrors(t *testing.T) {
	env := newTestEnv(t, echo(), nil)
	client := newGRPCClient(t, env)

	tests := []struct {
		name string
		body string
		code codes.Code
	}{
		{"validation", `{"message":""}`, codes.InvalidArgument},
		{"malformed", `not json`, codes.InvalidArgument},
		{"not found", `{"conversationId":"missing","message":"hi"}`, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := client.Chat(context.Background(), wrapperspb.Bytes([]byte(tt.body)))
			require.NoError(t, err)
			events, err := recvAll(t, s)
			assert.Empty(t, events)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGRPCChat_RateLimited(t *testing.T) {
	env := newTestEnv(t, echo(), func(c *config.Config) { c.RateLimit.ChatLimit = 1 })
	client := newGRPCClient(t, env)
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-forwarded-for", "192.0.2.9")

	s, err := client.Chat(ctx, wrapperspb.Bytes([]byte(`{"message":"hi"}`)))
	require.NoError(t, err)
	_, err = recvAll(t, s)
	require.NoError(t, err)

	s, err = client.Chat(ctx, wrapperspb.Bytes([]byte(`{"message":"hi"}`)))
	require.NoError(t, err)
	_, err = recvAll(t, s)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	retry := s.Trailer().Get(relayrpc.RetryAfterKey)
	require.Len(t, retry, 1)
	secs, convErr := strconv.Atoi(retry[0])
	require.NoError(t, convErr)
	assert.Greater(t, secs, 0)
}

func TestGRPCChat_MidStreamError(t *testing.T) {
	env := newTestEnv(t, provider.NewEcho(provider.EchoOptions{FailAfter: 1}), nil)
	client := newGRPCClient(t, env)

	s, err := client.Chat(context.Background(), wrapperspb.Bytes([]byte(`{"message":"hello there"}`)))
	require.NoError(t, err)

	events, err := recvAll(t, s)
	require.NoError(t, err, "in-band failures end the RPC with OK")
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeError, events[len(events)-1].Type())
}
