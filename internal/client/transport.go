// ABOUTME: Transports that open a chat stream against the relay over HTTP or gRPC
// ABOUTME: Pre-stream failures come back as *APIError; a successful Open yields raw NDJSON bytes

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/chatrelay/internal/relayrpc"
)

// ChatRequest is the body of a chat send.
type ChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// Transport opens one chat stream. The returned reader yields the encoded
// event stream and must be closed by the caller.
type Transport interface {
	Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}

// HTTPTransport posts to /api/chat on a relay base URL.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// NewHTTPTransport creates a transport for the relay at baseURL.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (t *HTTPTransport) httpClient() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

// Open sends the request and returns the response body on 200.
func (t *HTTPTransport) Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	for k, v := range t.Header {
		httpReq.Header[k] = v
	}

	resp, err := t.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp.Body, nil
}

// GRPCTransport opens chat streams over the ChatRelay gRPC service.
type GRPCTransport struct {
	client relayrpc.ChatRelayClient
}

// NewGRPCTransport wraps a ChatRelay client.
func NewGRPCTransport(c relayrpc.ChatRelayClient) *GRPCTransport {
	return &GRPCTransport{client: c}
}

// Open starts the RPC and waits for its first message, so that failures the
// server reports before streaming surface here rather than mid-read.
func (t *GRPCTransport) Open(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s, err := t.client.Chat(ctx, wrapperspb.Bytes(body))
	if err != nil {
		cancel()
		return nil, fromStatus(err, nil)
	}

	first, err := s.Recv()
	if err != nil {
		cancel()
		if errors.Is(err, io.EOF) {
			return nil, &APIError{Status: http.StatusBadGateway, Message: "stream closed before any event"}
		}
		return nil, fromStatus(err, s.Trailer())
	}

	r := &grpcStreamReader{stream: s, cancel: cancel}
	r.buf.Write(first.GetValue())
	r.buf.WriteByte('\n')
	return r, nil
}

// grpcStreamReader exposes stream messages as newline-terminated records.
type grpcStreamReader struct {
	stream relayrpc.ChatRelay_ChatClient
	cancel context.CancelFunc
	buf    bytes.Buffer
	err    error
	once   sync.Once
}

func (r *grpcStreamReader) Read(p []byte) (int, error) {
	for r.buf.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		msg, err := r.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.err = io.EOF
			} else {
				r.err = fmt.Errorf("receiving stream: %w", err)
			}
			continue
		}
		r.buf.Write(msg.GetValue())
		r.buf.WriteByte('\n')
	}
	return r.buf.Read(p)
}

func (r *grpcStreamReader) Close() error {
	r.once.Do(r.cancel)
	return nil
}

// fromStatus converts a gRPC status into an APIError with the matching HTTP status.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("opening stream: %w", err)
	}

	apiErr := &APIError{Message: st.Message()}
	switch st.Code() {
	case codes.InvalidArgument:
		apiErr.Status = http.StatusBadRequest
	case codes.NotFound:
		apiErr.Status = http.StatusNotFound
	case codes.ResourceExhausted:
		apiErr.Status = http.StatusTooManyRequests
		if vals := trailer.Get(relayrpc.RetryAfterKey); len(vals) > 0 {
			apiErr.RetryAfter, _ = strconv.Atoi(vals[0])
		}
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return fmt.Errorf("opening stream: %w", err)
	default:
		apiErr.Status = http.StatusInternalServerError
	}
	return apiErr
}
