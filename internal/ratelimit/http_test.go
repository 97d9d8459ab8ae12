// ABOUTME: Tests for client key derivation and the rate limit HTTP middleware
// ABOUTME: Checks forwarded header precedence, 429 bodies, and response headers

package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientKey_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		trusted bool
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first entry", true, map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.1"}, "10.0.0.9:5555", "203.0.113.5"},
		{"real ip fallback", true, map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.9:5555", "198.51.100.7"},
		{"remote addr fallback", true, nil, "192.0.2.1:40000", "192.0.2.1"},
		{"ipv6 remote", true, nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"headers ignored when untrusted", false, map[string]string{"X-Forwarded-For": "203.0.113.5"}, "192.0.2.1:40000", "192.0.2.1"},
		{"no identity", true, nil, "", UnknownClient},
		{"empty forwarded entry", true, map[string]string{"X-Forwarded-For": " , 10.0.0.1"}, "", UnknownClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientKey(tt.trusted)(r))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 30, RetryAfterSeconds(30*time.Second))
	assert.Equal(t, 31, RetryAfterSeconds(30*time.Second+time.Millisecond))
}

func TestMiddleware_AdmitsAndSetsHeaders(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, map[Class]Rule{ClassAPI: {Limit: 2, Window: time.Minute}})

	called := 0
	h := l.Middleware(ClassAPI, ClientKey(true))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, called)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddleware_DeniesWith429(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, map[Class]Rule{ClassChat: {Limit: 1, Window: time.Minute}})

	called := 0
	h := l.Middleware(ClassChat, ClientKey(true))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
	}))

	send := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.5")
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	clock.Advance(15 * time.Second)
	rec := send()

	assert.Equal(t, 1, called)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2025-03-01T12:01:00Z", rec.Header().Get("X-RateLimit-Reset"))

	var body DeniedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 45, body.RetryAfter)
	assert.Equal(t, 1, body.Limit)
	assert.Equal(t, 0, body.Remaining)
	assert.Contains(t, body.Error, "Chat rate limit exceeded")
}

func TestMiddleware_PreflightNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(t, clock, map[Class]Rule{ClassAPI: {Limit: 1, Window: time.Minute}})
	h := l.Middleware(ClassAPI, ClientKey(true))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/conversations", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
