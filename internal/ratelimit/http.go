// ABOUTME: HTTP integration for the admission gate: client key derivation and middleware
// ABOUTME: Denied requests get a 429 JSON body plus Retry-After and X-RateLimit headers

package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Messages returned in the 429 body for each class.
var denialMessages = map[Class]string{
	ClassChat: "Chat rate limit exceeded. Please wait a moment before sending another message.",
	ClassAPI:  "API rate limit exceeded. Please try again later.",
}

const defaultDenialMessage = "Too many requests, please try again later."

// KeyFunc derives the client identity for a request.
type KeyFunc func(r *http.Request) string

// ClientKey returns a KeyFunc. With trustForwarded, the first X-Forwarded-For
// entry wins, then X-Real-IP. Otherwise only the connection address is used.
// Requests with no derivable identity map to UnknownClient.
func ClientKey(trustForwarded bool) KeyFunc {
	return func(r *http.Request) string {
		if trustForwarded {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				first, _, _ := strings.Cut(fwd, ",")
				if first = strings.TrimSpace(first); first != "" {
					return first
				}
			}
			if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
				return realIP
			}
		}
		return HostKey(r.RemoteAddr)
	}
}

// HostKey strips the port from a connection address. An empty address maps
// to UnknownClient.
func HostKey(addr string) string {
	if addr == "" {
		return UnknownClient
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if host == "" {
			return UnknownClient
		}
		return host
	}
	return addr
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// DeniedResponse is the JSON body of a 429.
type DeniedResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
}

// SetHeaders writes the X-RateLimit headers for an admitted request.
func SetHeaders(h http.Header, d Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
}

// WriteDenied writes a 429 response for a denied decision.
func WriteDenied(w http.ResponseWriter, class Class, d Decision) {
	retry := RetryAfterSeconds(d.RetryAfter)
	msg, ok := denialMessages[class]
	if !ok {
		msg = defaultDenialMessage
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", strconv.Itoa(retry))
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(DeniedResponse{
		Error:      msg,
		RetryAfter: retry,
		Limit:      d.Limit,
		Remaining:  0,
	})
}

// Middleware gates next behind class. Denied requests never reach next.
func (l *Limiter) Middleware(class Class, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Preflight requests are not counted.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			d := l.Allow(class, key(r))
			if !d.Allowed {
				WriteDenied(w, class, d)
				return
			}
			if d.Limit > 0 {
				SetHeaders(w.Header(), d)
			}
			next.ServeHTTP(w, r)
		})
	}
}
