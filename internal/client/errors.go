// ABOUTME: Error types surfaced by the client: API rejections and failed streams
// ABOUTME: APIError carries the status and Retry-After hint from the relay's JSON error body

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ErrIncomplete means the stream ended without an end or error event.
var ErrIncomplete = errors.New("stream ended before the reply completed")

// APIError is a request the relay rejected before any streaming started.
type APIError struct {
	Status     int
	Message    string
	RetryAfter int // seconds; set on 429
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return e.Message
}

// RateLimited reports whether the request was denied by the admission gate.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// StreamError is an error event delivered inside the stream.
type StreamError struct {
	Reason string
}

func (e *StreamError) Error() string {
	return e.Reason
}

// errorBody covers both the generic error body and the rate-limit body.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// readAPIError builds an APIError from a non-200 response.
func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
		apiErr.RetryAfter = body.RetryAfter
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			apiErr.RetryAfter = secs
		}
	}
	return apiErr
}
