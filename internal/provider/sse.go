// ABOUTME: Minimal server-sent events reader shared by the HTTP provider adapters
// ABOUTME: Groups event/data lines into records and dispatches on blank lines

package provider

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// sseRecord is one dispatched server-sent event.
type sseRecord struct {
	Event string
	Data  string
}

// readSSE calls fn for each record in r until fn returns stop, r is exhausted,
// or a read fails. It returns io.EOF if r ended before fn stopped.
func readSSE(r io.Reader, fn func(rec sseRecord) (stop bool, err error)) error {
	reader := bufio.NewReader(r)
	var event string
	var data []string

	dispatch := func() (bool, error) {
		if len(data) == 0 {
			event = ""
			return false, nil
		}
		rec := sseRecord{Event: event, Data: strings.Join(data, "\n")}
		event, data = "", nil
		return fn(rec)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				// A final record without its blank line still counts.
				if stop, ferr := dispatch(); ferr != nil || stop {
					return ferr
				}
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if stop, ferr := dispatch(); ferr != nil || stop {
				return ferr
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// upstreamError reads a bounded amount of a failed response body into an error.
func upstreamError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("%s: upstream status %d: %s", name, resp.StatusCode, msg)
}
