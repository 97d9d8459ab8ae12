// ABOUTME: Minimal OpenAI-compatible streaming server for manual end-to-end testing
// ABOUTME: Usage: fake-provider [-addr localhost:9090] [-delay 50ms] [-fail-after N] [-drop-after N]

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/chatrelay/internal/logging"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type options struct {
	delay     time.Duration
	failAfter int
	dropAfter int
}

func main() {
	addr := flag.String("addr", "localhost:9090", "Listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between fragments")
	failAfter := flag.Int("fail-after", 0, "Send an error event after N fragments (0 disables)")
	dropAfter := flag.Int("drop-after", 0, "Close the connection after N fragments without finishing (0 disables)")
	flag.Parse()

	logger := logging.New("debug", "text", os.Stderr)
	opts := options{delay: *delay, failAfter: *failAfter, dropAfter: *dropAfter}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", handleCompletions(opts, logger))
	mux.HandleFunc("/v1/chat/completions", handleCompletions(opts, logger))

	logger.Info("fake provider listening",
		"addr", *addr,
		"base_url", "http://"+*addr,
		"fail_after", opts.failAfter,
		"drop_after", opts.dropAfter)

	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func handleCompletions(opts options, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":{"message":"invalid request"}}`, http.StatusBadRequest)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		reply := "Echo: " + lastUser(req.Messages)
		id := "chatcmpl-" + uuid.NewString()
		logger.Info("completion", "id", id, "model", req.Model, "messages", len(req.Messages))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		sent := 0
		for _, word := range strings.SplitAfter(reply, " ") {
			if word == "" {
				continue
			}
			if opts.failAfter > 0 && sent >= opts.failAfter {
				writeEvent(w, map[string]any{"error": map[string]string{"message": "fake provider failure"}})
				flusher.Flush()
				logger.Info("injected failure", "id", id, "after", sent)
				return
			}
			if opts.dropAfter > 0 && sent >= opts.dropAfter {
				logger.Info("dropping connection", "id", id, "after", sent)
				return
			}

			select {
			case <-time.After(opts.delay):
			case <-r.Context().Done():
				logger.Info("client went away", "id", id)
				return
			}

			writeEvent(w, chunk(id, req.Model, word, nil))
			flusher.Flush()
			sent++
		}

		stop := "stop"
		writeEvent(w, chunk(id, req.Model, "", &stop))
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func chunk(id, model, content string, finish *string) map[string]any {
	return map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]string{"content": content},
			"finish_reason": finish,
		}},
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func lastUser(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return "hello"
}
