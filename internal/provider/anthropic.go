// ABOUTME: Adapter for the Anthropic messages API with streaming
// ABOUTME: Relays text deltas and completes on message_stop

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// Anthropic streams from the /v1/messages endpoint.
type Anthropic struct {
	opts   HTTPOptions
	client *http.Client
	logger *slog.Logger
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(opts HTTPOptions, logger *slog.Logger) *Anthropic {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultAnthropicBaseURL
	}
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{opts: opts, client: opts.client(), logger: logger}
}

// Name returns "anthropic".
func (p *Anthropic) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildRequest moves system turns into the top-level system prompt, which is
// where the messages API expects them.
func (p *Anthropic) buildRequest(history []Turn) anthropicRequest {
	req := anthropicRequest{
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
		Stream:    true,
	}
	var system []string
	for _, t := range history {
		if t.Role == RoleSystem {
			system = append(system, t.Content)
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: t.Role, Content: t.Content})
	}
	req.System = strings.Join(system, "\n\n")
	return req
}

// Stream posts history and relays text deltas as fragments.
func (p *Anthropic) Stream(ctx context.Context, history []Turn) (<-chan Fragment, error) {
	data, err := json.Marshal(p.buildRequest(history))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(p.opts.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("anthropic-version", anthropicVersion)
	if p.opts.APIKey != "" {
		req.Header.Set("x-api-key", p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstreamError("anthropic", resp)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := readSSE(resp.Body, func(rec sseRecord) (bool, error) {
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(rec.Data), &ev); err != nil {
				p.logger.Warn("skipping unparseable event", "event", rec.Event, "error", err)
				return false, nil
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !send(ctx, out, Fragment{Text: ev.Delta.Text}) {
						return true, nil
					}
				}
			case "message_stop":
				send(ctx, out, Fragment{Done: true})
				return true, nil
			case "error":
				msg := "unknown error"
				if ev.Error != nil {
					msg = ev.Error.Type + ": " + ev.Error.Message
				}
				send(ctx, out, Fragment{Err: fmt.Errorf("anthropic: %s", msg)})
				return true, nil
			}
			return false, nil
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			err = ErrIncomplete
		}
		send(ctx, out, Fragment{Err: fmt.Errorf("anthropic: %w", err)})
	}()

	return out, nil
}
