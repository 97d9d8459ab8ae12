// ABOUTME: Adapter for OpenAI-compatible chat completion endpoints with streaming
// ABOUTME: Parses SSE data lines into fragments and treats [DONE] as completion

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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI streams from an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	opts   HTTPOptions
	client *http.Client
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible adapter.
func NewOpenAI(opts HTTPOptions, logger *slog.Logger) *OpenAI {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultOpenAIBaseURL
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{opts: opts, client: opts.client(), logger: logger}
}

// Name returns "openai".
func (p *OpenAI) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream posts history and relays delta content as fragments.
func (p *OpenAI) Stream(ctx context.Context, history []Turn) (<-chan Fragment, error) {
	body := openAIRequest{
		Model:     p.opts.Model,
		Stream:    true,
		MaxTokens: p.opts.MaxTokens,
	}
	for _, t := range history {
		body.Messages = append(body.Messages, openAIMessage{Role: t.Role, Content: t.Content})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(p.opts.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, upstreamError("openai", resp)
	}

	out := make(chan Fragment, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		err := readSSE(resp.Body, func(rec sseRecord) (bool, error) {
			if strings.TrimSpace(rec.Data) == "[DONE]" {
				send(ctx, out, Fragment{Done: true})
				return true, nil
			}

			var chunk openAIChunk
			if err := json.Unmarshal([]byte(rec.Data), &chunk); err != nil {
				p.logger.Warn("skipping unparseable chunk", "error", err)
				return false, nil
			}
			if chunk.Error != nil {
				send(ctx, out, Fragment{Err: fmt.Errorf("openai: %s", chunk.Error.Message)})
				return true, nil
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				if !send(ctx, out, Fragment{Text: chunk.Choices[0].Delta.Content}) {
					return true, nil
				}
			}
			return false, nil
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			err = ErrIncomplete
		}
		send(ctx, out, Fragment{Err: fmt.Errorf("openai: %w", err)})
	}()

	return out, nil
}
