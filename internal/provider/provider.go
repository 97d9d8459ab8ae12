// ABOUTME: Streaming generation contract shared by every backend adapter
// ABOUTME: Defines Turn, Fragment, the Provider interface, and the config-driven factory

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/chatrelay/internal/config"
)

// ErrIncomplete is reported when a fragment channel closes without a terminal fragment.
var ErrIncomplete = errors.New("generation ended without completion")

// Role values used in Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one entry of the history handed to a provider.
type Turn struct {
	Role    string
	Content string
}

// Fragment is one item produced by a generation. Exactly one of Text, Err, or
// Done is meaningful; Err and Done are terminal.
type Fragment struct {
	Text string
	Err  error
	Done bool
}

// Provider generates a reply to history as a stream of fragments.
type Provider interface {
	Name() string
	Stream(ctx context.Context, history []Turn) (<-chan Fragment, error)
}

// New builds the provider named by cfg.Provider.
func New(cfg config.GenerationConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "provider", "provider", cfg.Provider)

	switch strings.ToLower(cfg.Provider) {
	case "", "echo":
		return NewEcho(EchoOptions{Delay: cfg.EchoDelay}), nil
	case "openai":
		return NewOpenAI(HTTPOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, logger), nil
	case "anthropic":
		return NewAnthropic(HTTPOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported generation provider: %s", cfg.Provider)
	}
}

// HTTPOptions configures the HTTP-backed adapters.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Client    *http.Client // defaults to a client without an overall timeout
}

func (o HTTPOptions) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	// The caller's context bounds the request; a fixed client timeout would
	// cut off long generations.
	return &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}}
}

// send delivers f unless ctx is done. It reports whether f was delivered.
func send(ctx context.Context, out chan<- Fragment, f Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// Collect drains a fragment channel into the full text. It returns
// ErrIncomplete if the channel closes without a terminal fragment.
func Collect(ctx context.Context, frags <-chan Fragment) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case f, ok := <-frags:
			if !ok {
				return sb.String(), ErrIncomplete
			}
			switch {
			case f.Err != nil:
				return sb.String(), f.Err
			case f.Done:
				return sb.String(), nil
			default:
				sb.WriteString(f.Text)
			}
		}
	}
}
