// ABOUTME: Deterministic local provider that streams a reply word by word
// ABOUTME: Used for development, demos, and tests; can inject mid-stream failures

package provider

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrInjected is the failure produced by Echo when FailAfter is reached.
var ErrInjected = errors.New("injected generation failure")

// EchoOptions configures Echo.
type EchoOptions struct {
	// Reply computes the full reply. Defaults to echoing the last user turn.
	Reply func(history []Turn) string
	// Delay is slept between fragments.
	Delay time.Duration
	// FailAfter, when positive, fails the stream after that many fragments.
	FailAfter int
}

// Echo streams a reply computed locally.
type Echo struct {
	opts EchoOptions
}

// NewEcho creates an Echo provider.
func NewEcho(opts EchoOptions) *Echo {
	if opts.Reply == nil {
		opts.Reply = echoLastUser
	}
	return &Echo{opts: opts}
}

// Name returns "echo".
func (e *Echo) Name() string { return "echo" }

// Stream emits the reply split on word boundaries, keeping the spaces so the
// fragments concatenate back to the exact reply.
func (e *Echo) Stream(ctx context.Context, history []Turn) (<-chan Fragment, error) {
	reply := e.opts.Reply(history)
	out := make(chan Fragment, 16)

	go func() {
		defer close(out)

		failing := func(sent int) bool { return e.opts.FailAfter > 0 && sent >= e.opts.FailAfter }

		sent := 0
		for _, word := range strings.SplitAfter(reply, " ") {
			if word == "" {
				continue
			}
			if failing(sent) {
				send(ctx, out, Fragment{Err: ErrInjected})
				return
			}
			if e.opts.Delay > 0 {
				select {
				case <-time.After(e.opts.Delay):
				case <-ctx.Done():
					return
				}
			}
			if !send(ctx, out, Fragment{Text: word}) {
				return
			}
			sent++
		}
		if failing(sent) {
			send(ctx, out, Fragment{Err: ErrInjected})
			return
		}
		send(ctx, out, Fragment{Done: true})
	}()

	return out, nil
}

func echoLastUser(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return "You said: " + history[i].Content
		}
	}
	return "Hello! Send me a message and I will echo it back."
}
