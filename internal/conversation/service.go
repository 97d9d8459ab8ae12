// ABOUTME: Conversation service that sequences persistence and generation for a chat exchange
// ABOUTME: The user message is recorded before generation and removed again if the exchange faults

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/chatrelay/internal/logging"
	"github.com/2389/chatrelay/internal/provider"
	"github.com/2389/chatrelay/internal/store"
	"github.com/2389/chatrelay/internal/stream"
)

// DefaultMaxMessageLength is the maximum user message length in characters.
const DefaultMaxMessageLength = 2000

// MaxTitleLength bounds conversation titles in characters.
const MaxTitleLength = 200

// errExchangeUsed guards against streaming one Exchange twice.
var errExchangeUsed = errors.New("exchange already streamed")

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// MaxMessageLength is measured after trimming, in characters.
	MaxMessageLength int
	// HistoryLimit caps how many stored messages are sent to the provider.
	// Zero sends the whole conversation.
	HistoryLimit int
	// SystemPrompt, when set, is sent ahead of the stored history.
	SystemPrompt string
	// GenerationTimeout bounds a single provider call. Zero means no bound.
	GenerationTimeout time.Duration
	// PersistTimeout bounds writes that must survive request cancellation.
	PersistTimeout time.Duration

	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.New().String() }
	}
	return o
}

// Service runs chat exchanges and the conversation operations around them.
type Service struct {
	store    store.Store
	provider provider.Provider
	opts     Options
	logger   *slog.Logger
}

// New creates a conversation Service.
func New(st store.Store, p provider.Provider, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		provider: p,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "conversation"),
	}
}

// ChatRequest is the body of a chat call.
type ChatRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

// Sink receives the events of one exchange in order. *stream.Encoder satisfies it.
type Sink interface {
	Encode(ev stream.Event) error
}

// Result summarizes how an exchange ended.
type Result struct {
	State     State
	MessageID string // assistant message id when State is StateCompleted
	Content   string
	Err       error
	// RolledBack is true when the user message was removed after a fault.
	RolledBack bool
}

// Exchange is a chat exchange whose user message is stored and whose history
// is loaded, ready to stream. It is used by a single goroutine.
type Exchange struct {
	ConversationID string
	UserMessageID  string
	// Created is true when the exchange started a new conversation.
	Created bool

	svc     *Service
	history []provider.Turn
	state   State
	logger  *slog.Logger
}

// State returns the exchange's current state.
func (x *Exchange) State() State { return x.state }

// Chat runs a whole exchange: Begin followed by Stream. Errors before the
// stream opens are returned; later failures are reported in the Result and
// as an error event on sink.
func (s *Service) Chat(ctx context.Context, req ChatRequest, sink Sink) (Result, error) {
	x, err := s.Begin(ctx, req)
	if err != nil {
		return Result{State: StateFailed, Err: err}, err
	}
	return x.Stream(ctx, sink), nil
}

// Begin validates req, resolves or creates the conversation, stores the user
// message, and loads the history. Nothing has been written to the client when
// Begin returns; every error it returns belongs in a status code.
func (s *Service) Begin(ctx context.Context, req ChatRequest) (*Exchange, error) {
	logger := logging.FromContext(ctx, s.logger)
	x := &Exchange{svc: s, state: StateReceived, logger: logger}

	text, err := s.validateMessage(req.Message)
	if err != nil {
		logger.Debug("chat request rejected", "error", err)
		return nil, err
	}

	x.transition(StateResolvingConversation)
	convID, created, err := s.resolveConversation(ctx, strings.TrimSpace(req.ConversationID))
	if err != nil {
		return nil, err
	}
	x.ConversationID = convID
	x.Created = created
	x.logger = logger.With("conversation_id", convID)

	x.transition(StatePersistingUserMessage)
	userMsg := &store.Message{
		ID:             s.opts.NewID(),
		ConversationID: convID,
		Role:           store.RoleUser,
		Content:        text,
		CreatedAt:      s.opts.Now(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		x.transition(StateFailed)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		x.logger.Error("failed to record user message", "error", err)
		return nil, fmt.Errorf("recording user message: %w", err)
	}
	x.UserMessageID = userMsg.ID
	x.logger.Debug("user message recorded", "message_id", userMsg.ID)

	x.transition(StateLoadingHistory)
	msgs, err := s.store.ListMessages(ctx, convID, s.opts.HistoryLimit)
	if err != nil {
		x.logger.Error("failed to load history", "error", err)
		x.rollback()
		x.transition(StateFailed)
		return nil, fmt.Errorf("loading history: %w", err)
	}
	x.history = s.buildHistory(msgs)

	return x, nil
}

// Stream emits start, relays generated text, and closes the stream with end
// once the reply is stored, or with error after removing the user message.
// A sink write failure is treated as a disconnect: generation is cancelled
// and the exchange is rolled back without further writes.
func (x *Exchange) Stream(ctx context.Context, sink Sink) Result {
	if x.state != StateLoadingHistory {
		return Result{State: x.state, Err: errExchangeUsed}
	}

	x.transition(StateStreamingGeneration)
	if err := sink.Encode(stream.Start{ConversationID: x.ConversationID}); err != nil {
		return x.fail(&disconnectError{err: err}, nil)
	}

	genCtx, cancel := x.generationContext(ctx)
	defer cancel()

	var reply strings.Builder
	if err := x.generate(genCtx, sink, &reply); err != nil {
		cancel()
		var de *disconnectError
		if errors.As(err, &de) {
			return x.fail(err, nil)
		}
		return x.fail(err, sink)
	}

	// A completion with no text is still a reply and is stored as-is.
	content := reply.String()

	x.transition(StatePersistingAssistantMessage)
	assistantMsg := &store.Message{
		ID:             x.svc.opts.NewID(),
		ConversationID: x.ConversationID,
		Role:           store.RoleAssistant,
		Content:        content,
		CreatedAt:      x.svc.opts.Now(),
	}
	if err := x.persist(func(ctx context.Context) error {
		return x.svc.store.AppendMessage(ctx, assistantMsg)
	}); err != nil {
		return x.fail(&persistError{err: err}, sink)
	}

	if err := sink.Encode(stream.End{MessageID: assistantMsg.ID}); err != nil {
		// The reply is stored; the client reloads it with the conversation.
		x.logger.Warn("client gone before end event", "error", err, "message_id", assistantMsg.ID)
	}

	x.transition(StateCompleted)
	x.logger.Info("exchange completed",
		"message_id", assistantMsg.ID,
		"provider", x.svc.provider.Name(),
		"chars", utf8.RuneCountInString(content))

	return Result{State: StateCompleted, MessageID: assistantMsg.ID, Content: content}
}

func (x *Exchange) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.svc.opts.GenerationTimeout > 0 {
		return context.WithTimeout(ctx, x.svc.opts.GenerationTimeout)
	}
	return context.WithCancel(ctx)
}

// generate relays fragments to sink and accumulates them into reply.
func (x *Exchange) generate(ctx context.Context, sink Sink, reply *strings.Builder) error {
	frags, err := x.svc.provider.Stream(ctx, x.history)
	if err != nil {
		return fmt.Errorf("starting generation: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frags:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return provider.ErrIncomplete
			}
			switch {
			case f.Err != nil:
				return f.Err
			case f.Done:
				return nil
			case f.Text == "":
				continue
			}
			reply.WriteString(f.Text)
			if err := sink.Encode(stream.Text{Fragment: f.Text}); err != nil {
				return &disconnectError{err: err}
			}
		}
	}
}

// fail rolls back the user message, then reports cause on sink if it is still writable.
func (x *Exchange) fail(cause error, sink Sink) Result {
	rolledBack := x.rollback()
	x.transition(StateFailed)

	x.logger.Error("exchange failed",
		"error", cause,
		"provider", x.svc.provider.Name(),
		"rolled_back", rolledBack)

	if sink != nil {
		if err := sink.Encode(stream.Error{Reason: failureReason(cause)}); err != nil {
			x.logger.Debug("could not deliver error event", "error", err)
		}
	}

	return Result{State: StateFailed, Err: cause, RolledBack: rolledBack}
}

// rollback deletes the user message. A failure is logged and tolerated.
func (x *Exchange) rollback() bool {
	if x.UserMessageID == "" {
		return false
	}
	err := x.persist(func(ctx context.Context) error {
		return x.svc.store.DeleteMessage(ctx, x.UserMessageID)
	})
	switch {
	case err == nil:
		x.logger.Debug("user message rolled back", "message_id", x.UserMessageID)
		return true
	case errors.Is(err, store.ErrNotFound):
		return true
	default:
		x.logger.Error("rollback failed, user message left without reply",
			"error", err,
			"message_id", x.UserMessageID)
		return false
	}
}

// persist runs fn with a context detached from the request so writes finish
// even after the client goes away.
func (x *Exchange) persist(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), x.svc.opts.PersistTimeout)
	defer cancel()
	return fn(ctx)
}

func (x *Exchange) transition(to State) {
	x.logger.Debug("exchange state", "from", x.state.String(), "state", to.String())
	x.state = to
}

type disconnectError struct{ err error }

func (e *disconnectError) Error() string { return "client disconnected: " + e.err.Error() }
func (e *disconnectError) Unwrap() error { return e.err }

type persistError struct{ err error }

func (e *persistError) Error() string { return "saving reply: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// failureReason is the client-facing text for an in-band error event.
func failureReason(err error) string {
	var pe *persistError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	case errors.Is(err, context.Canceled):
		return "generation cancelled"
	case errors.Is(err, provider.ErrIncomplete):
		return "generation ended unexpectedly"
	case errors.As(err, &pe):
		return "failed to save response"
	default:
		return "generation failed: " + err.Error()
	}
}

func (s *Service) validateMessage(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", invalid("message", "must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > s.opts.MaxMessageLength {
		return "", invalid("message", fmt.Sprintf("must be at most %d characters, got %d", s.opts.MaxMessageLength, n))
	}
	return text, nil
}

func (s *Service) resolveConversation(ctx context.Context, id string) (string, bool, error) {
	if id != "" {
		conv, err := s.store.GetConversation(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return "", false, ErrConversationNotFound
		}
		if err != nil {
			return "", false, fmt.Errorf("loading conversation: %w", err)
		}
		return conv.ID, false, nil
	}

	conv, err := s.CreateConversation(ctx, "")
	if err != nil {
		return "", false, err
	}
	return conv.ID, true, nil
}

func (s *Service) buildHistory(msgs []*store.Message) []provider.Turn {
	turns := make([]provider.Turn, 0, len(msgs)+1)
	if s.opts.SystemPrompt != "" {
		turns = append(turns, provider.Turn{Role: provider.RoleSystem, Content: s.opts.SystemPrompt})
	}
	for _, m := range msgs {
		turns = append(turns, provider.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

// CreateConversation starts an empty conversation. A blank title leaves it untitled.
func (s *Service) CreateConversation(ctx context.Context, title string) (*store.Conversation, error) {
	now := s.opts.Now()
	conv := &store.Conversation{
		ID:        s.opts.NewID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if t := strings.TrimSpace(title); t != "" {
		if utf8.RuneCountInString(t) > MaxTitleLength {
			return nil, invalid("title", fmt.Sprintf("must be at most %d characters", MaxTitleLength))
		}
		conv.Title = &t
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	logging.FromContext(ctx, s.logger).Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// GetConversation returns a conversation with its messages.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations most recently updated first.
func (s *Service) ListConversations(ctx context.Context, limit int) ([]*store.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// UpdateTitle renames a conversation. The title must not be blank.
func (s *Service) UpdateTitle(ctx context.Context, id, title string) (*store.Conversation, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		return nil, invalid("title", "must not be empty")
	}
	if utf8.RuneCountInString(t) > MaxTitleLength {
		return nil, invalid("title", fmt.Sprintf("must be at most %d characters", MaxTitleLength))
	}
	conv, err := s.store.UpdateConversationTitle(ctx, id, t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating title: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	err := s.store.DeleteConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("conversation deleted", "conversation_id", id)
	return nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
