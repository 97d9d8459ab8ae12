// ABOUTME: Session consumes a chat stream for one conversation view
// ABOUTME: Inserts the user message optimistically, rolls it back on failure, allows one send at a time

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/chatrelay/internal/stream"
)

// Navigator replaces the addressable location of the current view, for
// example the URL or window title, without adding a history entry.
type Navigator interface {
	Replace(conversationID string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(conversationID string)

func (f NavigatorFunc) Replace(conversationID string) { f(conversationID) }

// Observer receives notifications while a send is running. Either field
// may be nil. Callbacks run on the sending goroutine with no lock held.
type Observer struct {
	// OnEvent is called after each stream event has been applied.
	OnEvent func(ev stream.Event)
	// OnChange is called after any change to messages, buffer, or error.
	OnChange func()
}

// SessionOptions configures a Session.
type SessionOptions struct {
	ConversationID string
	Messages       []Message
	Navigator      Navigator
	Observer       Observer
	Now            func() time.Time
	Logger         *slog.Logger
}

// Session holds the client-side view of one conversation.
type Session struct {
	transport Transport
	nav       Navigator
	observer  Observer
	now       func() time.Time
	logger    *slog.Logger

	mu             sync.Mutex
	conversationID string
	messages       []Message
	streaming      strings.Builder
	err            error
	inFlight       bool
	tempSeq        int
}

// NewSession creates a Session that sends through t.
func NewSession(t Transport, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		transport:      t,
		nav:            opts.Navigator,
		observer:       opts.Observer,
		now:            now,
		logger:         logger.With("component", "session"),
		conversationID: opts.ConversationID,
	}
	s.messages = append(s.messages, opts.Messages...)
	return s
}

// Send posts text and consumes the reply stream. It returns once the stream
// has finished. A Send while another is in flight does nothing and returns
// nil. The returned error is the same one Err reports afterwards.
func (s *Session) Send(ctx context.Context, text string) error {
	// The server stores the trimmed message; keep the local copy identical.
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil
	}
	s.inFlight = true
	s.err = nil
	s.streaming.Reset()
	s.tempSeq++
	tempID := "temp-" + strconv.Itoa(s.tempSeq)
	convID := s.conversationID
	s.messages = append(s.messages, Message{
		ID:             tempID,
		ConversationID: convID,
		Role:           RoleUser,
		Content:        text,
		CreatedAt:      s.now(),
	})
	s.mu.Unlock()
	s.changed()

	err := s.run(ctx, ChatRequest{ConversationID: convID, Message: text}, tempID)

	s.mu.Lock()
	if err != nil {
		s.removeMessage(tempID)
		s.streaming.Reset()
		s.err = err
	}
	s.inFlight = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("send failed", "error", err)
		s.changed()
	}
	return err
}

// run opens the stream and applies events until a terminal one arrives.
func (s *Session) run(ctx context.Context, req ChatRequest, tempID string) error {
	body, err := s.transport.Open(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	r := stream.NewReader(body, s.logger)
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return ErrIncomplete
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		done, adopted, evErr := s.apply(ev, tempID)
		if adopted != "" && s.nav != nil {
			s.nav.Replace(adopted)
		}
		if s.observer.OnEvent != nil {
			s.observer.OnEvent(ev)
		}
		s.changed()
		if done {
			if n := r.Skipped(); n > 0 {
				s.logger.Warn("skipped malformed stream lines", "count", n)
			}
			return evErr
		}
	}
}

// apply updates session state for one event. It reports whether the event
// ended the stream and the conversation id adopted from a start event, if any.
func (s *Session) apply(ev stream.Event, tempID string) (done bool, adopted string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case stream.Start:
		if s.conversationID == "" && e.ConversationID != "" {
			s.conversationID = e.ConversationID
			for i := range s.messages {
				if s.messages[i].ID == tempID {
					s.messages[i].ConversationID = e.ConversationID
				}
			}
			return false, e.ConversationID, nil
		}
		return false, "", nil

	case stream.Text:
		s.streaming.WriteString(e.Fragment)
		return false, "", nil

	case stream.End:
		s.messages = append(s.messages, Message{
			ID:             e.MessageID,
			ConversationID: s.conversationID,
			Role:           RoleAssistant,
			Content:        s.streaming.String(),
			CreatedAt:      s.now(),
		})
		s.streaming.Reset()
		return true, "", nil

	case stream.Error:
		return true, "", &StreamError{Reason: e.Reason}
	}
	return false, "", nil
}

func (s *Session) removeMessage(id string) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Session) changed() {
	if s.observer.OnChange != nil {
		s.observer.OnChange()
	}
}

// Messages returns a copy of the confirmed and optimistic messages, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Streaming returns the reply text received so far for the running send.
func (s *Session) Streaming() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming.String()
}

// Err returns the error of the last send, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClearError resets the session error.
func (s *Session) ClearError() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
	s.changed()
}

// ConversationID returns the conversation this session is bound to, or "".
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// InFlight reports whether a send is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// ErrBusy is returned by Load while a send is running.
var ErrBusy = errors.New("a message is still being sent")

// Load rebinds the session to another conversation, replacing its messages.
// An empty id starts a fresh conversation on the next send.
func (s *Session) Load(conversationID string, messages []Message) error {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return ErrBusy
	}
	s.conversationID = conversationID
	s.messages = append([]Message(nil), messages...)
	s.streaming.Reset()
	s.err = nil
	s.mu.Unlock()
	s.changed()
	return nil
}
