// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory with copy-on-read semantics and per-operation failure injection

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Op names a Store operation for failure injection.
type Op string

const (
	OpCreateConversation Op = "CreateConversation"
	OpGetConversation    Op = "GetConversation"
	OpListConversations  Op = "ListConversations"
	OpUpdateTitle        Op = "UpdateConversationTitle"
	OpDeleteConversation Op = "DeleteConversation"
	OpAppendMessage      Op = "AppendMessage"
	OpDeleteMessage      Op = "DeleteMessage"
	OpListMessages       Op = "ListMessages"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, insertion order
	failures      map[Op]error
	roleFailures  map[Role]error
	calls         map[Op]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		failures:      make(map[Op]error),
		roleFailures:  make(map[Role]error),
		calls:         make(map[Op]int),
	}
}

// FailOn makes every later call to op return err. A nil err clears it.
func (m *MockStore) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// FailAppendFor makes AppendMessage fail only for messages with the given role.
func (m *MockStore) FailAppendFor(role Role, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.roleFailures, role)
		return
	}
	m.roleFailures[role] = err
}

// Calls returns how many times op has been invoked.
func (m *MockStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// record counts the call and returns the injected failure. Must be called with mu held.
func (m *MockStore) record(op Op) error {
	m.calls[op]++
	return m.failures[op]
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpCreateConversation); err != nil {
		return err
	}

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	c := copyConversation(conv)
	c.Messages = nil
	c.MessageCount = 0
	m.conversations[c.ID] = c
	return nil
}

// GetConversation retrieves a conversation with its messages.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpGetConversation); err != nil {
		return nil, err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyConversation(conv)
	c.Messages = copyMessages(m.messages[id])
	c.MessageCount = len(c.Messages)
	return c, nil
}

// ListConversations returns conversations by updated time, newest first.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpListConversations); err != nil {
		return nil, err
	}

	result := make([]*Conversation, 0, len(m.conversations))
	for id, conv := range m.conversations {
		c := copyConversation(conv)
		c.MessageCount = len(m.messages[id])
		if msgs := m.messages[id]; len(msgs) > 0 {
			c.Preview = preview(msgs[0].Content)
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	limit = clampListLimit(limit)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateConversationTitle sets the title of a conversation.
func (m *MockStore) UpdateConversationTitle(ctx context.Context, id, title string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpUpdateTitle); err != nil {
		return nil, err
	}

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv.Title = &title
	conv.UpdatedAt = time.Now()

	c := copyConversation(conv)
	c.Messages = copyMessages(m.messages[id])
	c.MessageCount = len(c.Messages)
	return c, nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpDeleteConversation); err != nil {
		return err
	}

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// AppendMessage adds a message to its conversation.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAppendMessage); err != nil {
		return err
	}
	if err := m.roleFailures[msg.Role]; err != nil {
		return err
	}
	if !msg.Role.Valid() {
		return ErrInvalidRole
	}

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	for _, msgs := range m.messages {
		for _, existing := range msgs {
			if existing.ID == msg.ID {
				return ErrDuplicate
			}
		}
	}

	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	conv.UpdatedAt = msg.CreatedAt
	return nil
}

// DeleteMessage removes a message by ID.
func (m *MockStore) DeleteMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpDeleteMessage); err != nil {
		return err
	}

	for convID, msgs := range m.messages {
		for i, msg := range msgs {
			if msg.ID == id {
				m.messages[convID] = append(msgs[:i:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return ErrNotFound
}

// ListMessages returns messages in insertion order, limited to the newest limit.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpListMessages); err != nil {
		return nil, err
	}

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return copyMessages(msgs), nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyConversation(conv *Conversation) *Conversation {
	c := *conv
	if conv.Title != nil {
		title := *conv.Title
		c.Title = &title
	}
	return &c
}

func copyMessages(msgs []*Message) []*Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		out[i] = &cp
	}
	return out
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func preview(content string) string {
	r := []rune(content)
	if len(r) > PreviewLength {
		r = r[:PreviewLength]
	}
	return string(r)
}
