// ABOUTME: Store interface and data types for chatrelay persistence
// ABOUTME: Defines Conversation, Message, and Role plus the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an entity with the same ID already exists
var ErrDuplicate = errors.New("already exists")

// ErrInvalidRole is returned when a message carries a role outside the known set
var ErrInvalidRole = errors.New("invalid message role")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// PreviewLength bounds Conversation.Preview in characters.
const PreviewLength = 100

// Conversation is an ordered exchange between a user and the generator.
type Conversation struct {
	ID        string
	Title     *string // nil until the user names it
	CreatedAt time.Time
	UpdatedAt time.Time

	// MessageCount and Preview are filled by ListConversations. Preview is
	// the start of the first message, at most PreviewLength characters.
	MessageCount int
	Preview      string
	// Messages is filled by GetConversation, oldest first.
	Messages []*Message
}

// Message is a single turn. Content is never edited once stored; a failed
// exchange removes its user message instead.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// Store defines the persistence operations the relay needs.
type Store interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	// GetConversation returns the conversation with its messages in order.
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversations returns conversations most recently updated first.
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) (*Conversation, error)
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage stores msg and bumps the conversation's UpdatedAt.
	AppendMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns the most recent limit messages, oldest first.
	// A limit of zero or less returns every message.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// clampListLimit applies the default and maximum page size for listings.
func clampListLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
