// ABOUTME: HTTP client for the relay's conversation endpoints and health check
// ABOUTME: Mirrors the JSON shapes served under /api/conversations

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn as seen by the client.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a conversation as returned by the relay.
type Conversation struct {
	ID           string    `json:"id"`
	Title        *string   `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview,omitempty"`
	Messages     []Message `json:"messages,omitempty"`
}

// untitledLength is how much of the first message names an untitled conversation.
const untitledLength = 30

// DisplayTitle returns the title. Untitled conversations are named after the
// start of their first message, or a placeholder when they have none.
func (c *Conversation) DisplayTitle() string {
	if c.Title != nil && *c.Title != "" {
		return *c.Title
	}
	first := c.Preview
	if first == "" && len(c.Messages) > 0 {
		first = c.Messages[0].Content
	}
	if r := []rune(strings.TrimSpace(first)); len(r) > 0 {
		if len(r) > untitledLength {
			r = r[:untitledLength]
		}
		return strings.TrimSpace(string(r))
	}
	return "New conversation"
}

// API calls the conversation endpoints of a relay.
type API struct {
	baseURL string
	client  *http.Client
}

// NewAPI creates an API client for the relay at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// ListConversations returns conversations, most recently updated first.
// A limit of 0 uses the server default.
func (a *API) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	path := "/api/conversations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// CreateConversation creates an empty conversation. An empty title leaves it untitled.
func (a *API) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var body any
	if title != "" {
		body = map[string]string{"title": title}
	}
	return a.conversation(ctx, http.MethodPost, "/api/conversations", body)
}

// GetConversation returns a conversation with its messages.
func (a *API) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return a.conversation(ctx, http.MethodGet, conversationPath(id), nil)
}

// UpdateTitle renames a conversation.
func (a *API) UpdateTitle(ctx context.Context, id, title string) (*Conversation, error) {
	return a.conversation(ctx, http.MethodPatch, conversationPath(id), map[string]string{"title": title})
}

// DeleteConversation removes a conversation and its messages.
func (a *API) DeleteConversation(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, conversationPath(id), nil, nil)
}

// Health checks the relay's liveness endpoint.
func (a *API) Health(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/health", nil, nil)
}

func conversationPath(id string) string {
	return "/api/conversations/" + url.PathEscape(id)
}

func (a *API) conversation(ctx context.Context, method, path string, body any) (*Conversation, error) {
	var resp struct {
		Conversation Conversation `json:"conversation"`
	}
	if err := a.do(ctx, method, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Conversation, nil
}

// do sends a JSON request and decodes a 2xx response into out when non-nil.
func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
