// ABOUTME: HTTP API handlers for streaming chat and conversation management
// ABOUTME: Chat replies stream as newline-delimited JSON events; CRUD routes return plain JSON

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/chatrelay/internal/conversation"
	"github.com/2389/chatrelay/internal/logging"
	"github.com/2389/chatrelay/internal/store"
	"github.com/2389/chatrelay/internal/stream"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ContentTypeNDJSON is the media type of chat streams.
const ContentTypeNDJSON = "application/x-ndjson"

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   any    `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ValidationDetail names the rejected field.
type ValidationDetail struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// MessageResponse is a message as returned by the API.
type MessageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationResponse is a conversation as returned by the API.
type ConversationResponse struct {
	ID           string            `json:"id"`
	Title        *string           `json:"title"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	MessageCount int               `json:"messageCount"`
	Preview      string            `json:"preview,omitempty"`
	Messages     []MessageResponse `json:"messages,omitempty"`
}

// SingleConversationResponse wraps one conversation.
type SingleConversationResponse struct {
	Conversation ConversationResponse `json:"conversation"`
}

// ListConversationsResponse wraps a conversation listing.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// CreateConversationRequest is the optional body of POST /api/conversations.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// UpdateConversationRequest is the body of PATCH /api/conversations/{id}.
type UpdateConversationRequest struct {
	Title *string `json:"title"`
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: c.MessageCount,
		Preview:      c.Preview,
	}
	if len(c.Messages) > 0 {
		resp.Messages = make([]MessageResponse, len(c.Messages))
		for i, m := range c.Messages {
			resp.Messages[i] = MessageResponse{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				Role:           string(m.Role),
				Content:        m.Content,
				CreatedAt:      m.CreatedAt,
			}
		}
		if resp.MessageCount == 0 {
			resp.MessageCount = len(c.Messages)
		}
	}
	return resp
}

// handleChat serves POST /api/chat.
//
// Everything up to loading the history happens before the status line is
// written, so those failures get proper status codes. Once the 200 and the
// start event are out, failures travel in-band as an error event.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req conversation.ChatRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	// Check streaming support before persisting anything
	if _, ok := w.(http.Flusher); !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	x, err := g.conversation.Begin(r.Context(), req)
	if err != nil {
		g.writeServiceError(w, r, err, "Failed to process chat request")
		return
	}

	h := w.Header()
	h.Set("Content-Type", ContentTypeNDJSON)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Conversation-Id", x.ConversationID)
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	res := x.Stream(r.Context(), enc)

	logging.FromContext(r.Context(), g.logger).Debug("chat stream closed",
		"conversation_id", x.ConversationID,
		"state", res.State.String(),
		"events", enc.Written())
}

// handleConversations serves /api/conversations (list and create).
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConversationRoutes serves /api/conversations/{id}.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	if id == "" {
		g.handleConversations(w, r)
		return
	}
	if strings.Contains(id, "/") {
		sendJSONError(w, http.StatusNotFound, "not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.handleGetConversation(w, r, id)
	case http.MethodPatch:
		g.handleUpdateConversation(w, r, id)
	case http.MethodDelete:
		g.handleDeleteConversation(w, r, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "invalid limit parameter", nil)
			return
		}
		limit = n
	}

	convs, err := g.conversation.ListConversations(r.Context(), limit)
	if err != nil {
		g.writeServiceError(w, r, err, "Failed to fetch conversations")
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, toConversationResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	conv, err := g.conversation.CreateConversation(r.Context(), req.Title)
	if err != nil {
		g.writeServiceError(w, r, err, "Failed to create conversation")
		return
	}
	writeJSON(w, http.StatusCreated, SingleConversationResponse{Conversation: toConversationResponse(conv)})
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := g.conversation.GetConversation(r.Context(), id)
	if err != nil {
		g.writeServiceError(w, r, err, "Failed to fetch conversation")
		return
	}
	writeJSON(w, http.StatusOK, SingleConversationResponse{Conversation: toConversationResponse(conv)})
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateConversationRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		sendJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Title == nil {
		sendJSONError(w, http.StatusBadRequest, "Invalid request body",
			[]ValidationDetail{{Field: "title", Reason: "is required"}})
		return
	}

	conv, err := g.conversation.UpdateTitle(r.Context(), id, *req.Title)
	if err != nil {
		g.writeServiceError(w, r, err, "Failed to update conversation")
		return
	}
	writeJSON(w, http.StatusOK, SingleConversationResponse{Conversation: toConversationResponse(conv)})
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request, id string) {
	if err := g.conversation.DeleteConversation(r.Context(), id); err != nil {
		g.writeServiceError(w, r, err, "Failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeServiceError maps conversation service errors onto status codes.
// fallback is the message used for unexpected failures.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var ve *conversation.ValidationError
	switch {
	case errors.As(err, &ve):
		sendJSONError(w, http.StatusBadRequest, "Invalid request body",
			[]ValidationDetail{{Field: ve.Field, Reason: ve.Reason}})
	case errors.Is(err, conversation.ErrConversationNotFound):
		sendJSONError(w, http.StatusNotFound, "Conversation not found", nil)
	default:
		logging.FromContext(r.Context(), g.logger).Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path)
		sendJSONError(w, http.StatusInternalServerError, fallback, nil)
	}
}

// decodeJSON reads a single JSON object from the request body. With
// allowEmpty an empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body")
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Details:   details,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
