// Package conversation runs chat exchanges against a store and a generation provider.
//
// # Exchange lifecycle
//
// A chat request moves through these states:
//
//	received → resolving_conversation → persisting_user_message → loading_history
//	  → streaming_generation → persisting_assistant_message → completed
//
// Any state from persisting_user_message onward can end in failed.
//
// Begin covers everything up to loading_history. It writes nothing to the
// client, so its errors map onto status codes:
//
//   - *ValidationError (wraps ErrValidation): empty or oversized message
//   - ErrConversationNotFound: unknown conversation id
//   - anything else: internal failure
//
// Exchange.Stream then emits start, one text event per fragment, and exactly
// one terminal event. The user message is stored before generation starts.
// If generation fails, times out, or the client disconnects, the user message
// is deleted again before the error event goes out, so a faulted exchange
// leaves no unanswered user turn behind. A failed rollback is logged and the
// original error is still reported.
//
// # Concurrency
//
// Each exchange runs on its caller's goroutine. Exchanges on the same
// conversation are not serialized against each other; two concurrent sends
// may each see the other's user message in their history.
//
// # Conversation operations
//
// The Service also exposes the CRUD operations the HTTP API serves:
// CreateConversation, GetConversation, ListConversations, UpdateTitle, and
// DeleteConversation. Store not-found errors come back as ErrConversationNotFound.
package conversation
