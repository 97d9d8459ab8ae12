// Package client talks to a chatrelay server from the caller's side.
//
// # Sending
//
// A Session owns the local view of one conversation. Send appends the user
// message right away under a temporary id ("temp-1", "temp-2", ...), opens
// the reply stream through a Transport, and applies events as they arrive:
//
//   - start: a session without a conversation adopts the id and asks its
//     Navigator to replace the current location
//   - text: appended to the streaming buffer, read with Streaming
//   - end: the buffer becomes an assistant message with the event's id
//   - error: the send fails with a *StreamError
//
// If the send fails for any reason, including a stream that ends without
// an end or error event, the optimistic user message is removed and the
// error is kept until ClearError or the next Send. Only one send runs at a
// time; a second call while one is in flight returns immediately.
//
// # Transports
//
// HTTPTransport posts to /api/chat and reads the NDJSON body.
// GRPCTransport calls ChatRelay.Chat and presents each stream message as
// one line, so both feed the same decoder. Rejections before streaming are
// returned as *APIError with an HTTP-style status and, for rate limiting,
// the Retry-After delay in seconds.
//
// # Conversations
//
// API wraps the CRUD endpoints under /api/conversations.
package client
