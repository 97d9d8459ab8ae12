// Package provider adapts text generation backends to a single streaming
// contract.
//
// A Provider receives the ordered conversation history and returns a channel
// of Fragments. The producer closes the channel after sending exactly one
// terminal fragment: either {Done: true} or {Err: ...}. A channel that closes
// without a terminal fragment means the generation was cut short and callers
// treat it as ErrIncomplete.
//
// Implementations:
//
//   - Echo: deterministic local generator for development and tests
//   - OpenAI: any OpenAI-compatible /chat/completions endpoint with SSE streaming
//   - Anthropic: the /v1/messages streaming API
//
// Cancelling the context passed to Stream aborts the upstream request.
package provider
