// Package gateway provides the chatrelay server that coordinates HTTP and gRPC.
//
// # Overview
//
// The Gateway wires configuration into the conversation store, the generation
// provider, the admission gate, and the conversation service, then serves two
// transports over them:
//
//   - HTTP: chat streaming and conversation management
//   - gRPC: the ChatRelay service, a server-streaming mirror of POST /api/chat
//
// # HTTP Endpoints
//
//	POST   /api/chat                   Send a message, stream the reply (NDJSON)
//	GET    /api/conversations          List conversations, newest activity first
//	POST   /api/conversations          Create a conversation
//	GET    /api/conversations/{id}     Get a conversation with its messages
//	PATCH  /api/conversations/{id}     Rename a conversation
//	DELETE /api/conversations/{id}     Delete a conversation
//	GET    /health                     Liveness
//	GET    /health/ready               Readiness (store ping)
//
// POST /api/chat is limited by the "chat" class of the admission gate; the
// conversation routes by the "api" class. Denied requests get 429 with
// Retry-After and X-RateLimit-* headers.
//
// # Chat Stream
//
// A successful chat request answers 200 with Content-Type application/x-ndjson
// and one JSON object per line:
//
//	{"type":"start","conversationId":"..."}
//	{"type":"text","content":"Hel"}
//	{"type":"text","content":"lo"}
//	{"type":"end","messageId":"..."}
//
// Failures after the stream opens arrive as a final {"type":"error","error":"..."}.
// Failures before it opens use status codes: 400 validation, 404 unknown
// conversation, 500 anything else.
//
// # Middleware
//
// Every request passes through request id assignment (X-Request-Id), access
// logging, panic recovery, and CORS.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)  // blocks until ctx is canceled
//
// With tailscale.enabled the servers listen on a tsnet node instead of the
// configured TCP addresses.
package gateway
