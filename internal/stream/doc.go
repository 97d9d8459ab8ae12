// Package stream implements the line-delimited event format used to relay a
// generated reply from the server to a client.
//
// # Wire Format
//
// Every event is a single JSON object followed by a newline:
//
//	{"type":"start","conversationId":"c1"}
//	{"type":"text","content":"Hel"}
//	{"type":"text","content":"lo"}
//	{"type":"end","messageId":"m9"}
//
// A failed generation ends with {"type":"error","error":"<reason>"} instead of
// an end record.
//
// # Ordering
//
// A well-formed stream carries exactly one Start first, zero or more Text
// events, and exactly one terminal event (End or Error). Nothing follows the
// terminal event.
//
// # Encoding and Decoding
//
// Encoder writes one record per call and flushes the underlying writer so the
// client sees fragments as they are produced. Decoder is a pure transformation
// over byte chunks: it keeps the trailing partial line between calls, ignores
// blank lines, and skips lines it cannot parse. Reader drives a Decoder from
// an io.Reader for callers that want a pull-style API.
package stream
