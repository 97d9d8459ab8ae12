// ABOUTME: Stream event types for the chat relay protocol
// ABOUTME: A closed set of tagged records: start, text, end, and error

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record type tags as they appear on the wire.
const (
	TypeStart = "start"
	TypeText  = "text"
	TypeEnd   = "end"
	TypeError = "error"
)

// ErrMalformed is returned when a line is valid JSON but not a valid event.
var ErrMalformed = errors.New("malformed stream event")

// Event is one record of a relay stream. The set of implementations is closed:
// Start, Text, End, and Error.
type Event interface {
	// Type returns the wire tag of the event.
	Type() string
	isEvent()
}

// Start opens a stream and names the conversation the exchange belongs to.
type Start struct {
	ConversationID string
}

// Text carries one fragment of generated output.
type Text struct {
	Fragment string
}

// End closes a successful stream and names the persisted assistant message.
type End struct {
	MessageID string
}

// Error closes a failed stream.
type Error struct {
	Reason string
}

func (Start) Type() string { return TypeStart }
func (Text) Type() string  { return TypeText }
func (End) Type() string   { return TypeEnd }
func (Error) Type() string { return TypeError }

func (Start) isEvent() {}
func (Text) isEvent()  {}
func (End) isEvent()   {}
func (Error) isEvent() {}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case End, *End, Error, *Error:
		return true
	default:
		return false
	}
}

// record is the JSON shape shared by every event type.
// Pointer fields distinguish an absent field from an empty one.
type record struct {
	Type           string  `json:"type"`
	ConversationID *string `json:"conversationId,omitempty"`
	Content        *string `json:"content,omitempty"`
	MessageID      *string `json:"messageId,omitempty"`
	Error          *string `json:"error,omitempty"`
}

// Marshal encodes ev as a single JSON object without a trailing newline.
func Marshal(ev Event) ([]byte, error) {
	var rec record
	switch e := ev.(type) {
	case Start:
		rec = record{Type: TypeStart, ConversationID: &e.ConversationID}
	case *Start:
		rec = record{Type: TypeStart, ConversationID: &e.ConversationID}
	case Text:
		rec = record{Type: TypeText, Content: &e.Fragment}
	case *Text:
		rec = record{Type: TypeText, Content: &e.Fragment}
	case End:
		rec = record{Type: TypeEnd, MessageID: &e.MessageID}
	case *End:
		rec = record{Type: TypeEnd, MessageID: &e.MessageID}
	case Error:
		rec = record{Type: TypeError, Error: &e.Reason}
	case *Error:
		rec = record{Type: TypeError, Error: &e.Reason}
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	return json.Marshal(rec)
}

// Unmarshal parses one line into an Event. The line must not contain the
// trailing newline. Unknown fields are ignored; unknown types and records
// missing their payload field return ErrMalformed.
func Unmarshal(line []byte) (Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	switch rec.Type {
	case TypeStart:
		if rec.ConversationID == nil || *rec.ConversationID == "" {
			return nil, fmt.Errorf("%w: start without conversationId", ErrMalformed)
		}
		return Start{ConversationID: *rec.ConversationID}, nil
	case TypeText:
		if rec.Content == nil {
			return nil, fmt.Errorf("%w: text without content", ErrMalformed)
		}
		return Text{Fragment: *rec.Content}, nil
	case TypeEnd:
		if rec.MessageID == nil || *rec.MessageID == "" {
			return nil, fmt.Errorf("%w: end without messageId", ErrMalformed)
		}
		return End{MessageID: *rec.MessageID}, nil
	case TypeError:
		if rec.Error == nil {
			return nil, fmt.Errorf("%w: error without reason", ErrMalformed)
		}
		return Error{Reason: *rec.Error}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, rec.Type)
	}
}
