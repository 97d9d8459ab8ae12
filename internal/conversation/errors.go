// ABOUTME: Error values returned by the conversation service
// ABOUTME: Callers map these onto status codes with errors.Is and errors.As

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrConversationNotFound is returned when a referenced conversation does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
