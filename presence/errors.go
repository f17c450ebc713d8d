package presence

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotFound       = errors.New("connection not found")
	ErrDuplicateID    = errors.New("connection id already connected")
)

// ValidationError describes why a payload was rejected. It matches
// ErrInvalidPayload with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %v: %v", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func invalid(field, reason string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}
