package records

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the referenced record does not exist.
	ErrNotFound = errors.New("records: not found")
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("records: validation failed")
	// ErrUnknownTopic indicates an unsupported topic name.
	ErrUnknownTopic = errors.New("records: unknown topic")
	// ErrInvalidTimestamp indicates an unparseable timestamp.
	ErrInvalidTimestamp = errors.New("records: unparseable timestamp")
)

// ValidationError rejects malformed input before it reaches persistence.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("records: invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
