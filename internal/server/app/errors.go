package app

import (
	"errors"
	"fmt"
)

// Domain error sentinels for the server application layer.
// These enable consistent HTTP status mapping via errors.Is().

var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrShutdown indicates the broadcaster has been shut down and no longer
	// accepts work.
	ErrShutdown = errors.New("broadcaster is shut down")

	// errTaskSuperseded is the cancellation cause handed to a task that was
	// replaced by a newer registration for the same session.
	errTaskSuperseded = errors.New("task superseded by newer registration")
)

// NotFoundError wraps ErrNotFound with a descriptive message.
func NotFoundError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrNotFound)
}

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}
