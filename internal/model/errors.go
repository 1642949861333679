package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationFailed is returned for bad credentials and for tokens that are
	// invalid, expired or revoked. The cause is deliberately not distinguished.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrPermissionDenied is returned when a valid principal lacks a role or permission.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimitExceeded is matched by RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrNotFound is the parent of every kind-specific not-found error.
	ErrNotFound = errors.New("not found")

	ErrSessionNotFound    = fmt.Errorf("session %w", ErrNotFound)
	ErrTokenNotFound      = fmt.Errorf("token %w", ErrNotFound)
	ErrConnectionNotFound = fmt.Errorf("connection %w", ErrNotFound)
	ErrWorkspaceNotFound  = fmt.Errorf("workspace %w", ErrNotFound)
	ErrMessageNotFound    = fmt.Errorf("message %w", ErrNotFound)
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)

	// ErrHandlerMissing is terminal: the message goes straight to failed history.
	ErrHandlerMissing = errors.New("no handler registered for message type")

	// ErrMaxRetriesExceeded is attached to messages that exhausted their retry budget.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrQueueCapacityExceeded signals that an eviction occurred to admit a new message.
	// The new message is still accepted.
	ErrQueueCapacityExceeded = errors.New("queue capacity exceeded")

	// ErrWorkspaceExists is returned when creating a workspace with a taken id.
	ErrWorkspaceExists = errors.New("workspace already exists")

	// ErrUserExists is returned when registering a duplicate username.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RateLimitError reports a denied request and when the block lifts.
type RateLimitError struct {
	Class        string
	Identifier   string
	BlockedUntil time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s/%s until %s",
		e.Class, e.Identifier, e.BlockedUntil.Format(time.RFC3339))
}

// Is reports whether target is ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
