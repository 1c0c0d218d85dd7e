package model

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a queued record or cache entry does not exist
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a submission with the same idempotency key was already stored
	ErrExists = errors.New("already exists")
	// ErrUnknownType is returned for channel messages whose type is outside the protocol
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMessage is returned when a channel message is malformed or fails validation
	ErrInvalidMessage = errors.New("invalid message")
	// ErrCanceled is returned when the operation is canceled by the caller
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
// It checks both direct context errors and wrapped errors (e.g., from the MongoDB driver).
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrCanceled) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context canceled") || strings.Contains(errStr, "context deadline exceeded")
}
