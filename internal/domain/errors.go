package domain

import (
	"errors"
	"fmt"
)

// ErrConnectionGone is returned by the connection registry when a send
// targets a connection id that is unknown, expired, or whose transport
// write failed. It is an expected, non-fatal outcome: the client is
// presumed gone and the work item must not be retried for its sake.
var ErrConnectionGone = errors.New("connection gone")

// IsConnectionGone reports whether err is (or wraps) ErrConnectionGone.
func IsConnectionGone(err error) bool {
	return errors.Is(err, ErrConnectionGone)
}

// ValidationError marks a malformed or incomplete chat request. It is
// recovered locally by the dispatcher and surfaced to the client as an
// ERROR frame; nothing is enqueued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
	}
	return "invalid request: " + e.Message
}

// ErrValidation creates a ValidationError for a single field.
func ErrValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks a temporarily unavailable piece of infrastructure
// (queue or store). It is surfaced to the transport boundary so the
// client can resend; it is never silently swallowed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrTransient wraps err as a TransientError for the named operation.
func ErrTransient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// InferenceError marks a failed or timed-out generation. It is terminal
// for its work item: the client receives one ERROR frame, the item is
// acked, and no AI message is persisted.
type InferenceError struct {
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference failed: %s: %v", e.Reason, e.Err)
	}
	return "inference failed: " + e.Reason
}

func (e *InferenceError) Unwrap() error { return e.Err }

// ErrInference wraps err as an InferenceError with a coarse reason
// suitable for the client-facing ERROR frame.
func ErrInference(reason string, err error) *InferenceError {
	return &InferenceError{Reason: reason, Err: err}
}
