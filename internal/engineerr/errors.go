// Package engineerr defines the engine-wide domain error kinds used by every
// component instead of ad-hoc sentinel errors or panics.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an engine-level failure for callers that need to branch
// on it (retry, surface to the model, abort an execution).
type Kind string

const (
	// Busy indicates a live execution already exists on the channel.
	Busy Kind = "busy"
	// Disabled indicates the tool or job is turned off.
	Disabled Kind = "disabled"
	// Rejected indicates a confirmation was denied or timed out.
	Rejected Kind = "rejected"
	// Cancelled indicates a cancellation token fired.
	Cancelled Kind = "cancelled"
	// Invalid indicates parameters failed validation.
	Invalid Kind = "invalid"
	// Transient indicates a retryable network/model/RPC failure.
	Transient Kind = "transient"
	// Permanent indicates a non-retryable failure.
	Permanent Kind = "permanent"
	// Conflict indicates e.g. a transaction already in flight.
	Conflict Kind = "conflict"
	// NotFound indicates an unknown UUID, session, or confirmation.
	NotFound Kind = "not_found"
)

// IsRetryable reports whether a failure of this kind may succeed if retried.
func (k Kind) IsRetryable() bool {
	return k == Transient
}

// Error is a structured engine failure carrying a Kind plus context about
// where it occurred.
type Error struct {
	Kind    Kind
	Op      string // component/operation that produced the error, e.g. "txqueue.broadcast"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error for the given kind and operation.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error for the given kind and operation around a cause.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable reports whether err, if an *Error, is retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Kind.IsRetryable()
}
