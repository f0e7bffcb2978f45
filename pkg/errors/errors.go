// Package errors implements the taxonomy of §7: a closed set of error kinds
// carrying correlation ids, with retryability classification the transport
// and stage-retry layers consult directly instead of string-matching.
package errors

import (
	"errors"
	"fmt"

	"github.com/cuemby/shardql/pkg/types"
)

// Kind is one of the taxonomy's closed set of error categories.
type Kind string

const (
	InvalidRequest    Kind = "InvalidRequest"
	NotFound          Kind = "NotFound"
	Conflict          Kind = "Conflict"
	Unavailable       Kind = "Unavailable"
	Timeout           Kind = "Timeout"
	CorruptTransfer   Kind = "CorruptTransfer"
	MissingChunk      Kind = "MissingChunk"
	ResourceExhausted Kind = "ResourceExhausted"
	Cancelled         Kind = "Cancelled"
	Internal          Kind = "Internal"
)

// Error is the taxonomy's carrier type. Client-visible errors include Kind,
// Message, and whichever correlation ids apply.
type Error struct {
	Kind     Kind
	Message  string
	QueryID  types.QueryId
	StageID  types.StageId
	WorkerID types.WorkerId
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is by comparing Kind when the target is also an *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithQuery attaches a query id, returning the same Error for chaining.
func (e *Error) WithQuery(id types.QueryId) *Error { e.QueryID = id; return e }

// WithStage attaches a stage id.
func (e *Error) WithStage(id types.StageId) *Error { e.StageID = id; return e }

// WithWorker attaches a worker id.
func (e *Error) WithWorker(id types.WorkerId) *Error { e.WorkerID = id; return e }

// Retryable reports whether the transport layer should retry an operation
// that failed with this kind, per §7's propagation policy.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Unavailable, Timeout, ResourceExhausted:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
