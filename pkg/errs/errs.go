// Package errs defines the pipeline error taxonomy. Every adapter and
// stage classifies failures into a Kind; the worker loop derives its
// ack/nack/dead-letter decision from the kind alone.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// KindTransient covers network failures, 5xx responses and rate
	// limits. The message is nacked so the bus redelivers.
	KindTransient Kind = iota
	// KindInvalidInput covers malformed images and unreadable files.
	// The message is dead-lettered without retry.
	KindInvalidInput
	// KindValidationFailure covers schema or business-rule failures on
	// extracted payloads. Counts as an attempt failure in the extractor.
	KindValidationFailure
	// KindDuplicateKey marks a warehouse duplicate. Logged and acked;
	// not an error for the caller.
	KindDuplicateKey
	// KindNotFound marks a missing object-store object.
	KindNotFound
	// KindPermissionDenied marks an authorization failure on an
	// external service.
	KindPermissionDenied
	// KindConfiguration marks invalid startup configuration. Fail-fast.
	KindConfiguration
	// KindObservability marks a tracer/observer failure. Logged once
	// and swallowed, never propagated.
	KindObservability
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindInvalidInput:
		return "invalid_input"
	case KindValidationFailure:
		return "validation_failure"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindNotFound:
		return "not_found"
	case KindPermissionDenied:
		return "permission_denied"
	case KindConfiguration:
		return "configuration"
	case KindObservability:
		return "observability"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf wraps a formatted error with a kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err. Unclassified errors are treated as
// transient so the bus retries them; that matches the propagation rule
// that unhandled failures behave as nacks.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the bus should redeliver after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
