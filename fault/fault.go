// Package fault classifies task failures so the executor can pick the
// right state transition: transient failures retry with backoff,
// permanent failures terminate immediately, validation failures are
// rejected before enqueue, and cancellations end in the cancelled state.
//
// Handlers return classified errors via the constructors here. Errors
// that carry no classification are treated as transient so an unknown
// failure is retried rather than dropped.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Class is the failure category driving the job state machine.
type Class string

const (
	// ClassValidation marks a malformed or unprocessable payload.
	// Validation failures are rejected at submission and never retried.
	ClassValidation Class = "validation"

	// ClassTransient marks a failure that may succeed on retry
	// (network errors, rate limits, busy upstreams).
	ClassTransient Class = "transient"

	// ClassPermanent marks a failure that will never succeed
	// (missing source, unsupported format, corrupt input).
	ClassPermanent Class = "permanent"

	// ClassCancelled marks cooperative cancellation.
	ClassCancelled Class = "cancelled"

	// ClassTimeout marks a soft-deadline overrun. Timeouts follow the
	// transient retry policy but keep their own code for reporting.
	ClassTimeout Class = "timeout"
)

// Error is a classified failure. Code is a short stable identifier for
// programmatic handling; Message is human-readable.
type Error struct {
	Class   Class
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Class, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Class, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with an explicit code.
func New(class Class, code, format string, args ...any) *Error {
	return &Error{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(class Class, code string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Class: class, Code: code, Message: msg, cause: cause}
}

// Transientf creates a transient error with the default "transient" code.
func Transientf(format string, args ...any) *Error {
	return New(ClassTransient, "transient", format, args...)
}

// Permanentf creates a permanent error with the default "permanent" code.
func Permanentf(format string, args ...any) *Error {
	return New(ClassPermanent, "permanent", format, args...)
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return New(ClassValidation, "invalid_payload", format, args...)
}

// Cancelledf creates a cancellation error.
func Cancelledf(format string, args ...any) *Error {
	return New(ClassCancelled, "cancelled", format, args...)
}

// Timeoutf creates a timeout error.
func Timeoutf(format string, args ...any) *Error {
	return New(ClassTimeout, "timeout", format, args...)
}

// ClassOf classifies any error. Context cancellation maps to
// ClassCancelled, context deadline to ClassTimeout, and everything
// without an explicit class to ClassTransient.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassTransient
}

// CodeOf returns the error's code, or a class-derived default for
// unclassified errors.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	switch ClassOf(err) {
	case ClassCancelled:
		return "cancelled"
	case ClassTimeout:
		return "timeout"
	default:
		return "transient"
	}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	c := ClassOf(err)
	return c == ClassTransient || c == ClassTimeout
}

// IsPermanent reports whether err terminates the job immediately.
func IsPermanent(err error) bool { return ClassOf(err) == ClassPermanent }

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool { return ClassOf(err) == ClassCancelled }

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool { return ClassOf(err) == ClassValidation }
