package adapter

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds surfaced uniformly across adapters.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation_error"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindNotSupported Kind = "capability_not_supported"
	KindDatabase     Kind = "database_error"
	KindInternal     Kind = "internal_error"
)

// Error is the uniform error type returned by every adapter operation.
// Messages quote the offending identifier but never sensitive values
// (passwords, bound parameters).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying engine error, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError creates an error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return NewError(KindNotFound, format, args...)
}

// Validation creates a ValidationError.
func Validation(format string, args ...interface{}) *Error {
	return NewError(KindValidation, format, args...)
}

// Conflict creates a Conflict error (unique constraint violations).
func Conflict(format string, args ...interface{}) *Error {
	return NewError(KindConflict, format, args...)
}

// Unauthorized creates an Unauthorized error.
func Unauthorized(format string, args ...interface{}) *Error {
	return NewError(KindUnauthorized, format, args...)
}

// NotSupported creates a CapabilityNotSupported error with a stable message
// so callers can feature-detect.
func NotSupported(engine, operation string) *Error {
	return NewError(KindNotSupported, "%s does not support %s", engine, operation)
}

// Database creates a DatabaseError preserving the engine message.
func Database(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDatabase, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Internal creates an InternalError.
func Internal(format string, args ...interface{}) *Error {
	return NewError(KindInternal, format, args...)
}

// Wrap maps an arbitrary engine error into an adapter error of the given
// kind, preserving the cause. Errors that are already *Error pass through.
func Wrap(kind Kind, err error, context string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	msg := err.Error()
	if context != "" {
		msg = context + ": " + msg
	}
	return &Error{Kind: kind, Message: msg, Cause: err}
}

// KindOf returns the kind of an adapter error, or KindInternal for any other
// error value.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a NotFound adapter error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a Conflict adapter error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotSupported reports whether err is a CapabilityNotSupported error.
func IsNotSupported(err error) bool { return KindOf(err) == KindNotSupported }
