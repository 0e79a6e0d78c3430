package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the command reply surface.
type Kind string

const (
	KindNotFound          Kind = "NotFound"
	KindInvalidState      Kind = "InvalidState"
	KindPermissionDenied  Kind = "PermissionDenied"
	KindConflict          Kind = "Conflict"
	KindFiscalCommitFail  Kind = "FiscalCommitFailed"
	KindFiscalDivergence  Kind = "FiscalDivergence"
	KindExternalTimeout   Kind = "ExternalTimeout"
	KindNotImplemented    Kind = "NotImplemented"
	KindValidation        Kind = "ValidationError"
	KindInternal          Kind = "Internal"
)

// Error carries a kind tag and a human-readable message to the command reply.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors of the same kind so callers can compare against sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// NewError creates a tagged error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError tags an underlying error with a kind.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotFound creates a NotFound error for an entity/identifier pair.
func NotFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// InvalidState creates an InvalidState error.
func InvalidState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a ValidationError.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied creates a PermissionDenied error.
func PermissionDenied(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

// NotImplemented marks a reserved operation.
func NotImplemented(operation string) *Error {
	return &Error{Kind: KindNotImplemented, Message: fmt.Sprintf("%s is not implemented", operation)}
}

// KindOf extracts the kind of an error, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
