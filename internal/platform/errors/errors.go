package errors

import stderrors "errors"

// MetadataReason is the metadata key carrying the permission or validation
// reason that produced the error. Localized notices are keyed by it.
const MetadataReason = "reason"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for notices
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Reason returns the metadata reason, if any.
func (e *Error) Reason() string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetadataReason]
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithReason creates a domain error tagged with a reason code.
func WithReason(code Code, reason string, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: map[string]string{MetadataReason: reason},
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, CodeUnknown for
// other non-nil errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if domainErr, ok := As(err); ok {
		return domainErr.Code
	}
	return CodeUnknown
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrInvalidTransition = New(CodeInvalidTransition, "invalid transition")
	ErrForbidden         = New(CodeForbidden, "forbidden")
	ErrOutOfBounds       = New(CodeOutOfBounds, "out of bounds")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrValidation        = New(CodeValidation, "validation error")
	ErrUnavailable       = New(CodeUnavailable, "unavailable")
)
