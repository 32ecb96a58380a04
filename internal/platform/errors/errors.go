package errors

import (
	"context"
	stderrors "errors"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for templating
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

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata for templating.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the domain code from any error, defaulting to CodeUnknown.
func CodeOf(err error) Code {
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// RemoteLogger records fatal errors on a durable remote sink.
type RemoteLogger interface {
	LogError(ctx context.Context, component string, err error)
}

// RemoteLoggerFunc adapts a function to the RemoteLogger interface.
type RemoteLoggerFunc func(ctx context.Context, component string, err error)

// LogError implements RemoteLogger for RemoteLoggerFunc.
func (fn RemoteLoggerFunc) LogError(ctx context.Context, component string, err error) {
	fn(ctx, component, err)
}

// Fatal records err on the remote sink and returns it unchanged. All fatal
// paths funnel through here so operators get a durable audit trail even when
// the in-process stack unwinds.
func Fatal(ctx context.Context, sink RemoteLogger, component string, err error) error {
	if err == nil {
		return nil
	}
	if sink != nil {
		sink.LogError(ctx, component, err)
	}
	return err
}
