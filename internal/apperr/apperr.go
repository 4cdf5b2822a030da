package apperr

import (
	"errors"
	"fmt"
)

// Error is the structured error type used across the service.
// It carries enough context for logging, HTTP mapping, and retry policy.
type Error struct {
	// Code is the unique error code (e.g., "ERR_404_DUPLICATE_DOCUMENT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Dependency, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	e := New(code, err.Error())
	e.Cause = err
	return e
}

// ValidationError creates a validation-related error.
func ValidationError(message string) *Error {
	return New(CodeInvalidInput, message)
}

// NotFound creates a lookup-miss error.
func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found")
}

// Duplicate creates a dedup-hit error.
func Duplicate(message string) *Error {
	return New(CodeDuplicate, message)
}

// StorageError creates a storage-related error.
func StorageError(message string, cause error) *Error {
	e := New(CodeStorageUnavailable, message)
	e.Cause = cause
	return e
}

// Permanent returns a copy of err with the retryable flag cleared, so
// Retry stops on it. Non-Error values pass through unchanged.
func Permanent(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		clone := *ae
		clone.Retryable = false
		return &clone
	}
	return err
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCode extracts the error code from an Error.
// Returns empty string if not an Error.
func GetCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
