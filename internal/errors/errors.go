package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeForeignKey indicates a foreign key constraint violation.
	ErrCodeForeignKey ErrorCode = "foreign_key"
	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"

	// ErrCodeAgentUnreachable indicates no live connection exists for the target agent.
	ErrCodeAgentUnreachable ErrorCode = "agent_unreachable"
	// ErrCodeUnknownAgent indicates a connecting agent key is not registered.
	ErrCodeUnknownAgent ErrorCode = "unknown_agent"
	// ErrCodeMalformedFrame indicates a transport frame could not be decoded.
	ErrCodeMalformedFrame ErrorCode = "malformed_frame"
	// ErrCodeRemote indicates the agent reported a failure for a request.
	ErrCodeRemote ErrorCode = "remote"
	// ErrCodeAlreadyRunning indicates the job already has an open run.
	ErrCodeAlreadyRunning ErrorCode = "already_running"
	// ErrCodeFilterConfig indicates an invalid filter rule (e.g. a bad regex).
	ErrCodeFilterConfig ErrorCode = "filter_config"
	// ErrCodeExecution indicates a process or database failure on an item.
	ErrCodeExecution ErrorCode = "execution"
	// ErrCodeMissingInput indicates an upstream artifact is absent.
	ErrCodeMissingInput ErrorCode = "missing_input"
)

// Sentinels for the transport and scheduling taxonomy. Compare with errors.Is.
var (
	ErrAgentUnreachable = &AppError{Code: ErrCodeAgentUnreachable, Message: "agent unreachable"}
	ErrUnknownAgent     = &AppError{Code: ErrCodeUnknownAgent, Message: "unknown agent"}
	ErrTimeout          = &AppError{Code: ErrCodeTimeout, Message: "timed out waiting for agent"}
	ErrCancelled        = &AppError{Code: ErrCodeCanceled, Message: "cancelled"}
	ErrMalformedFrame   = &AppError{Code: ErrCodeMalformedFrame, Message: "malformed frame"}
	ErrAlreadyRunning   = &AppError{Code: ErrCodeAlreadyRunning, Message: "job already has an open run"}
	ErrMissingInput     = &AppError{Code: ErrCodeMissingInput, Message: "missing input artifact"}
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, for validation errors)
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError against a package sentinel carrying the same code,
// so errors.Is(err, ErrAgentUnreachable) holds regardless of message.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && isSentinel(t) && e.Code == t.Code
}

func isSentinel(t *AppError) bool {
	switch t {
	case ErrAgentUnreachable, ErrUnknownAgent, ErrTimeout, ErrCancelled,
		ErrMalformedFrame, ErrAlreadyRunning, ErrMissingInput:
		return true
	}
	return false
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: message,
	}
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf(format, args...),
	}
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: message,
	}
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
	}
}

// Validationf creates a new Validation error with formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
	}
}

// AgentUnreachablef creates an AgentUnreachable error naming the agent.
func AgentUnreachablef(format string, args ...any) *AppError {
	return &AppError{
		Code:    ErrCodeAgentUnreachable,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool {
	return isCode(err, ErrCodeCanceled)
}

// IsAgentUnreachable checks if an error is an AgentUnreachable error.
func IsAgentUnreachable(err error) bool {
	return isCode(err, ErrCodeAgentUnreachable)
}

// IsAlreadyRunning checks if an error is an AlreadyRunning scheduling conflict.
func IsAlreadyRunning(err error) bool {
	return isCode(err, ErrCodeAlreadyRunning)
}

// IsTransport reports whether err belongs to the transport family (unreachable, timeout,
// malformed frame, cancelled, unknown agent). Callers retry these at the call site.
func IsTransport(err error) bool {
	switch GetCode(err) {
	case ErrCodeAgentUnreachable, ErrCodeTimeout, ErrCodeMalformedFrame, ErrCodeCanceled, ErrCodeUnknownAgent:
		return true
	}
	return false
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
