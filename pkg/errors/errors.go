package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// ErrCodeTransport marks a recoverable network failure; the connection
	// manager reacts by entering reconnect backoff
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	// ErrCodeAuth marks a fatal authentication rejection; never retried
	ErrCodeAuth ErrorCode = "AUTH_ERROR"

	// ErrCodeSendTimeout means no ack arrived within the send window;
	// the message stays failed until an explicit retry
	ErrCodeSendTimeout ErrorCode = "SEND_TIMEOUT"

	// ErrCodeReconciliationMismatch means an inbound message referenced an
	// unknown correlation id; it is appended as new and logged as an anomaly
	ErrCodeReconciliationMismatch ErrorCode = "RECONCILIATION_MISMATCH"

	// ErrCodeDuplicateEvent marks an event dropped by correlation-id dedup
	ErrCodeDuplicateEvent ErrorCode = "DUPLICATE_EVENT"

	// Call errors
	ErrCodeAlreadyInCall ErrorCode = "ALREADY_IN_CALL"
	ErrCodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"

	// Lookup errors
	ErrCodeRoomNotFound    ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"
	ErrCodeUserNotFound    ErrorCode = "USER_NOT_FOUND"

	// Protocol errors
	ErrCodeInvalidEvent ErrorCode = "INVALID_EVENT"

	// ErrCodeNotConnected means a send was attempted on a terminal connection
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorage  ErrorCode = "STORAGE_ERROR"
)

// AppError represents a structured application error with a code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal when err is not
// an AppError
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether the connection manager should retry after err.
// Auth rejections are fatal; everything transport-shaped retries.
func IsRetryable(err error) bool {
	return !Is(err, ErrCodeAuth)
}
