// Package errors provides the error taxonomy shared by the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of failure. Callers branch on the code, never on message text.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrConfig    ErrorCode = "CONFIG_ERROR"

	// Sync taxonomy
	ErrNetwork         ErrorCode = "NETWORK_ERROR"
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrVersionConflict ErrorCode = "VERSION_CONFLICT"
	ErrAuthExpired     ErrorCode = "AUTH_EXPIRED"
	ErrQueueExhausted  ErrorCode = "QUEUE_EXHAUSTED"
	ErrSessionInvalid  ErrorCode = "SESSION_INVALID"
	ErrSyncInProgress  ErrorCode = "SYNC_IN_PROGRESS"
	ErrOffline         ErrorCode = "OFFLINE"

	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	// RetryAfter is a hint for transient failures; zero means no hint.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is checks if any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

func IsNetwork(err error) bool     { return Is(err, ErrNetwork) }
func IsValidation(err error) bool  { return Is(err, ErrValidation) }
func IsConflict(err error) bool    { return Is(err, ErrVersionConflict) }
func IsAuthExpired(err error) bool { return Is(err, ErrAuthExpired) }
func IsExhausted(err error) bool   { return Is(err, ErrQueueExhausted) }

// Retryable reports whether err is a transient failure worth retrying later.
func Retryable(err error) bool {
	return IsNetwork(err) || Is(err, ErrOffline)
}
