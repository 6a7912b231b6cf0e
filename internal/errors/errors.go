// Package errors provides error codes shared by the sync core and its API surfaces.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code reported to collaborators.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrStaleState ErrorCode = "STALE_STATE"

	// State machine errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"

	// Sync errors
	ErrSyncConflict  ErrorCode = "SYNC_CONFLICT"
	ErrMergeRequired ErrorCode = "MERGE_REQUIRED"
	ErrSyncTransient ErrorCode = "SYNC_TRANSIENT"
	ErrSyncPermanent ErrorCode = "SYNC_PERMANENT"
	ErrSyncTimeout   ErrorCode = "SYNC_TIMEOUT"
	ErrPayloadDrift  ErrorCode = "PAYLOAD_DRIFT"
	ErrWriteOnly     ErrorCode = "WRITE_ONLY"
)

// Retryable reports whether failures carrying this code re-enter the backoff schedule.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrSyncTransient, ErrSyncTimeout:
		return true
	default:
		return false
	}
}

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Is lets errors.Is match two AppErrors by code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
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

// Is checks if an error, or anything it wraps, carries a specific code.
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

// CodeOf returns the outermost code in the chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
