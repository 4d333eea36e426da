// Package errors provides custom error types for the Peerbot application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodePermission    = "PERMISSION_DENIED"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeTransient     = "TRANSIENT"
	ErrCodePermanent     = "PERMANENT"
	ErrCodeAgentFailure  = "AGENT_FAILURE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeMisconfigured = "MISCONFIGURED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	// Retryable marks errors that should be retried through the queue layer.
	Retryable bool  `json:"-"`
	Err       error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Validation creates a new validation error. Validation errors are rejected at
// ingress and never enqueued.
func Validation(message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Permission creates a new permission error (allow-list miss).
// Surfaced to the user, never retried.
func Permission(message string) *AppError {
	return &AppError{
		Code:       ErrCodePermission,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// RateLimited creates a permission error specific to rate-limit rejection.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Conflict creates a new conflict error (optimistic concurrency losers).
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Transient wraps an external failure that should be re-raised so the queue
// retries the job (cluster 5xx, DB connection drop, chat 429).
func Transient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransient,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Err:        err,
	}
}

// Permanent wraps an external failure that must be logged and dropped without
// retrying the specific operation (chat message_not_found and friends).
func Permanent(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodePermanent,
		Message:    message,
		HTTPStatus: http.StatusGone,
		Err:        err,
	}
}

// AgentFailure wraps a non-zero agent exit or explicit failure in its event
// stream. Retryable up to the job's retry limit.
func AgentFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentFailure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Retryable:  true,
		Err:        err,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Misconfigured creates a fatal startup configuration error.
func Misconfigured(message string) *AppError {
	return &AppError{
		Code:       ErrCodeMisconfigured,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Retryable:  appErr.Retryable,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable reports whether the error should be re-raised for queue retry.
// Unknown errors default to retryable so transient failures are not dropped.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// IsPermanent checks if the error is an external permanent error.
func IsPermanent(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodePermanent
	}
	return false
}

// IsPermission checks if the error is a permission or rate-limit error.
func IsPermission(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodePermission || appErr.Code == ErrCodeRateLimited
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
