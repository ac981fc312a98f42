// Package errors provides custom error types for the mcpbench harness.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeDuplicate     = "DUPLICATE"
	ErrCodeProtocol      = "PROTOCOL_ERROR"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeConfig        = "CONFIG_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
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
func NotFound(resource string, id any) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%v' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// Duplicate creates a new duplicate error for a uniqueness violation.
func Duplicate(resource string, key string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicate,
		Message:    fmt.Sprintf("%s already exists for %s", resource, key),
		HTTPStatus: http.StatusConflict,
	}
}

// Protocol creates a new protocol error for a fatal session violation.
func Protocol(message string) *AppError {
	return &AppError{
		Code:       ErrCodeProtocol,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Timeout creates a new timeout error for the named stage.
func Timeout(stage string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("timed out waiting for %s", stage),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// Config creates a new configuration error.
func Config(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfig,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Unavailable creates a new service unavailable error.
func Unavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
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
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsDuplicate checks if the error is a uniqueness violation.
func IsDuplicate(err error) bool {
	return hasCode(err, ErrCodeDuplicate)
}

// IsProtocol checks if the error is a fatal protocol violation.
func IsProtocol(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsTimeout checks if the error is a timeout.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsConfig checks if the error is a configuration error.
func IsConfig(err error) bool {
	return hasCode(err, ErrCodeConfig)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
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
