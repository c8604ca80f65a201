package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an error for callers and the HTTP layer.
type ErrorType string

const (
	TypeValidation  ErrorType = "VALIDATION"
	TypeNotFound    ErrorType = "NOT_FOUND"
	TypeConflict    ErrorType = "CONFLICT"
	TypeExternal    ErrorType = "EXTERNAL"
	TypeTimeout     ErrorType = "TIMEOUT"
	TypeUnavailable ErrorType = "UNAVAILABLE"
	TypeInternal    ErrorType = "INTERNAL"
)

// AppError represents an application-specific error
type AppError struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Code       string         `json:"code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
	HTTPStatus int            `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithDetails adds error details
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

func newError(t ErrorType, status int, message string) *AppError {
	return &AppError{Type: t, Message: message, HTTPStatus: status}
}

func NewValidation(message string) *AppError {
	return newError(TypeValidation, http.StatusBadRequest, message)
}

// NewNotFound creates a not found error for the named resource.
func NewNotFound(resource string) *AppError {
	return newError(TypeNotFound, http.StatusNotFound, fmt.Sprintf("%s not found", resource))
}

func NewConflict(message string) *AppError {
	return newError(TypeConflict, http.StatusConflict, message)
}

// NewExternal marks a failure of an upstream service (LLM, vector DB, reranker).
func NewExternal(service string, cause error) *AppError {
	return newError(TypeExternal, http.StatusBadGateway, fmt.Sprintf("%s request failed", service)).WithCause(cause)
}

func NewTimeout(operation string) *AppError {
	return newError(TypeTimeout, http.StatusGatewayTimeout, fmt.Sprintf("%s timed out", operation))
}

func NewUnavailable(message string) *AppError {
	return newError(TypeUnavailable, http.StatusServiceUnavailable, message)
}

func NewInternal(message string) *AppError {
	return newError(TypeInternal, http.StatusInternalServerError, message)
}

// Wrap turns any error into an AppError, keeping an existing classification.
// Context deadline errors become TIMEOUT.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(message).WithCause(err)
	}
	return NewInternal(message).WithCause(err)
}

func Is(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

func IsValidation(err error) bool  { return Is(err, TypeValidation) }
func IsNotFound(err error) bool    { return Is(err, TypeNotFound) }
func IsConflict(err error) bool    { return Is(err, TypeConflict) }
func IsTimeout(err error) bool     { return Is(err, TypeTimeout) }
func IsExternal(err error) bool    { return Is(err, TypeExternal) }
func IsUnavailable(err error) bool { return Is(err, TypeUnavailable) }

// HTTPStatus returns the status code mapped to err.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// TypeOf returns the classification of err, INTERNAL when unclassified.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return TypeInternal
}
