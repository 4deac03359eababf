package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes rendered in problem documents.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeAuth       = "AUTH_ERROR"
	CodeNotFound   = "NOT_FOUND"
	CodeRateLimit  = "RATE_LIMIT_EXCEEDED"
	CodeServer     = "SERVER_ERROR"
)

// ProblemTypeBase prefixes the problem "type" URI.
const ProblemTypeBase = "https://runqueue.dev/errors/"

// AppError represents application-specific errors
type AppError struct {
	Status  int
	Code    string
	Message string
	Details any
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrInternal     = errors.New("internal error")
	ErrDatabase     = errors.New("database error")
)

// Error constructors
func NewAppError(status int, code, message string, cause error) *AppError {
	return &AppError{
		Status:  status,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func ValidationError(message string, details any) *AppError {
	e := NewAppError(http.StatusBadRequest, CodeValidation, message, ErrInvalidInput)
	e.Details = details
	return e
}

func AuthError(message string) *AppError {
	return NewAppError(http.StatusUnauthorized, CodeAuth, message, ErrUnauthorized)
}

func NotFoundError(resource string) *AppError {
	return NewAppError(http.StatusNotFound, CodeNotFound, resource+" not found", ErrNotFound)
}

// RateLimitError carries the number of seconds until the request could succeed.
func RateLimitError(retryAfter int) *AppError {
	e := NewAppError(http.StatusTooManyRequests, CodeRateLimit, "Rate limit exceeded", ErrRateLimited)
	e.Details = map[string]int{"retryAfter": retryAfter}
	return e
}

func ServerError(message string, cause error) *AppError {
	if cause == nil {
		cause = ErrInternal
	}
	return NewAppError(http.StatusInternalServerError, CodeServer, message, cause)
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// AsAppError unwraps err into an *AppError. Anything else becomes a 500.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return ServerError("Internal server error", err)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Problem is the application/problem+json body.
type Problem struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail any    `json:"detail,omitempty"`
}

// Problem renders the error as a problem document. Causes of 5xx errors stay out of the body.
func (e *AppError) Problem() Problem {
	return Problem{
		Type:   ProblemTypeBase + e.Code,
		Status: e.Status,
		Code:   e.Code,
		Title:  e.Message,
		Detail: e.Details,
	}
}
