package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable     ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodePeerUnreachable ErrorCode = "PEER_UNREACHABLE"
	ErrCodeTransport       ErrorCode = "TRANSPORT_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeUnavailable, message, http.StatusServiceUnavailable)
}

// NewPeerUnreachableError marks the expected, frequent case of a remote peer
// vanishing before or during negotiation. Callers log it at debug, not error.
func NewPeerUnreachableError(peerID string, cause error) *AppError {
	return WrapError(cause, ErrCodePeerUnreachable, fmt.Sprintf("peer %s unreachable", peerID), http.StatusBadGateway)
}

// NewTransportError marks an unexpected signaling/transport failure that
// should be surfaced, still isolated to one session.
func NewTransportError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransport, message, http.StatusBadGateway)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// IsPeerUnreachable reports whether err (anywhere in its chain) is the
// expected peer-unreachable class.
func IsPeerUnreachable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == ErrCodePeerUnreachable
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr
	}

	type unwrapper interface {
		Unwrap() error
	}
	if u, ok := err.(unwrapper); ok {
		return GetAppError(u.Unwrap())
	}
	return nil
}
