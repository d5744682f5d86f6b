package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a unified error classification.
type ErrorCode string

// Provider error codes.
const (
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrRateLimit      ErrorCode = "RATE_LIMIT"
	ErrServer         ErrorCode = "SERVER_ERROR"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// Resilience error codes.
const (
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	ErrCanceled    ErrorCode = "CANCELED"
)

// Batch error codes.
const (
	ErrBatchEmpty  ErrorCode = "BATCH_EMPTY"
	ErrBatchFailed ErrorCode = "BATCH_FAILED"
)

// DefaultRetryableCodes are the transient kinds retried by default.
var DefaultRetryableCodes = []ErrorCode{ErrNetwork, ErrTimeout, ErrRateLimit, ErrServer}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error. Retryable defaults to the code's transient-ness.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: isTransient(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// Common constructors.

func NewNetworkError(message string, cause error) *Error {
	return NewError(ErrNetwork, message).WithCause(cause)
}

func NewTimeoutError(message string) *Error {
	return NewError(ErrTimeout, message)
}

func NewRateLimitError(message string) *Error {
	return NewError(ErrRateLimit, message).WithHTTPStatus(http.StatusTooManyRequests)
}

func NewServerError(message string, status int) *Error {
	return NewError(ErrServer, message).WithHTTPStatus(status)
}

func NewAuthError(message string) *Error {
	return NewError(ErrAuthentication, message).WithHTTPStatus(http.StatusUnauthorized)
}

func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks whether the first *Error in the chain is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// CodeOf returns the classification of err without inspecting foreign errors.
func CodeOf(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Classify maps any error to an ErrorCode. Structured errors keep their code,
// context errors map to TIMEOUT/CANCELED, net.Error maps to NETWORK_ERROR.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		if e.Code != "" {
			return e.Code
		}
		if e.HTTPStatus != 0 {
			return CodeFromHTTPStatus(e.HTTPStatus)
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetwork
	}
	return ErrInternal
}

// CodeFromHTTPStatus maps an upstream HTTP status to an ErrorCode.
func CodeFromHTTPStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrServer
	case status >= 400:
		return ErrInvalidRequest
	default:
		return ErrInternal
	}
}

// IsClientError reports errors caused by the caller. They never count as
// circuit breaker failures.
func IsClientError(err error) bool {
	switch Classify(err) {
	case ErrAuthentication, ErrInvalidRequest, ErrCanceled, ErrBatchEmpty:
		return true
	}
	return false
}

func isTransient(code ErrorCode) bool {
	for _, c := range DefaultRetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}
