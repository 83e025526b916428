// Package apperr defines the broker's closed error taxonomy. Every error that
// crosses a component boundary is an *Error carrying a stable code, an HTTP
// status, optional structured details and the time it was raised.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is the error category. The set is closed.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindAuth
	KindCapacity
	KindConnection
	KindStorage
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindCapacity:
		return "capacity"
	case KindConnection:
		return "connection"
	case KindStorage:
		return "storage"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Stable error codes.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeMissingParameter  = "MISSING_REQUIRED_PARAMETER"
	CodeInvalidParameter  = "INVALID_PARAMETER"
	CodeInvalidEmail      = "INVALID_EMAIL"
	CodeInvalidBrowserURL = "INVALID_BROWSER_URL"
	CodeUserNotRegistered = "USER_NOT_REGISTERED"

	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeBrowserNotFound = "BROWSER_NOT_FOUND"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeTokenNotFound   = "TOKEN_NOT_FOUND"

	CodeUserExists           = "USER_ALREADY_EXISTS"
	CodeBrowserExists        = "BROWSER_ALREADY_EXISTS"
	CodeTokenNameExists      = "TOKEN_NAME_EXISTS"
	CodeConcurrentConnection = "CONCURRENT_CONNECTION"

	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeIPNotAllowed   = "IP_NOT_ALLOWED"
	CodeSessionExpired = "SESSION_EXPIRED"

	CodeMaxSessions = "MAX_SESSIONS_REACHED"
	CodeRateLimited = "RATE_LIMIT_EXCEEDED"

	CodeConnectionFailed     = "BROWSER_CONNECTION_FAILED"
	CodeBrowserNotAccessible = "BROWSER_NOT_ACCESSIBLE"
	CodeReconnecting         = "BROWSER_RECONNECTING"

	CodeStorageFailed         = "STORAGE_OPERATION_FAILED"
	CodeStorageNotInitialized = "STORAGE_NOT_INITIALIZED"
	CodeInternal              = "INTERNAL_ERROR"

	CodeConfiguration = "CONFIGURATION_ERROR"
)

// Error is the structured error value shared by all broker components.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Status    int
	Details   map[string]any
	Timestamp time.Time
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With returns e with key set in its details map.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Wrap attaches a cause to e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func newError(kind Kind, status int, code, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Status:    status,
		Timestamp: time.Now(),
	}
}

// Validation reports malformed input. Never retried.
func Validation(code, format string, args ...any) *Error {
	return newError(KindValidation, http.StatusBadRequest, code, format, args...)
}

// NotFound reports a missing entity.
func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, http.StatusNotFound, code, format, args...)
}

// Conflict reports a uniqueness or concurrency conflict.
func Conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, http.StatusConflict, code, format, args...)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(code, format string, args ...any) *Error {
	return newError(KindAuth, http.StatusUnauthorized, code, format, args...)
}

// Forbidden reports a valid identity that may not perform the request.
func Forbidden(code, format string, args ...any) *Error {
	return newError(KindAuth, http.StatusForbidden, code, format, args...)
}

// Capacity reports an exceeded session or rate limit.
func Capacity(code, format string, args ...any) *Error {
	return newError(KindCapacity, http.StatusTooManyRequests, code, format, args...)
}

// Connection reports a failure to reach or attach to a browser endpoint.
func Connection(code, format string, args ...any) *Error {
	status := http.StatusBadGateway
	if code == CodeReconnecting {
		status = http.StatusServiceUnavailable
	}
	return newError(KindConnection, status, code, format, args...)
}

// Storage reports a persistence failure.
func Storage(format string, args ...any) *Error {
	return newError(KindStorage, http.StatusInternalServerError, CodeStorageFailed, format, args...)
}

// Configuration reports an invalid runtime configuration.
func Configuration(format string, args ...any) *Error {
	return newError(KindConfiguration, http.StatusInternalServerError, CodeConfiguration, format, args...)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// From converts any error into an *Error. Unknown errors become internal
// storage-kind failures so the caller never leaks a raw message shape.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	e := newError(KindStorage, http.StatusInternalServerError, CodeInternal, "internal error")
	e.Err = err
	return e
}

// Body is the JSON error document written by HTTP handlers.
type Body struct {
	Error      string         `json:"error"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToBody renders e for the wire. The cause is never included.
func (e *Error) ToBody() Body {
	return Body{
		Error:      e.Kind.String(),
		Code:       e.Code,
		Message:    e.Message,
		StatusCode: e.Status,
		Details:    e.Details,
		Timestamp:  e.Timestamp,
	}
}
