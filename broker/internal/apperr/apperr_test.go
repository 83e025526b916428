package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		kind   Kind
		status int
	}{
		{"validation", Validation(CodeInvalidBrowserURL, "bad url %q", "ftp://x"), KindValidation, http.StatusBadRequest},
		{"not found", NotFound(CodeUserNotFound, "user %s", "alice"), KindNotFound, http.StatusNotFound},
		{"conflict", Conflict(CodeTokenNameExists, "dup"), KindConflict, http.StatusConflict},
		{"unauthorized", Unauthorized(CodeUnauthorized, "no token"), KindAuth, http.StatusUnauthorized},
		{"forbidden", Forbidden(CodeIPNotAllowed, "blocked"), KindAuth, http.StatusForbidden},
		{"capacity", Capacity(CodeMaxSessions, "full"), KindCapacity, http.StatusTooManyRequests},
		{"connection", Connection(CodeConnectionFailed, "down"), KindConnection, http.StatusBadGateway},
		{"reconnecting", Connection(CodeReconnecting, "busy"), KindConnection, http.StatusServiceUnavailable},
		{"storage", Storage("disk full"), KindStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("kind: got %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Status != tt.status {
				t.Errorf("status: got %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Timestamp.IsZero() {
				t.Error("timestamp not set")
			}
		})
	}
}

func TestAsThroughWrapping(t *testing.T) {
	cause := errors.New("fsync failed")
	base := Storage("append record").Wrap(cause).With("type", "user")
	wrapped := fmt.Errorf("register: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("As did not find *Error")
	}
	if got.Details["type"] != "user" {
		t.Errorf("details lost: %v", got.Details)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if !IsKind(wrapped, KindStorage) {
		t.Error("IsKind(storage) = false")
	}
	if !Is(wrapped, CodeStorageFailed) {
		t.Error("Is(code) = false")
	}
}

func TestFromUnknownError(t *testing.T) {
	e := From(errors.New("boom"))
	if e.Code != CodeInternal || e.Status != http.StatusInternalServerError {
		t.Errorf("got %s/%d", e.Code, e.Status)
	}
	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}

func TestToBodyOmitsCause(t *testing.T) {
	e := Validation(CodeMissingParameter, "userId is required").Wrap(errors.New("secret detail"))
	body := e.ToBody()
	if body.Error != "validation" || body.Code != CodeMissingParameter || body.StatusCode != 400 {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Message != "userId is required" {
		t.Errorf("message: %q", body.Message)
	}
}
