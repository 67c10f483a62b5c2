package authmodel

import (
	"errors"
	"fmt"
	"net/http"

	internalerrors "github.com/jrsteele09/go-auth-session/internal/errors"
)

var (
	ErrNoRefreshToken   = errors.New("no refresh token available")
	ErrRefreshFailed    = errors.New("token refresh failed")
	ErrAuthRequired     = errors.New("authentication required")
	ErrPartialTokenPair = errors.New("token pair requires both access and refresh tokens")
)

// BackendError is a non-2xx response from an authentication endpoint.
// Message is safe to show to a user: it is either the backend's own text or
// the per-operation default.
type BackendError struct {
	Op      string // Operation that failed, e.g. "login"
	Status  int    // HTTP status code returned by the backend
	Message string // Human readable message
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.Status)
}

// Unauthorized reports whether the backend rejected the credentials.
func (e *BackendError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// IsBackendError returns the BackendError in err's chain, if any.
func IsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	if internalerrors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// UserMessage returns the text a user-facing surface should display for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case internalerrors.Is(err, ErrAuthRequired), internalerrors.Is(err, ErrNoRefreshToken), internalerrors.Is(err, ErrRefreshFailed):
		return "Your session has expired. Please sign in again."
	}
	if be, ok := IsBackendError(err); ok {
		return be.Message
	}
	return "An error occurred"
}
