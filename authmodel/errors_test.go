package authmodel_test

import (
	"fmt"
	"testing"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/stretchr/testify/require"
)

func TestUserMessage(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "auth required", err: fmt.Errorf("%w: %w", authmodel.ErrAuthRequired, authmodel.ErrRefreshFailed), want: "Your session has expired. Please sign in again."},
		{name: "no refresh token", err: authmodel.ErrNoRefreshToken, want: "Your session has expired. Please sign in again."},
		{name: "wrapped backend error", err: fmt.Errorf("Manager.Login: %w", &authmodel.BackendError{Op: "login", Status: 400, Message: "email: Enter a valid email address."}), want: "email: Enter a valid email address."},
		{name: "other", err: fmt.Errorf("dial tcp: connection refused"), want: "An error occurred"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, authmodel.UserMessage(tc.err))
		})
	}
}

func TestIsBackendError(t *testing.T) {
	be, ok := authmodel.IsBackendError(fmt.Errorf("wrapped: %w", &authmodel.BackendError{Op: "me", Status: 401, Message: "nope"}))
	require.True(t, ok)
	require.True(t, be.Unauthorized())

	_, ok = authmodel.IsBackendError(authmodel.ErrRefreshFailed)
	require.False(t, ok)
}
