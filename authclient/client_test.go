package authclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/backendfake"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type testFixture struct {
	backend *backendfake.Backend
	server  *httptest.Server
	client  *authclient.Client
	user    authmodel.UserProfile
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	backend := backendfake.New()
	server := httptest.NewServer(backend.Handler())
	t.Cleanup(server.Close)

	client, err := authclient.New(server.URL+"/", authclient.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	return &testFixture{
		backend: backend,
		server:  server,
		client:  client,
		user:    backend.AddUser("a@b.com", "pw12345678", "Ada", true),
	}
}

// bearerTransport attaches a fixed access token.
type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(req)
}

func errorServer(t *testing.T, status int, body string) *authclient.Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	client, err := authclient.New(server.URL, authclient.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return client
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := authclient.New("  ")
	require.Error(t, err)
}

func TestLogin(t *testing.T) {
	f := setupTestFixture(t)

	resp, err := f.client.Login(context.Background(), "a@b.com", "pw12345678")
	require.NoError(t, err)
	require.True(t, resp.Pair().Complete())
	require.NotNil(t, resp.User)
	require.Equal(t, f.user, *resp.User)

	userID, ok := token.UserID(resp.Access)
	require.True(t, ok)
	require.Equal(t, f.user.ID, userID)
}

func TestLogin_InactiveAccountMessage(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.client.Login(context.Background(), "a@b.com", "wrong-password")
	require.Error(t, err)

	be, ok := authmodel.IsBackendError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, be.Status)
	require.Equal(t, authclient.OpLogin, be.Op)
	require.Contains(t, be.Message, "Account not activated yet")
	require.Equal(t, be.Message, authmodel.UserMessage(err))
}

func TestLogin_BackendMessages(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "detail", status: http.StatusUnauthorized, body: `{"detail":"Invalid credentials"}`, message: "Invalid credentials"},
		{name: "error", status: http.StatusBadRequest, body: `{"error":"Bad input"}`, message: "Bad input"},
		{name: "message", status: http.StatusBadRequest, body: `{"message":"Nope"}`, message: "Nope"},
		{name: "field error", status: http.StatusBadRequest, body: `{"password":["This field is required."]}`, message: "password: This field is required."},
		{name: "non field error", status: http.StatusBadRequest, body: `{"non_field_errors":["Unable to log in."]}`, message: "Unable to log in."},
		{name: "empty body", status: http.StatusInternalServerError, body: ``, message: "Login failed"},
		{name: "html body", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, message: "Login failed"},
		{name: "blank detail", status: http.StatusBadRequest, body: `{"detail":"  "}`, message: "Login failed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := errorServer(t, tc.status, tc.body)

			_, err := client.Login(context.Background(), "a@b.com", "pw")
			be, ok := authmodel.IsBackendError(err)
			require.True(t, ok)
			require.Equal(t, tc.status, be.Status)
			require.Equal(t, tc.message, be.Message)
		})
	}
}

func TestDefaultMessagesPerOperation(t *testing.T) {
	client := errorServer(t, http.StatusInternalServerError, ``)
	ctx := context.Background()

	_, err := client.Register(ctx, authmodel.RegisterRequest{Email: "x@y.z"})
	requireMessage(t, err, "Registration failed")

	_, err = client.GoogleLogin(ctx, "g")
	requireMessage(t, err, "Google login failed")

	_, err = client.Refresh(ctx, "r")
	requireMessage(t, err, "Token refresh failed")

	_, err = client.Me(ctx)
	requireMessage(t, err, "Failed to get user data")

	_, err = client.UpdateProfile(ctx, authmodel.UpdateProfileRequest{FullName: "n"})
	requireMessage(t, err, "Failed to update profile")

	requireMessage(t, client.ChangePassword(ctx, authmodel.ChangePasswordRequest{}), "Failed to change password")
	requireMessage(t, client.DeleteAccount(ctx), "Failed to delete account")
}

func requireMessage(t *testing.T, err error, message string) {
	t.Helper()

	be, ok := authmodel.IsBackendError(err)
	require.True(t, ok, "expected BackendError, got %v", err)
	require.Equal(t, message, be.Message)
}

func TestRegister(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	resp, err := f.client.Register(ctx, authmodel.RegisterRequest{
		Email:      "new@b.com",
		Password:   "longenough",
		RePassword: "longenough",
		FullName:   utils.Ptr("New User"),
	})
	require.NoError(t, err)
	require.True(t, resp.Pair().Complete())
	require.Equal(t, "New User", resp.User.FullName)

	_, err = f.client.Register(ctx, authmodel.RegisterRequest{Email: "other@b.com", Password: "longenough", RePassword: "different"})
	requireMessage(t, err, "password: Password fields didn't match.")

	_, err = f.client.Register(ctx, authmodel.RegisterRequest{Email: "a@b.com", Password: "longenough", RePassword: "longenough"})
	requireMessage(t, err, "email: user with this email already exists.")
}

func TestGoogleLogin(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.backend.AddGoogleToken("google-access", "g@b.com")

	resp, err := f.client.GoogleLogin(ctx, "google-access")
	require.NoError(t, err)
	require.True(t, resp.Pair().Complete())
	require.Equal(t, "g@b.com", resp.User.Email)

	_, err = f.client.GoogleLogin(ctx, "unknown")
	requireMessage(t, err, "Invalid Google access token")
}

func TestRefresh(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	pair := f.backend.IssuePair(f.user.ID)

	resp, err := f.client.Refresh(ctx, pair.Refresh)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Access)
	require.Empty(t, resp.Refresh)
	require.Equal(t, 1, f.backend.RefreshCalls())

	_, err = f.client.Refresh(ctx, pair.Access)
	requireMessage(t, err, "Token is invalid or expired")
}

func TestRefresh_EmptyAccessIsAnError(t *testing.T) {
	client := errorServer(t, http.StatusOK, `{}`)

	_, err := client.Refresh(context.Background(), "r")
	_, ok := authmodel.IsBackendError(err)
	require.True(t, ok)
}

func TestVerify(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	pair := f.backend.IssuePair(f.user.ID)

	valid, err := f.client.Verify(ctx, pair.Access)
	require.NoError(t, err)
	require.True(t, valid)

	f.backend.Revoke(pair.Access)
	valid, err = f.client.Verify(ctx, pair.Access)
	require.NoError(t, err)
	require.False(t, valid)

	valid, err = f.client.Verify(ctx, "garbage")
	require.NoError(t, err)
	require.False(t, valid)

	broken := errorServer(t, http.StatusInternalServerError, ``)
	valid, err = broken.Verify(ctx, pair.Access)
	require.Error(t, err)
	require.False(t, valid)
}

func TestBearerEndpoints(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	_, err := f.client.Me(ctx)
	be, ok := authmodel.IsBackendError(err)
	require.True(t, ok)
	require.True(t, be.Unauthorized())

	pair := f.backend.IssuePair(f.user.ID)
	authorized := f.client.WithAuthorized(&http.Client{Transport: bearerTransport{token: pair.Access}})

	profile, err := authorized.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, f.user, *profile)

	profile, err = authorized.UpdateProfile(ctx, authmodel.UpdateProfileRequest{FullName: "Ada Lovelace"})
	require.NoError(t, err)
	require.Equal(t, "Ada Lovelace", profile.FullName)

	err = authorized.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "newpassword1"})
	requireMessage(t, err, "current_password: Invalid password.")

	require.NoError(t, authorized.ChangePassword(ctx, authmodel.ChangePasswordRequest{CurrentPassword: "pw12345678", NewPassword: "newpassword1"}))
	_, err = f.client.Login(ctx, "a@b.com", "newpassword1")
	require.NoError(t, err)

	require.NoError(t, authorized.DeleteAccount(ctx))
	_, exists := f.backend.User("a@b.com")
	require.False(t, exists)
}

func TestCustomEndpoints(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"A1","refresh":"R1"}`))
	}))
	t.Cleanup(server.Close)

	endpoints := authclient.DefaultEndpoints()
	endpoints.Login = "/api/auth/token/"
	client, err := authclient.New(server.URL, authclient.WithEndpoints(endpoints), authclient.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	resp, err := client.Login(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	require.Equal(t, "/api/auth/token/", gotPath)
	require.Equal(t, authmodel.TokenPair{Access: "A1", Refresh: "R1"}, resp.Pair())
}
