// Package authclient is a stateless client for the authentication backend's
// HTTP surface. It never stores tokens: public endpoints are called with a
// plain HTTP client and bearer endpoints go through an authorized client whose
// transport attaches and refreshes credentials.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 30 * time.Second

	// Error bodies larger than this are not inspected for a message.
	maxErrorBody = 64 << 10

	inactiveAccountMessage = "Account not activated yet or credentials are incorrect. Try logging in later or contact support."
)

// Operation names reported in BackendError.Op.
const (
	OpLogin          = "login"
	OpRegister       = "register"
	OpGoogleLogin    = "google login"
	OpRefresh        = "refresh"
	OpVerify         = "verify"
	OpMe             = "get user"
	OpUpdateProfile  = "update profile"
	OpChangePassword = "change password"
	OpDeleteAccount  = "delete account"
)

var defaultMessages = map[string]string{
	OpLogin:          "Login failed",
	OpRegister:       "Registration failed",
	OpGoogleLogin:    "Google login failed",
	OpRefresh:        "Token refresh failed",
	OpVerify:         "Token verification failed",
	OpMe:             "Failed to get user data",
	OpUpdateProfile:  "Failed to update profile",
	OpChangePassword: "Failed to change password",
	OpDeleteAccount:  "Failed to delete account",
}

// Endpoints are the backend paths, relative to the base URL.
type Endpoints struct {
	Login          string
	Refresh        string
	Verify         string
	Register       string
	Google         string
	Me             string
	Profile        string
	ChangePassword string
	DeleteAccount  string
}

// DefaultEndpoints returns the paths served by the reference backend.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:          "/auth/token/",
		Refresh:        "/auth/token/refresh/",
		Verify:         "/auth/token/verify/",
		Register:       "/auth/users/",
		Google:         "/auth/google/",
		Me:             "/auth/users/me/",
		Profile:        "/api/users/profile/",
		ChangePassword: "/api/users/change-password/",
		DeleteAccount:  "/api/users/delete-account/",
	}
}

// Client talks to the authentication backend.
type Client struct {
	baseURL    string
	public     *http.Client
	authorized *http.Client
	endpoints  Endpoints
	logger     zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient sets the client used for endpoints that do not need a bearer token.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.public = c
	}
}

// WithAuthorizedClient sets the client used for bearer endpoints. Its
// transport is expected to attach the access token.
func WithAuthorizedClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.authorized = c
	}
}

func WithEndpoints(e Endpoints) ClientOption {
	return func(client *Client) {
		client.endpoints = e
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = l
	}
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, options ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("authclient.New: base URL cannot be empty")
	}

	c := &Client{
		baseURL:   baseURL,
		public:    &http.Client{Timeout: defaultTimeout},
		endpoints: DefaultEndpoints(),
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.authorized == nil {
		c.authorized = c.public
	}
	return c, nil
}

// BaseURL returns the backend address without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WithAuthorized returns a copy of c that sends bearer requests through authorized.
func (c *Client) WithAuthorized(authorized *http.Client) *Client {
	clone := *c
	clone.authorized = authorized
	return &clone
}

// Login exchanges email and password for a token pair and the user's profile.
func (c *Client) Login(ctx context.Context, email, password string) (*authmodel.LoginResponse, error) {
	var resp authmodel.LoginResponse
	err := c.do(ctx, c.public, OpLogin, http.MethodPost, c.endpoints.Login, authmodel.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		if be, ok := authmodel.IsBackendError(err); ok && be.Unauthorized() && strings.Contains(be.Message, "No active account") {
			be.Message = inactiveAccountMessage
		}
		return nil, err
	}
	return &resp, nil
}

// Register creates an account. The backend may or may not issue tokens with the response.
func (c *Client) Register(ctx context.Context, req authmodel.RegisterRequest) (*authmodel.LoginResponse, error) {
	var resp authmodel.LoginResponse
	if err := c.do(ctx, c.public, OpRegister, http.MethodPost, c.endpoints.Register, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GoogleLogin exchanges a Google access token for a backend token pair.
func (c *Client) GoogleLogin(ctx context.Context, googleAccessToken string) (*authmodel.LoginResponse, error) {
	var resp authmodel.LoginResponse
	err := c.do(ctx, c.public, OpGoogleLogin, http.MethodPost, c.endpoints.Google, authmodel.GoogleLoginRequest{AccessToken: googleAccessToken}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh mints a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*authmodel.RefreshResponse, error) {
	var resp authmodel.RefreshResponse
	err := c.do(ctx, c.public, OpRefresh, http.MethodPost, c.endpoints.Refresh, authmodel.RefreshRequest{Refresh: refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Access == "" {
		return nil, &authmodel.BackendError{Op: OpRefresh, Status: http.StatusOK, Message: "refresh response did not contain an access token"}
	}
	return &resp, nil
}

// Verify asks the backend whether token is valid. A rejection is reported as
// false with a nil error; only transport and server failures return an error.
func (c *Client) Verify(ctx context.Context, token string) (bool, error) {
	err := c.do(ctx, c.public, OpVerify, http.MethodPost, c.endpoints.Verify, authmodel.VerifyRequest{Token: token}, nil)
	if err == nil {
		return true, nil
	}
	if be, ok := authmodel.IsBackendError(err); ok && be.Status < http.StatusInternalServerError {
		return false, nil
	}
	return false, err
}

// Me fetches the profile of the user owning the current access token.
func (c *Client) Me(ctx context.Context) (*authmodel.UserProfile, error) {
	var profile authmodel.UserProfile
	if err := c.do(ctx, c.authorized, OpMe, http.MethodGet, c.endpoints.Me, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) UpdateProfile(ctx context.Context, req authmodel.UpdateProfileRequest) (*authmodel.UserProfile, error) {
	var profile authmodel.UserProfile
	if err := c.do(ctx, c.authorized, OpUpdateProfile, http.MethodPatch, c.endpoints.Profile, req, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *Client) ChangePassword(ctx context.Context, req authmodel.ChangePasswordRequest) error {
	return c.do(ctx, c.authorized, OpChangePassword, http.MethodPost, c.endpoints.ChangePassword, req, nil)
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.do(ctx, c.authorized, OpDeleteAccount, http.MethodDelete, c.endpoints.DeleteAccount, nil, nil)
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses become a *authmodel.BackendError.
func (c *Client) do(ctx context.Context, httpClient *http.Client, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		be := &authmodel.BackendError{Op: op, Status: resp.StatusCode, Message: extractMessage(data, defaultMessages[op])}
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg(be.Message)
		return be
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// extractMessage picks the human readable message out of an error body. It
// looks at detail, error and message in that order, then at the first field
// validation error, and otherwise returns fallback.
func extractMessage(data []byte, fallback string) string {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return fallback
	}

	for _, key := range []string{"detail", "error", "message"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}

	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if msg := firstString(body[k]); msg != "" {
			if k == "non_field_errors" {
				return msg
			}
			return k + ": " + msg
		}
	}
	return fallback
}

func firstString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
