package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GoogleIssuer is the OIDC issuer used to discover Google's signing keys.
const GoogleIssuer = "https://accounts.google.com"

var (
	ErrStateMismatch = errors.New("oauth state mismatch")
	ErrNonceMismatch = errors.New("oauth nonce mismatch")
	ErrMissingCode   = errors.New("missing code or state parameter")
)

// GoogleConfig configures the authorization code flow against Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Endpoint defaults to google.Endpoint.
	Endpoint oauth2.Endpoint
}

// AuthRequest is the per-attempt state of a consent redirect. It must be kept
// until the callback arrives.
type AuthRequest struct {
	URL          string
	State        string
	Nonce        string
	CodeVerifier string
}

// GoogleFlow runs the browser consent and code exchange that yields the Google
// access token the backend's /auth/google/ endpoint accepts.
type GoogleFlow struct {
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

type GoogleFlowOption func(*GoogleFlow)

// WithIDTokenVerifier enables signature and nonce checks of the returned ID token.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) GoogleFlowOption {
	return func(f *GoogleFlow) {
		f.verifier = v
	}
}

// WithExchangeClient sets the HTTP client used for the token exchange.
func WithExchangeClient(c *http.Client) GoogleFlowOption {
	return func(f *GoogleFlow) {
		f.httpClient = c
	}
}

func NewGoogleFlow(cfg GoogleConfig, options ...GoogleFlowOption) (*GoogleFlow, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("NewGoogleFlow: client ID cannot be empty")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("NewGoogleFlow: redirect URL cannot be empty")
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" && endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	f := &GoogleFlow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
	}
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// NewGoogleVerifier discovers Google's keys and returns an ID token verifier for clientID.
func NewGoogleVerifier(ctx context.Context, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, GoogleIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover Google OIDC provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// Start creates a fresh state, nonce and PKCE verifier and builds the consent URL.
func (f *GoogleFlow) Start() *AuthRequest {
	req := &AuthRequest{
		State:        oauth2.GenerateVerifier(),
		Nonce:        oauth2.GenerateVerifier(),
		CodeVerifier: oauth2.GenerateVerifier(),
	}
	req.URL = f.config.AuthCodeURL(req.State,
		oauth2.AccessTypeOffline,
		oidc.Nonce(req.Nonce),
		oauth2.S256ChallengeOption(req.CodeVerifier),
	)
	return req
}

// ParseCallback extracts state and code from the redirect query, reporting
// provider errors such as a denied consent.
func ParseCallback(values url.Values) (state, code string, err error) {
	if e := values.Get("error"); e != "" {
		return "", "", fmt.Errorf("authorization failed: %s - %s", e, values.Get("error_description"))
	}
	state, code = values.Get("state"), values.Get("code")
	if state == "" || code == "" {
		return "", "", ErrMissingCode
	}
	return state, code, nil
}

// Exchange validates the callback state and trades the code for Google tokens.
// When a verifier is configured the ID token's signature and nonce are checked.
func (f *GoogleFlow) Exchange(ctx context.Context, req *AuthRequest, state, code string) (*oauth2.Token, error) {
	if req == nil || state != req.State {
		return nil, ErrStateMismatch
	}
	if code == "" {
		return nil, ErrMissingCode
	}

	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(req.CodeVerifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if f.verifier == nil {
		return tok, nil
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no ID token in response")
	}
	idToken, err := f.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}

	var claims struct {
		Nonce string `json:"nonce"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	if claims.Nonce != req.Nonce {
		return nil, ErrNonceMismatch
	}
	return tok, nil
}
