package authclient_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testIssuer   = "https://issuer.example.test"
	testClientID = "client-123"
)

type googleFixture struct {
	key          *rsa.PrivateKey
	server       *httptest.Server
	lastForm     url.Values
	idTokenNonce string
}

func setupGoogleFixture(t *testing.T) *googleFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &googleFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.lastForm = r.PostForm

		now := time.Now()
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   testIssuer,
			"aud":   testClientID,
			"sub":   "google-user",
			"email": "g@b.com",
			"nonce": f.idTokenNonce,
			"iat":   now.Unix(),
			"exp":   now.Add(time.Hour).Unix(),
		}).SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "google-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *googleFixture) flow(t *testing.T, verify bool) *authclient.GoogleFlow {
	t.Helper()

	options := []authclient.GoogleFlowOption{authclient.WithExchangeClient(f.server.Client())}
	if verify {
		keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&f.key.PublicKey}}
		options = append(options, authclient.WithIDTokenVerifier(oidc.NewVerifier(testIssuer, keySet, &oidc.Config{ClientID: testClientID})))
	}

	flow, err := authclient.NewGoogleFlow(authclient.GoogleConfig{
		ClientID:     testClientID,
		ClientSecret: "secret",
		RedirectURL:  "http://127.0.0.1:8765/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  f.server.URL + "/auth",
			TokenURL: f.server.URL + "/token",
		},
	}, options...)
	require.NoError(t, err)
	return flow
}

func TestNewGoogleFlow_Validation(t *testing.T) {
	_, err := authclient.NewGoogleFlow(authclient.GoogleConfig{RedirectURL: "http://localhost/cb"})
	require.Error(t, err)

	_, err = authclient.NewGoogleFlow(authclient.GoogleConfig{ClientID: "id"})
	require.Error(t, err)
}

func TestGoogleFlow_StartBuildsConsentURL(t *testing.T) {
	f := setupGoogleFixture(t)
	req := f.flow(t, false).Start()

	require.NotEmpty(t, req.State)
	require.NotEmpty(t, req.Nonce)
	require.NotEmpty(t, req.CodeVerifier)
	require.NotEqual(t, req.State, req.Nonce)

	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, req.State, q.Get("state"))
	require.Equal(t, req.Nonce, q.Get("nonce"))
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, oauth2.S256ChallengeFromVerifier(req.CodeVerifier), q.Get("code_challenge"))
	require.Contains(t, q.Get("scope"), "openid")
}

func TestGoogleFlow_Exchange(t *testing.T) {
	f := setupGoogleFixture(t)
	flow := f.flow(t, true)
	req := flow.Start()
	f.idTokenNonce = req.Nonce

	tok, err := flow.Exchange(context.Background(), req, req.State, "auth-code")
	require.NoError(t, err)
	require.Equal(t, "google-access", tok.AccessToken)
	require.Equal(t, "auth-code", f.lastForm.Get("code"))
	require.Equal(t, req.CodeVerifier, f.lastForm.Get("code_verifier"))
}

func TestGoogleFlow_ExchangeRejectsStateMismatch(t *testing.T) {
	f := setupGoogleFixture(t)
	flow := f.flow(t, false)
	req := flow.Start()

	_, err := flow.Exchange(context.Background(), req, "forged", "auth-code")
	require.ErrorIs(t, err, authclient.ErrStateMismatch)
	require.Nil(t, f.lastForm, "no exchange must happen on a state mismatch")
}

func TestGoogleFlow_ExchangeRejectsNonceMismatch(t *testing.T) {
	f := setupGoogleFixture(t)
	flow := f.flow(t, true)
	req := flow.Start()
	f.idTokenNonce = "replayed-nonce"

	_, err := flow.Exchange(context.Background(), req, req.State, "auth-code")
	require.ErrorIs(t, err, authclient.ErrNonceMismatch)
}

func TestParseCallback(t *testing.T) {
	state, code, err := authclient.ParseCallback(url.Values{"state": {"s"}, "code": {"c"}})
	require.NoError(t, err)
	require.Equal(t, "s", state)
	require.Equal(t, "c", code)

	_, _, err = authclient.ParseCallback(url.Values{"state": {"s"}})
	require.ErrorIs(t, err, authclient.ErrMissingCode)

	_, _, err = authclient.ParseCallback(url.Values{"error": {"access_denied"}, "error_description": {"user said no"}})
	require.ErrorContains(t, err, "access_denied")
}
