// Package transport provides the http.RoundTripper that attaches the session's
// bearer token to outgoing requests and recovers from expired or revoked
// access tokens with at most one refresh-and-retry per request.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RequestIDHeader       = "X-Request-ID"
	NewAccessTokenHeader  = "X-New-Access-Token"
	NewRefreshTokenHeader = "X-New-Refresh-Token"
)

// Authenticator is the session side of the interceptor.
type Authenticator interface {
	// RefreshIfStale returns an access token newer than stale, refreshing
	// only if no other caller already has.
	RefreshIfStale(ctx context.Context, stale string) (string, error)

	// RotateTokens persists a pair the backend pushed through response headers.
	RotateTokens(ctx context.Context, pair authmodel.TokenPair) error

	// Invalidate ends the session after the backend rejected a freshly refreshed token.
	Invalidate(ctx context.Context)
}

var _ http.RoundTripper = (*Transport)(nil)

// Transport is an http.RoundTripper for requests to protected endpoints.
type Transport struct {
	store     credentials.Store
	auth      Authenticator
	base      http.RoundTripper
	inspector *token.Inspector
	logger    zerolog.Logger
	retries   prometheus.Counter
}

type Option func(*Transport)

// WithBase sets the underlying RoundTripper. Defaults to http.DefaultTransport.
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = base
	}
}

func WithInspector(i *token.Inspector) Option {
	return func(t *Transport) {
		t.inspector = i
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithRetryCounter counts reactive refresh-and-retry attempts.
func WithRetryCounter(c prometheus.Counter) Option {
	return func(t *Transport) {
		t.retries = c
	}
}

// NewRetryCounter registers the counter used with WithRetryCounter.
func NewRetryCounter(reg prometheus.Registerer) prometheus.Counter {
	return promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Namespace: "authsession",
		Subsystem: "transport",
		Name:      "unauthorized_retries_total",
		Help:      "Requests retried after a 401 response.",
	})
}

// New creates a Transport reading credentials from store and refreshing through auth.
func New(store credentials.Store, auth Authenticator, options ...Option) *Transport {
	t := &Transport{
		store:  store,
		auth:   auth,
		base:   http.DefaultTransport,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(t)
	}
	if t.inspector == nil {
		t.inspector = token.NewInspector()
	}
	return t
}

// RoundTrip sends req with the current access token. An access token that is
// expired or close to expiry is refreshed first. A 401 response triggers one
// refresh and one retry; a second 401 ends the session and the request fails
// with authmodel.ErrAuthRequired.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := readBody(req)
	if err != nil {
		return nil, fmt.Errorf("transport: read request body: %w", err)
	}

	out := req.Clone(ctx)
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}

	pair, err := t.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: load credentials: %w", err)
	}
	if pair == nil {
		return t.base.RoundTrip(withBody(out, body))
	}

	access := pair.Access
	if t.inspector.NeedsRefresh(access) {
		t.logger.Debug().Str("request_id", out.Header.Get(RequestIDHeader)).Msg("access token expiring, refreshing before send")
		access, err = t.auth.RefreshIfStale(ctx, access)
		if err != nil {
			return nil, refreshError(ctx, err)
		}
	}

	resp, err := t.send(out, access, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.adoptRotatedTokens(ctx, resp)
		return resp, nil
	}
	discard(resp)

	if t.retries != nil {
		t.retries.Inc()
	}
	t.logger.Debug().Str("request_id", out.Header.Get(RequestIDHeader)).Msg("401 received, refreshing and retrying once")

	fresh, err := t.auth.RefreshIfStale(ctx, access)
	if err != nil {
		return nil, refreshError(ctx, err)
	}

	resp, err = t.send(out, fresh, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		t.logger.Warn().Str("request_id", out.Header.Get(RequestIDHeader)).Msg("refreshed token rejected, ending session")
		t.auth.Invalidate(ctx)
		return nil, authmodel.ErrAuthRequired
	}
	t.adoptRotatedTokens(ctx, resp)
	return resp, nil
}

func (t *Transport) send(req *http.Request, access string, body []byte) (*http.Response, error) {
	attempt := withBody(req.Clone(req.Context()), body)
	attempt.Header.Set("Authorization", "Bearer "+access)
	return t.base.RoundTrip(attempt)
}

// adoptRotatedTokens persists a pair the backend issued because the presented
// access token was close to expiry. Both headers must be present.
func (t *Transport) adoptRotatedTokens(ctx context.Context, resp *http.Response) {
	pair := authmodel.TokenPair{
		Access:  resp.Header.Get(NewAccessTokenHeader),
		Refresh: resp.Header.Get(NewRefreshTokenHeader),
	}
	if !pair.Complete() {
		return
	}
	if err := t.auth.RotateTokens(ctx, pair); err != nil {
		t.logger.Err(err).Msg("failed to store rotated tokens")
	}
}

// refreshError reports a cancelled request as such; any other refresh
// failure means the session is gone.
func refreshError(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return authRequired(cause)
}

func authRequired(cause error) error {
	return fmt.Errorf("%w: %w", authmodel.ErrAuthRequired, cause)
}

// readBody drains and closes the request body so it can be replayed.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return req
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// CloseIdleConnections closes idle connections of the base RoundTripper.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface {
		CloseIdleConnections()
	}
	if c, ok := t.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}
