package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 30 * time.Second
	refreshKey     = "refresh"
)

var _ transport.Authenticator = (*Manager)(nil)

// Manager is a single user session. It is safe for concurrent use; every
// consumer of the session should share the same *Manager.
type Manager struct {
	store         credentials.Store
	client        *authclient.Client
	authorized    *http.Client
	inspector     *token.Inspector
	logger        zerolog.Logger
	metrics       *Metrics
	base          http.RoundTripper
	timeout       time.Duration
	clientOptions []authclient.ClientOption

	mu        sync.RWMutex
	state     State
	user      *authmodel.UserProfile
	pair      *authmodel.TokenPair
	listeners map[int]Listener
	nextID    int

	initOnce sync.Once
	initErr  error
	ready    chan struct{}

	refreshGroup singleflight.Group
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithInspector sets the clock and refresh threshold used for expiry decisions.
func WithInspector(i *token.Inspector) Option {
	return func(m *Manager) {
		m.inspector = i
	}
}

// WithBaseTransport sets the RoundTripper beneath both the public and the authorized client.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(m *Manager) {
		m.base = rt
	}
}

func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithClientOptions passes extra options, such as custom endpoints, to the auth client.
func WithClientOptions(options ...authclient.ClientOption) Option {
	return func(m *Manager) {
		m.clientOptions = append(m.clientOptions, options...)
	}
}

// New creates a Manager for the backend at baseURL. The session starts in
// Bootstrapping and stays there until Init runs.
func New(baseURL string, store credentials.Store, options ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session.New: credential store is required")
	}

	m := &Manager{
		store:     store,
		logger:    log.Logger,
		base:      http.DefaultTransport,
		timeout:   defaultTimeout,
		state:     Bootstrapping,
		listeners: make(map[int]Listener),
		ready:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	if m.inspector == nil {
		m.inspector = token.NewInspector()
	}

	transportOptions := []transport.Option{
		transport.WithBase(m.base),
		transport.WithInspector(m.inspector),
		transport.WithLogger(m.logger),
	}
	if m.metrics != nil {
		transportOptions = append(transportOptions, transport.WithRetryCounter(m.metrics.Retries))
	}
	m.authorized = &http.Client{
		Transport: transport.New(store, m, transportOptions...),
		Timeout:   m.timeout,
	}

	clientOptions := append([]authclient.ClientOption{
		authclient.WithHTTPClient(&http.Client{Transport: m.base, Timeout: m.timeout}),
		authclient.WithAuthorizedClient(m.authorized),
		authclient.WithLogger(m.logger),
	}, m.clientOptions...)

	client, err := authclient.New(baseURL, clientOptions...)
	if err != nil {
		return nil, err
	}
	m.client = client
	return m, nil
}

// Init runs the bootstrap once. Later calls return the first call's result
// without doing any work. A store that cannot be read leaves the session
// Anonymous and the stored data untouched.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.bootstrap(ctx)
		close(m.ready)
	})
	return m.initErr
}

// Ready is closed once the bootstrap has finished.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Wait blocks until the bootstrap has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) bootstrap(ctx context.Context) error {
	pair, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Err(err).Msg("failed to load stored credentials")
		m.finishBootstrap(Anonymous, nil, nil)
		return fmt.Errorf("Manager.Init: %w", err)
	}
	if pair == nil {
		m.finishBootstrap(Anonymous, nil, nil)
		return nil
	}

	if m.inspector.IsExpired(pair.Access) {
		if _, err := m.RefreshAccessToken(ctx); err != nil {
			m.logger.Info().Err(err).Msg("stored session could not be refreshed")
			m.finishBootstrap(Anonymous, nil, nil)
			if ctx.Err() != nil {
				return fmt.Errorf("Manager.Init: %w", err)
			}
			return nil
		}
	}

	profile, err := m.client.Me(ctx)
	if err != nil && ctx.Err() != nil {
		m.finishBootstrap(Anonymous, nil, nil)
		return fmt.Errorf("Manager.Init: %w", ctx.Err())
	}
	if err != nil {
		m.logger.Info().Err(err).Msg("stored session rejected by backend")
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Err(err).Msg("failed to clear credentials")
		}
		m.finishBootstrap(Anonymous, nil, nil)
		return nil
	}

	current, err := m.store.Load(ctx)
	if err != nil || current == nil {
		m.finishBootstrap(Anonymous, nil, nil)
		return nil
	}
	m.finishBootstrap(Authenticated, profile, current)
	return nil
}

// finishBootstrap applies the bootstrap result unless a login or logout
// during the bootstrap has already decided the state.
func (m *Manager) finishBootstrap(state State, user *authmodel.UserProfile, pair *authmodel.TokenPair) {
	m.mu.Lock()
	if m.state != Bootstrapping {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.user = user
	m.pair = pair
	snapshot, listeners := m.snapshotLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.logger.Info().Str("state", state.String()).Msg("session bootstrap finished")
	m.notify(snapshot, listeners)
}

// Login stores pair, fetches the user's profile and marks the session
// Authenticated. If the profile cannot be fetched the credentials are cleared.
func (m *Manager) Login(ctx context.Context, pair authmodel.TokenPair) (*authmodel.UserProfile, error) {
	if err := m.store.Save(ctx, pair); err != nil {
		return nil, fmt.Errorf("Manager.Login: %w", err)
	}

	profile, err := m.client.Me(ctx)
	if err != nil {
		_ = m.Logout(ctx)
		return nil, err
	}
	return m.establish(ctx, profile)
}

// LoginWithPassword authenticates with email and password.
func (m *Manager) LoginWithPassword(ctx context.Context, email, password string) (*authmodel.UserProfile, error) {
	resp, err := m.client.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.loginWithResponse(ctx, resp)
}

// Register creates an account. When the backend returns tokens with the new
// account the session is established as with a login.
func (m *Manager) Register(ctx context.Context, req authmodel.RegisterRequest) (*authmodel.UserProfile, error) {
	resp, err := m.client.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Pair().Complete() {
		return resp.User, nil
	}
	return m.loginWithResponse(ctx, resp)
}

// LoginWithGoogle exchanges a Google access token for a backend session.
func (m *Manager) LoginWithGoogle(ctx context.Context, googleAccessToken string) (*authmodel.UserProfile, error) {
	resp, err := m.client.GoogleLogin(ctx, googleAccessToken)
	if err != nil {
		return nil, err
	}
	return m.loginWithResponse(ctx, resp)
}

// loginWithResponse uses the profile embedded in a token response and only
// calls the profile endpoint when the backend left it out.
func (m *Manager) loginWithResponse(ctx context.Context, resp *authmodel.LoginResponse) (*authmodel.UserProfile, error) {
	pair := resp.Pair()
	if !pair.Complete() {
		return nil, fmt.Errorf("Manager.login: %w", authmodel.ErrPartialTokenPair)
	}
	if resp.User == nil {
		return m.Login(ctx, pair)
	}
	if err := m.store.Save(ctx, pair); err != nil {
		return nil, fmt.Errorf("Manager.login: %w", err)
	}
	return m.establish(ctx, resp.User)
}

// establish marks the session Authenticated with whatever pair the store now holds.
func (m *Manager) establish(ctx context.Context, profile *authmodel.UserProfile) (*authmodel.UserProfile, error) {
	pair, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("Manager.login: %w", err)
	}
	if pair == nil {
		return nil, authmodel.ErrAuthRequired
	}

	user := *profile
	m.mu.Lock()
	m.state = Authenticated
	m.user = &user
	m.pair = pair
	snapshot, listeners := m.snapshotLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.logger.Info().Int64("user_id", user.ID).Msg("session authenticated")
	m.notify(snapshot, listeners)
	return utils.Ptr(user), nil
}

// Logout clears the stored credentials and notifies subscribers. It is
// idempotent. A logout during the bootstrap clears credentials but leaves
// the state Bootstrapping until the bootstrap finishes.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.store.Clear(ctx)
	if err != nil {
		m.logger.Err(err).Msg("failed to clear credentials")
	}

	m.mu.Lock()
	if m.state != Bootstrapping {
		m.state = Anonymous
	}
	m.user = nil
	m.pair = nil
	snapshot, listeners := m.snapshotLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.metrics.logout()
	m.notify(snapshot, listeners)
	if err != nil {
		return fmt.Errorf("Manager.Logout: %w", err)
	}
	return nil
}

// RefreshAccessToken exchanges the stored refresh token for a new access
// token and stores it. Any failure ends the session.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	pair, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.refresh(RefreshFailed)
		_ = m.Logout(ctx)
		return "", fmt.Errorf("%w: %w", authmodel.ErrRefreshFailed, err)
	}
	if pair == nil || pair.Refresh == "" {
		m.metrics.refresh(RefreshNoRefreshToken)
		_ = m.Logout(ctx)
		return "", authmodel.ErrNoRefreshToken
	}

	resp, err := m.client.Refresh(ctx, pair.Refresh)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; the refresh token has not been rejected.
		m.logger.Debug().Err(err).Msg("token refresh abandoned")
		return "", fmt.Errorf("Manager.RefreshAccessToken: %w", ctx.Err())
	}
	if err != nil {
		m.metrics.refresh(RefreshFailed)
		m.logger.Info().Err(err).Msg("token refresh failed, logging out")
		_ = m.Logout(ctx)
		return "", fmt.Errorf("%w: %w", authmodel.ErrRefreshFailed, err)
	}

	next := authmodel.TokenPair{
		Access:  resp.Access,
		Refresh: utils.FirstNonEmpty(resp.Refresh, pair.Refresh),
	}
	if err := m.storeTokens(ctx, next); err != nil {
		m.metrics.refresh(RefreshFailed)
		_ = m.Logout(ctx)
		return "", fmt.Errorf("%w: %w", authmodel.ErrRefreshFailed, err)
	}

	m.metrics.refresh(RefreshSucceeded)
	m.logger.Debug().Msg("access token refreshed")
	return next.Access, nil
}

// RefreshIfStale returns a usable access token newer than stale. Concurrent
// callers share one refresh call, and a caller whose stale token was already
// replaced gets the replacement without calling the backend. The shared call
// is bounded by the manager timeout rather than any one caller's context; a
// caller that stops waiting gets its context error and the session is kept.
func (m *Manager) RefreshIfStale(ctx context.Context, stale string) (string, error) {
	if fresh, ok := m.replacementFor(ctx, stale); ok {
		return fresh, nil
	}

	results := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		refreshCtx, cancel := m.detached(ctx)
		defer cancel()

		if fresh, ok := m.replacementFor(refreshCtx, stale); ok {
			return fresh, nil
		}
		return m.RefreshAccessToken(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// detached keeps ctx's values but not its cancellation, bounded by the
// manager timeout when one is set.
func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(context.WithoutCancel(ctx))
	}
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

func (m *Manager) replacementFor(ctx context.Context, stale string) (string, bool) {
	pair, err := m.store.Load(ctx)
	if err != nil || pair == nil {
		return "", false
	}
	if pair.Access == stale || m.inspector.NeedsRefresh(pair.Access) {
		return "", false
	}
	return pair.Access, true
}

// RotateTokens stores a pair the backend issued alongside a response.
func (m *Manager) RotateTokens(ctx context.Context, pair authmodel.TokenPair) error {
	if err := m.storeTokens(ctx, pair); err != nil {
		return fmt.Errorf("Manager.RotateTokens: %w", err)
	}
	m.logger.Debug().Msg("adopted rotated tokens")
	return nil
}

// Invalidate ends the session after the backend rejected a refreshed token.
func (m *Manager) Invalidate(ctx context.Context) {
	if err := m.Logout(ctx); err != nil {
		m.logger.Err(err).Msg("failed to invalidate session")
	}
}

// storeTokens writes pair, then updates the cached copy and notifies.
func (m *Manager) storeTokens(ctx context.Context, pair authmodel.TokenPair) error {
	if err := m.store.Save(ctx, pair); err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = &pair
	snapshot, listeners := m.snapshotLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.notify(snapshot, listeners)
	return nil
}

// UpdateProfile changes the user's profile and caches the backend's copy.
func (m *Manager) UpdateProfile(ctx context.Context, req authmodel.UpdateProfileRequest) (*authmodel.UserProfile, error) {
	profile, err := m.client.UpdateProfile(ctx, req)
	if err != nil {
		return nil, err
	}
	m.setUser(profile)
	return profile, nil
}

func (m *Manager) ChangePassword(ctx context.Context, req authmodel.ChangePasswordRequest) error {
	return m.client.ChangePassword(ctx, req)
}

// DeleteAccount deletes the account and always logs out, even when the
// backend call failed.
func (m *Manager) DeleteAccount(ctx context.Context) error {
	err := m.client.DeleteAccount(ctx)
	if logoutErr := m.Logout(ctx); logoutErr != nil && err == nil {
		err = logoutErr
	}
	return err
}

// RefreshUser re-fetches the profile from the backend.
func (m *Manager) RefreshUser(ctx context.Context) (*authmodel.UserProfile, error) {
	profile, err := m.client.Me(ctx)
	if err != nil {
		return nil, err
	}
	m.setUser(profile)
	return profile, nil
}

func (m *Manager) setUser(profile *authmodel.UserProfile) {
	user := *profile
	m.mu.Lock()
	if m.state != Authenticated {
		m.mu.Unlock()
		return
	}
	m.user = &user
	snapshot, listeners := m.snapshotLocked(), m.listenersLocked()
	m.mu.Unlock()

	m.notify(snapshot, listeners)
}

// Subscribe registers l for state changes. The returned function removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// User returns a copy of the cached profile, or nil when not authenticated.
func (m *Manager) User() *authmodel.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return nil
	}
	return utils.Ptr(*m.user)
}

// AuthorizedClient returns an HTTP client that authenticates requests with this session.
func (m *Manager) AuthorizedClient() *http.Client {
	return m.authorized
}

// Client returns the underlying auth client.
func (m *Manager) Client() *authclient.Client {
	return m.client
}

// Close drops all subscribers and releases idle connections. Stored
// credentials are kept so a later Manager can resume the session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.listeners = make(map[int]Listener)
	m.mu.Unlock()

	m.authorized.CloseIdleConnections()
}

func (m *Manager) snapshotLocked() Session {
	s := Session{
		State:   m.state,
		Loading: m.state == Bootstrapping,
	}
	if m.user != nil {
		s.User = utils.Ptr(*m.user)
	}
	if m.pair != nil {
		s.AccessToken = m.pair.Access
		s.RefreshToken = m.pair.Refresh
	}
	return s
}

func (m *Manager) listenersLocked() []Listener {
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (m *Manager) notify(s Session, listeners []Listener) {
	m.metrics.state(s.State)
	for _, l := range listeners {
		l(s)
	}
}
