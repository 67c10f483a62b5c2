// Package backendfake is an in-process stand-in for the authentication REST
// backend. It issues real HS256 JWTs so client code exercises genuine token
// decoding, expiry and refresh paths in tests.
package backendfake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultSecret     = "backendfake-secret"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// Paths that are not part of the authentication surface but are protected
	// by the same bearer check. Used to exercise the request interceptor.
	EchoPath = "/api/echo/"
)

type contextKey string

const contextKeyUser contextKey = "user"

type user struct {
	profile      authmodel.UserProfile
	passwordHash []byte
	active       bool
}

// Backend implements the authentication endpoints with in-memory users.
type Backend struct {
	signer     *HMACSigner
	revoked    *revokedTokens
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotateWhen time.Duration
	nowFunc    func() time.Time

	mu           sync.Mutex
	users        map[string]*user // key: email
	nextID       int64
	googleTokens map[string]string // google access token -> email
	hits         map[string]int
	authHeaders  map[string][]string

	refreshCalls atomic.Int64
	failRefresh  atomic.Bool
	refreshDelay atomic.Int64

	router chi.Router
}

type Option func(*Backend)

func WithAccessTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.accessTTL = ttl
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.refreshTTL = ttl
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(b *Backend) {
		b.nowFunc = now
	}
}

// WithRotation makes authenticated endpoints return X-New-Access-Token and
// X-New-Refresh-Token when the presented access token expires within d.
func WithRotation(d time.Duration) Option {
	return func(b *Backend) {
		b.rotateWhen = d
	}
}

// New creates a backend with no users.
func New(options ...Option) *Backend {
	b := &Backend{
		signer:       NewHMACSigner(defaultSecret),
		revoked:      newRevokedTokens(),
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		nowFunc:      time.Now,
		users:        make(map[string]*user),
		googleTokens: make(map[string]string),
		hits:         make(map[string]int),
		authHeaders:  make(map[string][]string),
	}
	for _, opt := range options {
		opt(b)
	}
	b.router = b.routes()
	return b
}

func (b *Backend) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(b.countRequests)

	r.Post("/auth/token/", b.handleLogin)
	r.Post("/auth/token/refresh/", b.handleRefresh)
	r.Post("/auth/token/verify/", b.handleVerify)
	r.Post("/auth/users/", b.handleRegister)
	r.Post("/auth/google/", b.handleGoogle)

	r.Group(func(r chi.Router) {
		r.Use(b.requireAuth)
		r.Get("/auth/users/me/", b.handleMe)
		r.Patch("/api/users/profile/", b.handleUpdateProfile)
		r.Post("/api/users/change-password/", b.handleChangePassword)
		r.Delete("/api/users/delete-account/", b.handleDeleteAccount)
		r.HandleFunc(EchoPath, b.handleEcho)
	})
	return r
}

// Handler returns the HTTP handler serving the backend.
func (b *Backend) Handler() http.Handler {
	return b.router
}

// AddUser registers a user. Inactive users cannot log in, mirroring an
// account that has not been activated yet.
func (b *Backend) AddUser(email, password, fullName string, active bool) authmodel.UserProfile {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	u := &user{
		profile:      authmodel.UserProfile{ID: b.nextID, Email: email, FullName: fullName},
		passwordHash: hash,
		active:       active,
	}
	b.users[strings.ToLower(email)] = u
	return u.profile
}

// User returns the stored profile for email.
func (b *Backend) User(email string) (authmodel.UserProfile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.users[strings.ToLower(email)]
	if !ok {
		return authmodel.UserProfile{}, false
	}
	return u.profile, true
}

// AddGoogleToken makes the Google exchange endpoint accept googleAccessToken for email.
func (b *Backend) AddGoogleToken(googleAccessToken, email string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.googleTokens[googleAccessToken] = strings.ToLower(email)
}

// IssuePair mints a fresh pair for userID.
func (b *Backend) IssuePair(userID int64) authmodel.TokenPair {
	return authmodel.TokenPair{
		Access:  b.IssueToken(userID, tokenTypeAccess, b.accessTTL),
		Refresh: b.IssueToken(userID, tokenTypeRefresh, b.refreshTTL),
	}
}

// IssueToken mints a token of the given type. A negative ttl yields an already expired token.
func (b *Backend) IssueToken(userID int64, tokenType string, ttl time.Duration) string {
	now := b.nowFunc()
	signed, err := b.signer.Sign(jwt.MapClaims{
		"token_type": tokenType,
		"exp":        now.Add(ttl).Unix(),
		"iat":        now.Unix(),
		"jti":        uuid.NewString(),
		"user_id":    userID,
	})
	if err != nil {
		panic(err)
	}
	return signed
}

// Revoke invalidates a token server side while leaving its exp untouched.
func (b *Backend) Revoke(raw string) {
	claims, err := b.parse(raw, "")
	if err != nil {
		return
	}
	jti, _ := claims["jti"].(string)
	exp, _ := claims.GetExpirationTime()
	if jti != "" && exp != nil {
		b.revoked.Cleanup(b.nowFunc())
		b.revoked.Add(jti, exp.Time)
	}
}

// FailRefresh makes the refresh endpoint reject every request with 401.
func (b *Backend) FailRefresh(fail bool) {
	b.failRefresh.Store(fail)
}

// SetRefreshDelay slows the refresh endpoint down so concurrent callers overlap.
func (b *Backend) SetRefreshDelay(d time.Duration) {
	b.refreshDelay.Store(int64(d))
}

// RefreshCalls counts requests that reached the refresh endpoint.
func (b *Backend) RefreshCalls() int {
	return int(b.refreshCalls.Load())
}

// Hits counts requests to path.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

// AuthorizationHeaders returns the Authorization header of every request to path, in order.
func (b *Backend) AuthorizationHeaders(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.authHeaders[path]...)
}

func (b *Backend) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits[r.URL.Path]++
		b.authHeaders[r.URL.Path] = append(b.authHeaders[r.URL.Path], r.Header.Get("Authorization"))
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// requireAuth validates the bearer access token and injects the user into the context.
func (b *Backend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid Authorization header format"})
			return
		}

		claims, err := b.parse(parts[1], tokenTypeAccess)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid for any token type", "code": "token_not_valid"})
			return
		}

		u, ok := b.userByID(claimUserID(claims))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "User not found", "code": "user_not_found"})
			return
		}

		if b.rotateWhen > 0 {
			if exp, _ := claims.GetExpirationTime(); exp != nil && exp.Sub(b.nowFunc()) < b.rotateWhen {
				pair := b.IssuePair(u.profile.ID)
				w.Header().Set("X-New-Access-Token", pair.Access)
				w.Header().Set("X-New-Refresh-Token", pair.Refresh)
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyUser, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (b *Backend) parse(raw, wantType string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.nowFunc),
		jwt.WithExpirationRequired(),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, b.signer.GetVerificationKey); err != nil {
		return nil, err
	}
	if wantType != "" && claims["token_type"] != wantType {
		return nil, errors.New("wrong token type")
	}
	if jti, _ := claims["jti"].(string); jti != "" && b.revoked.IsRevoked(jti) {
		return nil, errors.New("token revoked")
	}
	return claims, nil
}

func claimUserID(claims jwt.MapClaims) int64 {
	id, _ := claims["user_id"].(float64)
	return int64(id)
}

func (b *Backend) userByID(id int64) (*user, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		if u.profile.ID == id {
			return u, true
		}
	}
	return nil, false
}

func (b *Backend) loginResponse(u *user) authmodel.LoginResponse {
	pair := b.IssuePair(u.profile.ID)
	profile := u.profile
	return authmodel.LoginResponse{Access: pair.Access, Refresh: pair.Refresh, User: &profile}
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authmodel.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b.mu.Lock()
	u, ok := b.users[strings.ToLower(req.Email)]
	b.mu.Unlock()

	if !ok || !u.active || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}
	writeJSON(w, http.StatusOK, b.loginResponse(u))
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	if d := time.Duration(b.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}

	var req authmodel.RefreshRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if b.failRefresh.Load() {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	claims, err := b.parse(req.Refresh, tokenTypeRefresh)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}

	writeJSON(w, http.StatusOK, authmodel.RefreshResponse{
		Access: b.IssueToken(claimUserID(claims), tokenTypeAccess, b.accessTTL),
	})
}

func (b *Backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req authmodel.VerifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := b.parse(req.Token, ""); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authmodel.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case strings.TrimSpace(req.Email) == "":
		writeJSON(w, http.StatusBadRequest, map[string][]string{"email": {"This field is required."}})
		return
	case len(req.Password) < 8:
		writeJSON(w, http.StatusBadRequest, map[string][]string{"password": {"This password is too short. It must contain at least 8 characters."}})
		return
	case req.Password != req.RePassword:
		writeJSON(w, http.StatusBadRequest, map[string][]string{"password": {"Password fields didn't match."}})
		return
	}

	if _, exists := b.User(req.Email); exists {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"email": {"user with this email already exists."}})
		return
	}

	fullName := ""
	if req.FullName != nil {
		fullName = *req.FullName
	}
	profile := b.AddUser(req.Email, req.Password, fullName, true)

	b.mu.Lock()
	u := b.users[strings.ToLower(profile.Email)]
	b.mu.Unlock()
	writeJSON(w, http.StatusCreated, b.loginResponse(u))
}

func (b *Backend) handleGoogle(w http.ResponseWriter, r *http.Request) {
	var req authmodel.GoogleLoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b.mu.Lock()
	email, ok := b.googleTokens[req.AccessToken]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid Google access token"})
		return
	}

	if _, exists := b.User(email); !exists {
		b.AddUser(email, uuid.NewString(), "", true)
	}

	b.mu.Lock()
	u := b.users[email]
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, b.loginResponse(u))
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	u := r.Context().Value(contextKeyUser).(*user)

	b.mu.Lock()
	profile := u.profile
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (b *Backend) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	u := r.Context().Value(contextKeyUser).(*user)

	var req authmodel.UpdateProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b.mu.Lock()
	u.profile.FullName = req.FullName
	profile := u.profile
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, profile)
}

func (b *Backend) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u := r.Context().Value(contextKeyUser).(*user)

	var req authmodel.ChangePasswordRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.CurrentPassword)) != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"current_password": {"Invalid password."}})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.MinCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error()})
		return
	}
	u.passwordHash = hash
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	u := r.Context().Value(contextKeyUser).(*user)

	b.mu.Lock()
	delete(b.users, strings.ToLower(u.profile.Email))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleEcho reports what the backend saw: method, user and body.
func (b *Backend) handleEcho(w http.ResponseWriter, r *http.Request) {
	u := r.Context().Value(contextKeyUser).(*user)

	body, _ := io.ReadAll(r.Body)
	writeJSON(w, http.StatusOK, map[string]any{
		"method":     r.Method,
		"user_id":    u.profile.ID,
		"body":       string(body),
		"request_id": r.Header.Get("X-Request-ID"),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "JSON parse error - " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
