package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// DefaultExpiryThreshold is how close to expiry an access token may get before it is refreshed.
const DefaultExpiryThreshold = 300 * time.Second

// Claims are the decoded payload fields of a backend-issued token.
// The signature is never verified on the client; that is the backend's job.
type Claims struct {
	ExpiresAt time.Time // exp
	IssuedAt  time.Time // iat (zero if absent)
	ID        string    // jti
	TokenType string    // "access" or "refresh"
	UserID    int64     // user_id
	Subject   string    // sub
}

// DecodeError reports a token that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses the token payload without verifying its signature.
// A token without an exp claim is rejected.
func Decode(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, &DecodeError{Reason: "malformed token", Err: err}
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, &DecodeError{Reason: "error extracting claims"}
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return nil, &DecodeError{Reason: "invalid exp claim", Err: err}
	}
	if exp == nil {
		return nil, &DecodeError{Reason: "missing exp claim"}
	}

	claims := &Claims{ExpiresAt: exp.Time}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.ID, _ = mapClaims["jti"].(string)
	claims.TokenType, _ = mapClaims["token_type"].(string)

	switch v := mapClaims["user_id"].(type) {
	case float64:
		claims.UserID = int64(v)
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			claims.UserID = id
		}
	}

	return claims, nil
}

// IsExpired is true when the token cannot be decoded or its exp lies before now.
func IsExpired(raw string, now time.Time) bool {
	claims, err := Decode(raw)
	if err != nil {
		return true
	}
	return claims.ExpiresAt.Unix() < now.Unix()
}

// IsExpiringSoon is true when the token cannot be decoded or expires within threshold of now.
func IsExpiringSoon(raw string, now time.Time, threshold time.Duration) bool {
	claims, err := Decode(raw)
	if err != nil {
		return true
	}
	return claims.ExpiresAt.Unix()-now.Unix() < int64(threshold.Seconds())
}

// ExpiryTime returns the token's exp, or false when it cannot be decoded.
func ExpiryTime(raw string) (time.Time, bool) {
	claims, err := Decode(raw)
	if err != nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt, true
}

// UserID returns the user_id claim, or false when the token cannot be decoded or has none.
func UserID(raw string) (int64, bool) {
	claims, err := Decode(raw)
	if err != nil || claims.UserID == 0 {
		return 0, false
	}
	return claims.UserID, true
}

// Inspector answers expiry questions against a clock and a refresh threshold.
type Inspector struct {
	threshold time.Duration
	nowFunc   func() time.Time
}

type InspectorOption func(*Inspector)

func WithThreshold(threshold time.Duration) InspectorOption {
	return func(i *Inspector) {
		i.threshold = threshold
	}
}

func WithNowFunc(now func() time.Time) InspectorOption {
	return func(i *Inspector) {
		i.nowFunc = now
	}
}

// NewInspector creates an Inspector using DefaultExpiryThreshold and NowTimeFunc unless overridden.
func NewInspector(options ...InspectorOption) *Inspector {
	i := &Inspector{threshold: DefaultExpiryThreshold}
	for _, opt := range options {
		opt(i)
	}
	if i.threshold <= 0 {
		i.threshold = DefaultExpiryThreshold
	}
	return i
}

func (i *Inspector) now() time.Time {
	if i.nowFunc != nil {
		return i.nowFunc()
	}
	return NowTimeFunc()
}

func (i *Inspector) Threshold() time.Duration {
	return i.threshold
}

func (i *Inspector) IsExpired(raw string) bool {
	return IsExpired(raw, i.now())
}

func (i *Inspector) IsExpiringSoon(raw string) bool {
	return IsExpiringSoon(raw, i.now(), i.threshold)
}

// NeedsRefresh reports whether an access token should be replaced before use.
func (i *Inspector) NeedsRefresh(raw string) bool {
	now := i.now()
	return IsExpired(raw, now) || IsExpiringSoon(raw, now, i.threshold)
}

// TimeToExpiry returns how long until the token expires; zero or negative when expired or undecodable.
func (i *Inspector) TimeToExpiry(raw string) time.Duration {
	exp, ok := ExpiryTime(raw)
	if !ok {
		return 0
	}
	return exp.Sub(i.now())
}
