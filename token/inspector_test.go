package token_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/stretchr/testify/require"
)

const testSecret = "inspector-secret"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func tokenExpiringIn(t *testing.T, d time.Duration) string {
	t.Helper()

	return signedToken(t, jwt.MapClaims{
		"exp":        fixedNow.Add(d).Unix(),
		"iat":        fixedNow.Add(-time.Minute).Unix(),
		"jti":        "jti-1",
		"token_type": "access",
		"user_id":    42,
	})
}

func TestDecode(t *testing.T) {
	raw := tokenExpiringIn(t, time.Hour)

	claims, err := token.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, fixedNow.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
	require.Equal(t, fixedNow.Add(-time.Minute).Unix(), claims.IssuedAt.Unix())
	require.Equal(t, "jti-1", claims.ID)
	require.Equal(t, "access", claims.TokenType)
	require.Equal(t, int64(42), claims.UserID)
}

func TestDecode_IgnoresSignature(t *testing.T) {
	raw := tokenExpiringIn(t, time.Hour)

	// Swap the signature for garbage; decoding must still succeed.
	tampered := raw[:len(raw)-4] + "AAAA"
	_, err := token.Decode(tampered)
	require.NoError(t, err)
}

func TestDecode_StringUserID(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix(), "user_id": "7"})

	id, ok := token.UserID(raw)
	require.True(t, ok)
	require.Equal(t, int64(7), id)
}

func TestDecode_MissingExp(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"user_id": 1})

	_, err := token.Decode(raw)
	var decodeErr *token.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	require.Equal(t, "missing exp claim", decodeErr.Reason)
	require.True(t, token.IsExpired(raw, fixedNow))
}

func TestMalformedTokensFailClosed(t *testing.T) {
	malformed := []string{
		"",
		"   ",
		"not-a-token",
		"a.b",
		"a.b.c",
		"eyJhbGciOiJIUzI1NiJ9.!!!!.sig",
		"eyJhbGciOiJIUzI1NiJ9.eyJleHAiOiJzb29uIn0.sig", // exp is a string
	}

	for _, raw := range malformed {
		t.Run(raw, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, err := token.Decode(raw)
				var decodeErr *token.DecodeError
				require.ErrorAs(t, err, &decodeErr)

				require.True(t, token.IsExpired(raw, fixedNow))
				require.True(t, token.IsExpiringSoon(raw, fixedNow, token.DefaultExpiryThreshold))

				_, ok := token.ExpiryTime(raw)
				require.False(t, ok)

				_, ok = token.UserID(raw)
				require.False(t, ok)
			})
		})
	}
}

func TestExpiry(t *testing.T) {
	tests := []struct {
		name         string
		expiresIn    time.Duration
		wantExpired  bool
		wantExpiring bool
	}{
		{name: "long past", expiresIn: -24 * time.Hour, wantExpired: true, wantExpiring: true},
		{name: "just past", expiresIn: -time.Second, wantExpired: true, wantExpiring: true},
		{name: "expires now", expiresIn: 0, wantExpired: false, wantExpiring: true},
		{name: "inside threshold", expiresIn: 299 * time.Second, wantExpired: false, wantExpiring: true},
		{name: "at threshold", expiresIn: 300 * time.Second, wantExpired: false, wantExpiring: false},
		{name: "beyond threshold", expiresIn: time.Hour, wantExpired: false, wantExpiring: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tokenExpiringIn(t, tt.expiresIn)
			require.Equal(t, tt.wantExpired, token.IsExpired(raw, fixedNow))
			require.Equal(t, tt.wantExpiring, token.IsExpiringSoon(raw, fixedNow, token.DefaultExpiryThreshold))
		})
	}
}

func TestExpiryTime(t *testing.T) {
	raw := tokenExpiringIn(t, 90*time.Minute)

	exp, ok := token.ExpiryTime(raw)
	require.True(t, ok)
	require.Equal(t, fixedNow.Add(90*time.Minute).Unix(), exp.Unix())
}

func TestInspector(t *testing.T) {
	inspector := token.NewInspector(token.WithNowFunc(func() time.Time { return fixedNow }))
	require.Equal(t, token.DefaultExpiryThreshold, inspector.Threshold())

	fresh := tokenExpiringIn(t, time.Hour)
	require.False(t, inspector.NeedsRefresh(fresh))
	require.Equal(t, time.Hour, inspector.TimeToExpiry(fresh))

	soon := tokenExpiringIn(t, time.Minute)
	require.False(t, inspector.IsExpired(soon))
	require.True(t, inspector.IsExpiringSoon(soon))
	require.True(t, inspector.NeedsRefresh(soon))

	require.True(t, inspector.NeedsRefresh("garbage"))
	require.Zero(t, inspector.TimeToExpiry("garbage"))
}

func TestInspector_CustomThreshold(t *testing.T) {
	inspector := token.NewInspector(
		token.WithNowFunc(func() time.Time { return fixedNow }),
		token.WithThreshold(30*time.Second),
	)

	require.False(t, inspector.NeedsRefresh(tokenExpiringIn(t, time.Minute)))
	require.True(t, inspector.NeedsRefresh(tokenExpiringIn(t, 10*time.Second)))
}

func TestInspector_UsesPackageClock(t *testing.T) {
	original := token.NowTimeFunc
	t.Cleanup(func() { token.NowTimeFunc = original })
	token.NowTimeFunc = func() time.Time { return fixedNow }

	inspector := token.NewInspector()
	require.False(t, inspector.IsExpired(tokenExpiringIn(t, time.Minute)))
	require.True(t, inspector.IsExpired(tokenExpiringIn(t, -time.Minute)))
}
