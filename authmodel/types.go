package authmodel

import "strings"

// Storage keys for the two halves of a TokenPair. Absence of either key means "no session".
const (
	AccessTokenKey  = "accessToken"
	RefreshTokenKey = "refreshToken"
)

// TokenPair is the access/refresh credential pair issued by the backend.
type TokenPair struct {
	// Access is the short-lived JWT attached to authenticated requests.
	// Usage: "Authorization: Bearer <access>"
	Access string `json:"access"`

	// Refresh is the longer-lived JWT used only to mint new access tokens.
	Refresh string `json:"refresh"`
}

// Complete reports whether both halves of the pair are present.
func (p TokenPair) Complete() bool {
	return strings.TrimSpace(p.Access) != "" && strings.TrimSpace(p.Refresh) != ""
}

// UserProfile is the backend's view of the signed-in user.
type UserProfile struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// LoginResponse is returned by the token, registration and Google exchange endpoints.
// Registration may omit the tokens, in which case only User is populated.
type LoginResponse struct {
	Access  string       `json:"access,omitempty"`
	Refresh string       `json:"refresh,omitempty"`
	User    *UserProfile `json:"user,omitempty"`
}

// Pair extracts the credential pair from the response.
func (r LoginResponse) Pair() TokenPair {
	return TokenPair{Access: r.Access, Refresh: r.Refresh}
}

// RefreshResponse is returned by the refresh endpoint.
type RefreshResponse struct {
	// Access is the newly minted access token.
	Access string `json:"access"`

	// Refresh is only present when the backend rotates refresh tokens.
	// When empty the client keeps using its current refresh token.
	Refresh string `json:"refresh,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email      string  `json:"email"`
	Password   string  `json:"password"`
	RePassword string  `json:"re_password"`
	FullName   *string `json:"full_name,omitempty"`
}

type RefreshRequest struct {
	Refresh string `json:"refresh"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type GoogleLoginRequest struct {
	AccessToken string `json:"access_token"`
}

type UpdateProfileRequest struct {
	FullName string `json:"full_name"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}
