package config

import "strings"

type APIConfig interface {
	GetAPIBaseURL() string
	GetAuthPrefix() string
}

type API struct{}

var _ APIConfig = API{}

// GetAPIBaseURL returns the authentication backend address without a trailing slash.
func (API) GetAPIBaseURL() string {
	return strings.TrimRight(GetEnv("API_URL", "http://localhost:8001"), "/")
}

// GetAuthPrefix is prepended to the /auth/ routes, e.g. "/api" for
// deployments that serve them under /api/auth/.
func (API) GetAuthPrefix() string {
	return strings.TrimRight(GetEnv("AUTH_PREFIX", ""), "/")
}
