package config

type GoogleConfig interface {
	GetGoogleClientID() string
	GetGoogleClientSecret() string
	GetGoogleRedirectURL() string
	GetGoogleVerifyIDToken() bool
}

type Google struct{}

var _ GoogleConfig = Google{}

func (Google) GetGoogleClientID() string {
	return GetEnv("GOOGLE_CLIENT_ID", "")
}

func (Google) GetGoogleClientSecret() string {
	return GetEnv("GOOGLE_CLIENT_SECRET", "")
}

// GetGoogleRedirectURL must point at the loopback listener authctl starts for the callback.
func (Google) GetGoogleRedirectURL() string {
	return GetEnv("GOOGLE_REDIRECT_URL", "http://127.0.0.1:8765/callback")
}

func (Google) GetGoogleVerifyIDToken() bool {
	return GetEnvBool("GOOGLE_VERIFY_ID_TOKEN", true)
}
