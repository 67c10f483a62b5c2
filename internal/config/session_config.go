package config

import "time"

type SessionConfig interface {
	GetExpiryThreshold() time.Duration
	GetRequestTimeout() time.Duration
	GetMetricsAddr() string
}

type Session struct{}

var _ SessionConfig = Session{}

// GetExpiryThreshold is how close to expiry an access token is refreshed before use.
func (Session) GetExpiryThreshold() time.Duration {
	return GetEnvDuration("TOKEN_EXPIRY_THRESHOLD", 300*time.Second)
}

func (Session) GetRequestTimeout() time.Duration {
	return GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
}

// GetMetricsAddr enables a Prometheus /metrics listener when not empty.
func (Session) GetMetricsAddr() string {
	return GetEnv("METRICS_ADDR", "")
}
