package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Credential store kinds.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type StoreConfig interface {
	GetStoreKind() string
	GetStorePath() string
	GetStorePassphrase() string
	GetRedisAddress() string
	GetRedisPassword() string
	GetRedisDB() int
	GetRedisNamespace() string
	GetRedisTTL() time.Duration
}

type Store struct{}

var _ StoreConfig = Store{}

func (Store) GetStoreKind() string {
	return strings.ToLower(GetEnv("STORE", StoreFile))
}

// GetStorePath defaults to tokens.json under the user's config directory.
func (Store) GetStorePath() string {
	if path := GetEnv("STORE_PATH", ""); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "authctl", "tokens.json")
}

// GetStorePassphrase enables at-rest encryption of the file store when set.
func (Store) GetStorePassphrase() string {
	return GetEnv("STORE_PASSPHRASE", "")
}

func (Store) GetRedisAddress() string {
	return GetEnv("REDIS_ADDR", "localhost:6379")
}

func (Store) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (Store) GetRedisDB() int {
	return GetEnvInt("REDIS_DB", 0)
}

func (Store) GetRedisNamespace() string {
	return GetEnv("REDIS_NAMESPACE", "authsession:default")
}

func (Store) GetRedisTTL() time.Duration {
	return GetEnvDuration("REDIS_TTL", 0)
}
