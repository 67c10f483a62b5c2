package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config interface {
	EnvConfig
	APIConfig
	GoogleConfig
	StoreConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type mainConfig struct {
	EnvVars
	API
	Google
	Store
	Session
}

// New loads a .env file from the working directory when one exists and
// returns a Config backed by environment variables.
func New() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return mainConfig{}, nil
}

// NewFromFiles is New with explicit .env files. Variables already set in the
// environment take precedence.
func NewFromFiles(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		return nil, err
	}
	return mainConfig{}, nil
}
