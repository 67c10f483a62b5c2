package main

import (
	"context"
	"fmt"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/rs/zerolog/log"
)

// openStore builds the credential store selected by kind. The returned
// function releases any connection the store holds.
func openStore(ctx context.Context, cfg config.StoreConfig, kind string) (credentials.Store, func(), error) {
	switch kind {
	case config.StoreFile:
		store, err := credentials.NewFileStore(cfg.GetStorePath(), credentials.WithPassphrase(cfg.GetStorePassphrase()))
		if err != nil {
			return nil, nil, err
		}
		log.Debug().Str("path", store.Path()).Msg("using file credential store")
		return store, func() {}, nil

	case config.StoreRedis:
		store, err := credentials.NewRedisStore(ctx, credentials.RedisConfig{
			Address:   cfg.GetRedisAddress(),
			Password:  cfg.GetRedisPassword(),
			DB:        cfg.GetRedisDB(),
			Namespace: cfg.GetRedisNamespace(),
			TTL:       cfg.GetRedisTTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Debug().Str("addr", cfg.GetRedisAddress()).Msg("using redis credential store")
		return store, func() {
			if err := store.Close(); err != nil {
				log.Err(err).Msg("failed to close redis store")
			}
		}, nil

	case config.StoreMemory:
		return credentials.NewInMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown credential store %q", kind)
	}
}
