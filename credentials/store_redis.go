package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/authmodel"
	internalerrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

const defaultRedisNamespace = "authsession:default"

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address   string        // Redis server address (host:port)
	Password  string        // Redis password (empty if no password)
	DB        int           // Redis database number (0-15)
	Namespace string        // Key prefix, one per independent session
	TTL       time.Duration // Expiry applied to both keys; zero keeps them until cleared
}

// RedisStore keeps the token pair in Redis under "<namespace>:accessToken" and
// "<namespace>:refreshToken". Both keys are written in a single MULTI/EXEC
// transaction so a reader never sees a torn pair.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	ownClient bool
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	store := NewRedisStoreWithClient(client, cfg.Namespace, cfg.TTL)
	store.ownClient = true
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps ownership of it.
func NewRedisStoreWithClient(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
	}
}

func (s *RedisStore) key(name string) string {
	return s.namespace + ":" + name
}

func (s *RedisStore) Save(ctx context.Context, pair authmodel.TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(authmodel.AccessTokenKey), pair.Access, s.ttl)
		pipe.Set(ctx, s.key(authmodel.RefreshTokenKey), pair.Refresh, s.ttl)
		return nil
	})
	return internalerrors.Wrapf(err, "RedisStore.Save")
}

func (s *RedisStore) Load(ctx context.Context) (*authmodel.TokenPair, error) {
	values, err := s.client.MGet(ctx, s.key(authmodel.AccessTokenKey), s.key(authmodel.RefreshTokenKey)).Result()
	if err != nil {
		return nil, internalerrors.Wrapf(err, "RedisStore.Load")
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("RedisStore.Load: %w: expected 2 values, got %d", internalerrors.ErrCorruptStore, len(values))
	}

	access, _ := values[0].(string)
	refresh, _ := values[1].(string)
	return pairFromValues(access, refresh), nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	err := s.client.Del(ctx, s.key(authmodel.AccessTokenKey), s.key(authmodel.RefreshTokenKey)).Err()
	return internalerrors.Wrapf(err, "RedisStore.Clear")
}

// Close releases the connection when the store created it.
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}
