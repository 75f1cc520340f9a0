package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the Store contract with Redis so multiple server
// instances share codes, tokens, and audit state. Expiry is delegated to
// Redis TTLs.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig selects the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. Tests inject a
// miniredis-backed client here.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// Get loads the record at key into value.
func (s *RedisStore) Get(ctx context.Context, key string, value any) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("app: redis get: %w", err)
	}
	return decodeValue(data, value)
}

// Put stores value at key. A zero ttl means no expiry.
func (s *RedisStore) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("app: redis set: %w", err)
	}
	return nil
}

// GetAndRemove atomically loads and deletes the record at key. GETDEL
// guarantees at most one caller observes the value.
func (s *RedisStore) GetAndRemove(ctx context.Context, key string, value any) error {
	data, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("app: redis getdel: %w", err)
	}
	return decodeValue(data, value)
}

// Remove deletes the record at key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("app: redis del: %w", err)
	}
	return nil
}
