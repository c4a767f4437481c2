// Package kv provides the short-lived key-value store used for push dedup
// tokens and the ingestion lock. All coordination between trigger handlers
// goes through SetNX, so a deployment with more than one instance must use
// the Redis store.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"satei-lead-relay/internal/config"
)

// Store is an expiring key-value store with atomic insert-if-absent.
type Store interface {
	// SetNX stores value under key for ttl if key is absent. It reports
	// whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfValue deletes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// New returns a Redis store when enabled in cfg, otherwise a process-local one.
// Config validation only lets the local store through with redis.allow_local.
func New(cfg config.RedisConfig) Store {
	if !cfg.Enabled {
		logrus.Warn("Redis disabled and allow_local set, using in-memory key-value store (single instance only)")
		return NewMemoryStore()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	logrus.WithField("addr", cfg.Addr).Info("Using Redis key-value store")
	return NewRedisStore(rdb)
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	set, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return set, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
