package sharedcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend implements Backend on a Redis server. GetMulti maps to MGET,
// AddIfAbsent to SETNX, so the lock-install step of the coherence protocol
// is atomic on the server.
type RedisBackend struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBackend creates and connects a RedisBackend. It pings the server
// to ensure connectivity before returning.
func NewRedisBackend(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisBackend{
		client: rdb,
		logger: logger.With().Str("component", "RedisBackend").Logger(),
	}, nil
}

// GetMulti implements Backend via a single MGET.
func (b *RedisBackend) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue // cache miss for keys[i]
		}
		s, ok := v.(string)
		if !ok {
			b.logger.Error().Str("key", keys[i]).Msg("Unexpected value type from MGET, treating as miss.")
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// AddIfAbsent implements Backend via SETNX.
func (b *RedisBackend) AddIfAbsent(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	stored, err := b.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return stored, nil
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	b.logger.Info().Msg("Closing Redis client connection...")
	return b.client.Close()
}
