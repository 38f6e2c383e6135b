package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRemote adapts a go-redis client to the Remote interface.
type RedisRemote struct {
	client *redis.Client
}

// NewRedisRemote connects to the Redis instance named by a redis:// URL.
// The connection is verified with a short ping so a misconfigured remote
// surfaces at startup rather than as per-request degradation.
func NewRedisRemote(ctx context.Context, url string) (*RedisRemote, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse remote url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: remote ping: %w", err)
	}
	return &RedisRemote{client: client}, nil
}

// Get fetches key from Redis. A missing key is (nil, false, nil).
func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores key with the given TTL.
func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Close releases the underlying client.
func (r *RedisRemote) Close() error { return r.client.Close() }
