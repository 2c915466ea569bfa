package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteBatch is how many scanned keys get unlinked per round trip.
const deleteBatch = 128

// RedisClient backs the cache with a Redis server. All keys are namespaced
// under a prefix so one server can host several environments.
type RedisClient struct {
	rdb       *redis.Client
	namespace string
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// NewRedisClient connects to Redis and verifies the connection before
// returning. A dead cache should fail startup, not the first request.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	namespace := cfg.Prefix
	if namespace == "" {
		namespace = "cairn:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis at %s: %w", cfg.Addr, err)
	}

	return &RedisClient{rdb: rdb, namespace: namespace}, nil
}

// Get returns the cached value or ErrCacheMiss.
func (r *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, r.namespace+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// Set stores a value until ttl elapses.
func (r *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, r.namespace+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Delete removes a single key.
func (r *RedisClient) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.namespace+key).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeleteByPrefix removes every key with the prefix and reports how many went.
// Keys are walked with SCAN and removed with UNLINK in batches, so a large
// keyspace blocks neither the server nor other clients.
func (r *RedisClient) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	pattern := r.namespace + prefix + "*"
	iter := r.rdb.Scan(ctx, 0, pattern, deleteBatch).Iterator()

	deleted := 0
	batch := make([]string, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.rdb.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("cache delete by prefix: %w", err)
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == deleteBatch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("scan cache keys: %w", err)
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Ping probes the connection, for health checks.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.rdb.Close()
}
