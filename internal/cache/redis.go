package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "ocr:"
	redisDialCheck     = 5 * time.Second
	scanBatch          = 100
)

// RedisConfig locates the Redis instance shared by every server and worker
// process, so a document done by one is a hit for all.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces this deployment's keys. Defaults to "ocr:".
	Prefix string
}

// RedisClient is a Client over one Redis database. Every key it touches is
// namespaced with the configured prefix.
type RedisClient struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient connects and pings. An unreachable server fails startup
// rather than the first document.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisDialCheck)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("result cache: redis at %s unreachable: %w", cfg.Addr, err)
	}

	c := &RedisClient{rdb: rdb, prefix: cfg.Prefix}
	if c.prefix == "" {
		c.prefix = defaultRedisPrefix
	}
	return c, nil
}

func (c *RedisClient) key(k string) string {
	return c.prefix + k
}

// Get implements Client.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("result cache: get %s: %w", key, err)
	}
	return val, nil
}

// Set implements Client.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("result cache: set %s: %w", key, err)
	}
	return nil
}

// Delete implements Client.
func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("result cache: delete %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix scans the namespace in batches and deletes each batch with
// a single DEL.
func (c *RedisClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.key(prefix)+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("result cache: scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("result cache: purge %s: %w", prefix, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
