// Package cache stores finished document results so identical requests are
// served without running the engine again.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned for absent and expired keys.
var ErrCacheMiss = errors.New("cache miss")

// Client is a byte store with per-key expiry. ResultCache layers document
// bundles on top of it.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix drops a whole namespace, e.g. every stored result.
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// CacheKey joins key segments with colons.
func CacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
