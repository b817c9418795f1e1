package cache

import (
	"fmt"

	"github.com/spherical/doc-ocr/internal/config"
)

// New builds the configured client. The "none" driver returns a nil client,
// which ResultCache treats as disabled.
func New(cfg config.CacheConfig) (Client, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryClient(cfg.MaxEntries), nil
	case "redis":
		client, err := NewRedisClient(RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}
