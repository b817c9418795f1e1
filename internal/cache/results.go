package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/spherical/doc-ocr/internal/domain"
	"github.com/spherical/doc-ocr/internal/observability"
)

const resultNamespace = "result"

// ResultCache stores OutputBundles keyed by what produced them.
type ResultCache struct {
	client Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewResultCache wraps client. A nil client disables caching.
func NewResultCache(client Client, ttl time.Duration, logger *observability.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &ResultCache{client: client, ttl: ttl, logger: logger.WithComponent("cache")}
}

// ResultKey identifies a document run: the document bytes, the prompt, the
// sampling settings and the model.
func ResultKey(document []byte, prompt string, sampling domain.SamplingConfig, model string) string {
	h := sha256.New()
	h.Write(document)
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	s, _ := json.Marshal(sampling)
	h.Write(s)
	return CacheKey(resultNamespace, hex.EncodeToString(h.Sum(nil)))
}

// Get returns a cached bundle or ErrCacheMiss.
func (c *ResultCache) Get(ctx context.Context, key string) (*domain.OutputBundle, error) {
	if c == nil || c.client == nil {
		return nil, ErrCacheMiss
	}
	data, err := c.client.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn().Err(err).Msg("Result cache read failed")
		}
		return nil, ErrCacheMiss
	}

	var bundle domain.OutputBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping corrupt cache entry")
		_ = c.client.Delete(ctx, key)
		return nil, ErrCacheMiss
	}
	return &bundle, nil
}

// Set stores a bundle. Failures are logged, never returned: the cache is an
// optimization.
func (c *ResultCache) Set(ctx context.Context, key string, bundle *domain.OutputBundle) {
	if c == nil || c.client == nil || bundle == nil {
		return
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Result cache encode failed")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("request_id", bundle.RequestID).Msg("Result cache write failed")
	}
}

// Purge removes every cached result.
func (c *ResultCache) Purge(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.DeleteByPrefix(ctx, resultNamespace+":")
}
