package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/doc-ocr/internal/config"
	"github.com/spherical/doc-ocr/internal/domain"
)

func TestMemoryClient_GetSetDelete(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_Expiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), -time.Second))
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_EvictsWhenFull(t *testing.T) {
	c := NewMemoryClient(2)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Hour))

	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "b", []byte("22"), time.Hour))
	assert.Equal(t, 2, c.Len())
}

func TestMemoryClient_SweepDropsExpired(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "old", []byte("x"), time.Second))
	require.NoError(t, c.Set(ctx, "fresh", []byte("y"), time.Hour))

	c.sweep(time.Now().Add(time.Minute))
	assert.Equal(t, 1, c.Len())
	got, err := c.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
	require.NoError(t, c.Close())
}

func TestMemoryClient_DeleteByPrefix(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "result:1", []byte("x"), time.Minute)
	c.Set(ctx, "result:2", []byte("x"), time.Minute)
	c.Set(ctx, "other", []byte("x"), time.Minute)

	require.NoError(t, c.DeleteByPrefix(ctx, "result:"))
	assert.Equal(t, 1, c.Len())
}

func TestResultKey(t *testing.T) {
	s := domain.DefaultSampling()
	base := ResultKey([]byte("%PDF-1"), "p", s, "m")

	assert.Equal(t, base, ResultKey([]byte("%PDF-1"), "p", s, "m"))
	assert.NotEqual(t, base, ResultKey([]byte("%PDF-2"), "p", s, "m"))
	assert.NotEqual(t, base, ResultKey([]byte("%PDF-1"), "q", s, "m"))
	assert.NotEqual(t, base, ResultKey([]byte("%PDF-1"), "p", s, "n"))

	s.MaxTokens = 10
	assert.NotEqual(t, base, ResultKey([]byte("%PDF-1"), "p", s, "m"))
	assert.Contains(t, base, "result:")
}

func TestResultCache_RoundTrip(t *testing.T) {
	client := NewMemoryClient(4)
	defer client.Close()
	rc := NewResultCache(client, time.Minute, nil)
	ctx := context.Background()

	key := ResultKey([]byte("doc"), "p", domain.DefaultSampling(), "m")
	_, err := rc.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	bundle := &domain.OutputBundle{
		RequestID:     "pdfocr-1",
		RawMarkdown:   "raw",
		CleanMarkdown: "clean",
		DocumentPages: 2,
		PageCount:     1,
		Discarded:     []int{1},
		Artifacts:     domain.ArtifactPaths{CleanMarkdown: "/o/pdfocr-1.md"},
	}
	rc.Set(ctx, key, bundle)

	got, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	require.NoError(t, rc.Purge(ctx))
	_, err = rc.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestResultCache_CorruptEntry(t *testing.T) {
	client := NewMemoryClient(4)
	defer client.Close()
	rc := NewResultCache(client, time.Minute, nil)
	ctx := context.Background()

	client.Set(ctx, "k", []byte("{not json"), time.Minute)
	_, err := rc.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Equal(t, 0, client.Len())
}

func TestResultCache_Disabled(t *testing.T) {
	rc := NewResultCache(nil, 0, nil)
	rc.Set(context.Background(), "k", &domain.OutputBundle{})
	_, err := rc.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	var nilCache *ResultCache
	_, err = nilCache.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestNew(t *testing.T) {
	c, err := New(config.CacheConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = New(config.CacheConfig{Driver: "memory", MaxEntries: 3})
	require.NoError(t, err)
	require.IsType(t, &MemoryClient{}, c)
	c.Close()

	_, err = New(config.CacheConfig{Driver: "memcached"})
	assert.Error(t, err)
}
