package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMemoryEntries = 256
	sweepInterval        = time.Minute
)

// MemoryClient keeps results in process. It suits the single-binary CLI and
// tests; entries do not survive a restart and are not shared between
// processes.
type MemoryClient struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	limit   int

	done      chan struct{}
	closeOnce sync.Once
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return now.After(e.expires)
}

// NewMemoryClient holds at most limit entries, 256 if limit is not positive.
// Expired entries are swept once a minute until Close.
func NewMemoryClient(limit int) *MemoryClient {
	if limit <= 0 {
		limit = defaultMemoryEntries
	}
	c := &MemoryClient{
		entries: make(map[string]memEntry),
		limit:   limit,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get implements Client. Expired entries read as misses before the sweeper
// gets to them.
func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

// Set implements Client. Overwriting a key never evicts; adding one to a full
// cache drops the entry closest to expiry. value is copied.
func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.limit {
		c.dropSoonestExpiring()
	}
	c.entries[key] = memEntry{
		value:   append([]byte(nil), value...),
		expires: time.Now().Add(ttl),
	}
	return nil
}

// Delete implements Client.
func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeleteByPrefix implements Client.
func (c *MemoryClient) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	return nil
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Len counts stored entries, including expired ones not yet swept.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// dropSoonestExpiring must be called with mu held.
func (c *MemoryClient) dropSoonestExpiring() {
	var (
		victim string
		first  time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.expires.Before(first) {
			victim, first, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

func (c *MemoryClient) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

func (c *MemoryClient) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}
