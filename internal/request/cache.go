package request

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultMaxEntries    = 256
	defaultSweepInterval = 30 * time.Second
)

// Entry is a cached response with its bookkeeping. An entry is readable only
// while now <= ExpiresAt; once stale it is logically absent even if still in
// the backing map until the next sweep.
type Entry struct {
	Data           any
	CreatedAt      time.Time
	ExpiresAt      time.Time
	TTL            time.Duration
	HitCount       uint64
	LastAccessedAt time.Time
	ETag           string
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	// MaxEntries bounds the cache; least-recently-accessed entries are
	// evicted past the bound. Default 256.
	MaxEntries int
	// SweepInterval paces the expiry sweep. Default 30s.
	SweepInterval time.Duration
}

// Cache is a TTL response cache with ETag support and LRU eviction.
type Cache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[string]*Entry
	stop    chan struct{}
	once    sync.Once
}

// NewCache creates a cache and starts its periodic sweep.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached data while the entry is live. A stale entry is
// evicted and reported absent.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	entry.HitCount++
	entry.LastAccessedAt = time.Now()
	return entry.Data, true
}

// ETag returns the stored content fingerprint for a live entry.
func (c *Cache) ETag(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return "", false
	}
	return entry.ETag, entry.ETag != ""
}

// Set stores data under the key. With etag enabled a content hash is
// computed and stored alongside.
func (c *Cache) Set(key string, data any, ttl time.Duration, enableETag bool) {
	now := time.Now()
	entry := &Entry{
		Data:           data,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		TTL:            ttl,
		LastAccessedAt: now,
	}
	if enableETag {
		entry.ETag = contentETag(data)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.evictOverflowLocked()
	c.mu.Unlock()
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep loop.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep evicts expired entries, then least-recently-accessed entries while
// the cache exceeds its size bound.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	c.evictOverflowLocked()
	c.mu.Unlock()
}

func (c *Cache) evictOverflowLocked() {
	for len(c.entries) > c.cfg.MaxEntries {
		var (
			oldestKey string
			oldestAt  time.Time
		)
		for key, entry := range c.entries {
			if oldestKey == "" || entry.LastAccessedAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = entry.LastAccessedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Signature builds the canonical cache/dedup key for a call.
func Signature(method, url string, body []byte) string {
	h := fnv.New64a()
	h.Write(body)
	return fmt.Sprintf("%s %s %x", method, url, h.Sum64())
}

// contentETag is a pseudo-ETag: a content hash of the JSON encoding.
func contentETag(data any) string {
	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(encoded)
	return fmt.Sprintf("%x", h.Sum64())
}
