package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitWithinTTL(t *testing.T) {
	c := NewCache(CacheConfig{})
	defer c.Close()

	c.Set("k", "value", time.Minute, false)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(CacheConfig{})
	defer c.Close()

	c.Set("k", "value", 50*time.Millisecond, false)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	// The stale read evicted the entry.
	assert.Zero(t, c.Len())
}

func TestCacheETag(t *testing.T) {
	c := NewCache(CacheConfig{})
	defer c.Close()

	c.Set("with", map[string]string{"a": "b"}, time.Minute, true)
	c.Set("without", map[string]string{"a": "b"}, time.Minute, false)

	etag, ok := c.ETag("with")
	require.True(t, ok)
	assert.NotEmpty(t, etag)

	_, ok = c.ETag("without")
	assert.False(t, ok)

	// Same content hashes the same.
	c.Set("with2", map[string]string{"a": "b"}, time.Minute, true)
	etag2, _ := c.ETag("with2")
	assert.Equal(t, etag, etag2)
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(CacheConfig{MaxEntries: 2})
	defer c.Close()

	c.Set("a", 1, time.Minute, false)
	time.Sleep(2 * time.Millisecond)
	c.Set("b", 2, time.Minute, false)
	time.Sleep(2 * time.Millisecond)

	// Touch a so b becomes the least recently accessed.
	_, ok := c.Get("a")
	require.True(t, ok)
	time.Sleep(2 * time.Millisecond)

	c.Set("c", 3, time.Minute, false)

	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := NewCache(CacheConfig{SweepInterval: time.Hour})
	defer c.Close()

	c.Set("stale", 1, 10*time.Millisecond, false)
	c.Set("live", 2, time.Minute, false)
	time.Sleep(30 * time.Millisecond)

	c.Sweep()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("live")
	assert.True(t, ok)
}

func TestCacheDelete(t *testing.T) {
	c := NewCache(CacheConfig{})
	defer c.Close()

	c.Set("k", 1, time.Minute, false)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestSignature(t *testing.T) {
	a := Signature("GET", "/api/users", nil)
	b := Signature("GET", "/api/users", nil)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Signature("POST", "/api/users", nil))
	assert.NotEqual(t, a, Signature("GET", "/api/orders", nil))
	assert.NotEqual(t,
		Signature("POST", "/api/users", []byte(`{"a":1}`)),
		Signature("POST", "/api/users", []byte(`{"a":2}`)))
}
