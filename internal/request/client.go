// Package request wraps outbound request/response calls with TTL+ETag
// caching, in-flight deduplication, and policy-based retry. It is agnostic
// to the concrete transport: callers inject a Doer.
package request

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"main/internal/obs"
	"main/pkg/exception"

	"github.com/yanun0323/logs"
)

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the settled result of a call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Doer performs the actual I/O. An error return means no usable response
// was received.
type Doer func(ctx context.Context, req Request) (Response, error)

// Options tune one call through the combined path.
type Options struct {
	// TTL overrides the client default cache lifetime.
	TTL time.Duration
	// EnableETag stores a content hash with the cached response.
	EnableETag bool
	// SkipCache bypasses the cache read (the response is still stored).
	SkipCache bool
	// BackgroundRefresh re-fetches shortly before the entry expires.
	BackgroundRefresh bool
	// Retry overrides the client retry options.
	Retry *RetryOptions
}

// Config tunes the client defaults.
type Config struct {
	// DefaultTTL applies when Options.TTL is zero. Default 60s.
	DefaultTTL time.Duration
	// RefreshMargin is how long before expiry a background refresh fires.
	// Default 5s.
	RefreshMargin time.Duration
	// Cache tunes the response cache.
	Cache CacheConfig
	// Retry is the default retry policy.
	Retry RetryOptions
}

// Client is the combined cache -> dedup -> retry request path.
type Client struct {
	cfg     Config
	doer    Doer
	cache   *Cache
	dedup   *Deduper
	metrics *obs.Metrics
}

// NewClient builds a client around the injected doer.
func NewClient(cfg Config, doer Doer, metrics *obs.Metrics) (*Client, error) {
	if doer == nil {
		return nil, exception.ErrNilDoer
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		doer:    doer,
		cache:   NewCache(cfg.Cache),
		dedup:   NewDeduper(),
		metrics: metrics,
	}, nil
}

// Cache exposes the underlying cache (diagnostics and tests).
func (c *Client) Cache() *Cache {
	return c.cache
}

// Close stops the cache sweeper.
func (c *Client) Close() {
	c.cache.Close()
}

// Do runs the combined request path: cache check, then deduplicated,
// retried execution; successful GET responses populate the cache.
func (c *Client) Do(ctx context.Context, req Request, opts Options) (Response, error) {
	key := Signature(req.Method, req.URL, req.Body)
	cacheable := req.Method == http.MethodGet || req.Method == ""

	if cacheable && !opts.SkipCache {
		if cached, ok := c.cache.Get(key); ok {
			c.metrics.IncCacheHit()
			return cached.(Response), nil
		}
		c.metrics.IncCacheMiss()
	}

	started := time.Now()
	val, err, joined := c.dedup.Do(ctx, key, func() (any, error) {
		return executeWithRetry(ctx, c.retryOptions(opts), func(ctx context.Context) (any, error) {
			return c.doOnce(ctx, req)
		})
	})
	if joined {
		c.metrics.IncDedupJoin()
	}
	c.metrics.ObserveRequest(time.Since(started))
	if err != nil {
		return Response{}, err
	}

	resp := val.(Response)
	if cacheable && !joined {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = c.cfg.DefaultTTL
		}
		c.cache.Set(key, resp, ttl, opts.EnableETag)
		if opts.BackgroundRefresh {
			c.scheduleRefresh(req, key, ttl, opts)
		}
	}
	return resp, nil
}

// doOnce performs one attempt, tagging transport faults with ErrNetwork and
// converting HTTP faults into errors so the retry condition can inspect them.
func (c *Client) doOnce(ctx context.Context, req Request) (any, error) {
	resp, err := c.doer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", exception.ErrNetwork, err)
	}
	if resp.Status >= http.StatusBadRequest {
		return nil, &exception.HTTPError{Status: resp.Status}
	}
	return resp, nil
}

// scheduleRefresh re-fetches the key shortly before its entry expires and
// re-populates the cache on success. Failures leave the old entry to age out.
func (c *Client) scheduleRefresh(req Request, key string, ttl time.Duration, opts Options) {
	delay := ttl - c.cfg.RefreshMargin
	if delay <= 0 {
		return
	}
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshMargin)
		defer cancel()

		val, err := executeWithRetry(ctx, c.retryOptions(opts), func(ctx context.Context) (any, error) {
			return c.doOnce(ctx, req)
		})
		if err != nil {
			logs.Warnf("background refresh of %s failed: %v", req.URL, err)
			return
		}
		c.cache.Set(key, val.(Response), ttl, opts.EnableETag)
	})
}

func (c *Client) retryOptions(opts Options) RetryOptions {
	if opts.Retry != nil {
		return *opts.Retry
	}
	return c.cfg.Retry
}
