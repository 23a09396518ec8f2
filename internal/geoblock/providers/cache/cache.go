// Package cache decorates providers with a shared Redis lookup cache and
// per-key request coalescing.
//
// Only successful lookups are stored. Provider errors of every category,
// including ErrorNotConfigured, pass straight through and are looked up again
// on the next call.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"geogate/internal/geoblock/models"
	"geogate/internal/geoblock/ports"
	"geogate/internal/geoblock/providers"
)

const (
	keyPrefix  = "geogate:"
	DefaultTTL = time.Hour
	// DefaultRedisTimeout bounds each GET and SET against Redis.
	DefaultRedisTimeout = 50 * time.Millisecond
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Option func(*lookupCache)

// WithTTL sets how long a successful lookup is kept.
func WithTTL(ttl time.Duration) Option {
	return func(c *lookupCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRedisTimeout bounds each Redis round trip. A slow Redis then costs at
// most d before the lookup goes to the provider.
func WithRedisTimeout(d time.Duration) Option {
	return func(c *lookupCache) {
		if d > 0 {
			c.redisTimeout = d
		}
	}
}

// WithLookupTimeout caps a whole lookup, cache read and provider call
// together. A caller still waiting when it expires gets ErrorTimeout; the
// shared provider call keeps running for the other callers.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *lookupCache) {
		if d > 0 {
			c.lookupTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *lookupCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// lookupCache holds what both decorators share. A nil client disables the
// Redis layer but keeps coalescing.
type lookupCache struct {
	client        *redis.Client
	providerID    string
	ttl           time.Duration
	redisTimeout  time.Duration
	lookupTimeout time.Duration
	logger        *slog.Logger
	group         singleflight.Group
	prefix        string
}

func newLookupCache(client *redis.Client, kind, providerID string, opts []Option) *lookupCache {
	c := &lookupCache{
		client:       client,
		providerID:   providerID,
		ttl:          DefaultTTL,
		redisTimeout: DefaultRedisTimeout,
		logger:       slog.Default(),
		prefix:       keyPrefix + kind + ":" + providerID + ":",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *lookupCache) key(ip string) string {
	return c.prefix + ip
}

// lookup serves key from Redis, or runs fetch once for all concurrent callers
// and stores a successful result in the background. Each caller still
// honours its own ctx.
func lookup[T any](ctx context.Context, c *lookupCache, ip string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	key := c.key(ip)

	waitCtx := ctx
	if c.lookupTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.lookupTimeout)
		defer cancel()
	}

	if cached, ok := readCached[T](waitCtx, c, key); ok {
		return cached, nil
	}

	// the shared call must not die with whichever caller happened to start it
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		v, err := fetch(shared)
		if err != nil {
			return v, err
		}
		go c.store(key, v)
		return v, nil
	})

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, providers.Unavailable(c.providerID, "lookup timed out", waitCtx.Err())
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func readCached[T any](ctx context.Context, c *lookupCache, key string) (T, bool) {
	var out T
	if c.client == nil {
		return out, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.redisTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "lookup cache read failed", "key", key, "error", err)
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		c.logger.WarnContext(ctx, "lookup cache entry unreadable", "key", key, "error", err)
		return out, false
	}
	return out, true
}

// store runs off the response path with its own deadline.
func (c *lookupCache) store(key string, v any) {
	if c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.redisTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WarnContext(ctx, "lookup cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "lookup cache write failed", "key", key, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Decorators
// -----------------------------------------------------------------------------

// GeoLocator caches a geolocation provider.
type GeoLocator struct {
	next  ports.GeoLocator
	cache *lookupCache
}

// NewGeoLocator wraps next. providerID namespaces the keys so switching
// providers never serves the other provider's answers.
func NewGeoLocator(next ports.GeoLocator, client *redis.Client, providerID string, opts ...Option) *GeoLocator {
	return &GeoLocator{
		next:  next,
		cache: newLookupCache(client, "geo", providerID, opts),
	}
}

func (g *GeoLocator) Resolve(ctx context.Context, ip string) (models.GeoResult, error) {
	return lookup(ctx, g.cache, ip, func(ctx context.Context) (models.GeoResult, error) {
		return g.next.Resolve(ctx, ip)
	})
}

// FraudChecker caches a fraud-signal provider.
type FraudChecker struct {
	next  ports.FraudChecker
	cache *lookupCache
}

func NewFraudChecker(next ports.FraudChecker, client *redis.Client, providerID string, opts ...Option) *FraudChecker {
	return &FraudChecker{
		next:  next,
		cache: newLookupCache(client, "fraud", providerID, opts),
	}
}

func (f *FraudChecker) Check(ctx context.Context, ip string) (models.FraudSignal, error) {
	return lookup(ctx, f.cache, ip, func(ctx context.Context) (models.FraudSignal, error) {
		return f.next.Check(ctx, ip)
	})
}
