// Package cache provides the gateway's two-tier cache: a sharded
// byte-budget LRU in process plus an optional remote key-value tier.
// Reads check local first and backfill on remote hits; writes go to both
// tiers with the remote write best-effort and non-blocking. Concurrent
// misses for the same key coalesce into one producer call.
//
// A remote-tier outage degrades to local-only: reads and writes keep
// succeeding against the local tier and a degradation counter increments.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type (
	// Remote is the remote tier contract. The Redis implementation lives in
	// redis.go; tests substitute an in-process fake.
	Remote interface {
		Get(ctx context.Context, key string) ([]byte, bool, error)
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	}

	// Cache is the two-tier cache. The zero value is not usable; construct
	// with New.
	Cache struct {
		local      *Local
		remote     Remote // nil runs local-only
		defaultTTL time.Duration
		now        func() time.Time

		group singleflight.Group

		hitsLocal    atomic.Int64
		hitsRemote   atomic.Int64
		misses       atomic.Int64
		remoteErrors atomic.Int64
	}

	// Stats is a point-in-time counter snapshot.
	Stats struct {
		LocalHits    int64
		RemoteHits   int64
		Misses       int64
		RemoteErrors int64
		LocalBytes   int64
		LocalEntries int
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// WithRemote attaches a remote tier.
func WithRemote(r Remote) Option {
	return func(c *Cache) { c.remote = r }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a cache with the given local byte budget and default TTL.
func New(localBytes int64, defaultTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{
		local:      NewLocal(localBytes),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// remoteWriteTimeout bounds the fire-and-forget remote write.
const remoteWriteTimeout = 2 * time.Second

// Get returns the cached value for key, checking local then remote. A
// remote hit backfills the local tier with the remaining default TTL.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.local.Get(key, c.now()); ok {
		c.hitsLocal.Add(1)
		return v, true
	}
	if c.remote != nil {
		v, ok, err := c.remote.Get(ctx, key)
		if err != nil {
			c.remoteErrors.Add(1)
		} else if ok {
			c.hitsRemote.Add(1)
			c.local.Set(key, v, c.defaultTTL, c.now())
			return v, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Set stores value under key in both tiers. TTL of zero uses the default.
// The remote write happens on a detached goroutine and never blocks or
// fails the caller.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	c.local.Set(key, value, ttl, c.now())
	if c.remote == nil {
		return
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteWriteTimeout)
		defer cancel()
		if err := c.remote.Set(wctx, key, value, ttl); err != nil {
			c.remoteErrors.Add(1)
		}
	}()
}

// Delete removes key from the local tier. Remote entries age out via TTL.
func (c *Cache) Delete(key string) {
	c.local.Delete(key)
}

// GetOrCompute returns the cached value for key or invokes produce once to
// fill it. Concurrent callers for the same missing key share a single
// produce invocation and its result. Produce errors are not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, produce func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing producer may have filled the
		// key between the miss above and acquiring the flight.
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		value, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		LocalHits:    c.hitsLocal.Load(),
		RemoteHits:   c.hitsRemote.Load(),
		Misses:       c.misses.Load(),
		RemoteErrors: c.remoteErrors.Load(),
		LocalBytes:   c.local.Bytes(),
		LocalEntries: c.local.Len(),
	}
}

// HitRatio returns hits/(hits+misses), or 0 before any traffic.
func (s Stats) HitRatio() float64 {
	hits := s.LocalHits + s.RemoteHits
	total := hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
