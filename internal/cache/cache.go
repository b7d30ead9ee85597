// Package cache memoizes idempotent REST reads with per-resource TTLs and
// coalesces concurrent fetches of the same key into one network call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/lazerchat/internal/observ"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Backing is an optional second tier shared across processes.
// Misses are reported as (nil, false, nil).
type Backing interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type options struct {
	now     func() time.Time
	backing Backing
	logger  *zap.Logger
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithBacking(b Backing) Option {
	return func(o *options) { o.backing = b }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

type entry[V any] struct {
	value    V
	cachedAt time.Time
}

type flight struct {
	gen     uint64
	callers int
}

// Cache is one resource's cache (users, channel list, channel history...).
// Errors are never cached.
type Cache[K comparable, V any] struct {
	name string
	ttl  time.Duration
	opts options

	mu      sync.RWMutex
	entries map[K]entry[V]
	// gens holds a generation per key with a fetch in flight. Invalidating
	// the key bumps it, and a fetch that started under an older generation
	// returns its value but does not store it.
	gens map[K]*flight

	group singleflight.Group
}

func New[K comparable, V any](name string, ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Cache[K, V]{
		name:    name,
		ttl:     ttl,
		opts:    o,
		entries: make(map[K]entry[V]),
		gens:    make(map[K]*flight),
	}
}

func (c *Cache[K, V]) storeKey(key K) string {
	return c.name + ":" + fmt.Sprint(key)
}

// Get returns the cached value for key if it is younger than the TTL.
// Otherwise it joins an in-flight fetch for the same key, or starts one.
// A fetch error reaches every waiting caller and nothing is stored.
func (c *Cache[K, V]) Get(ctx context.Context, key K, fetch func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Peek(key); ok {
		observ.CacheLookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}

	sk := c.storeKey(key)
	res, err, shared := c.group.Do(sk, func() (any, error) {
		gen := c.begin(key)
		defer c.end(key)

		if v, ok := c.fromBacking(ctx, sk); ok {
			c.store(key, v, gen)
			return v, nil
		}

		// The shared fetch must outlive any single caller's cancellation.
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		c.store(key, v, gen)
		c.toBacking(ctx, sk, v)
		return v, nil
	})
	if shared {
		observ.CacheLookups.WithLabelValues(c.name, "shared").Inc()
	} else {
		observ.CacheLookups.WithLabelValues(c.name, "miss").Inc()
	}
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Peek returns a fresh cached value without fetching.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.opts.now().Sub(e.cachedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores v as freshly fetched.
func (c *Cache[K, V]) Put(key K, v V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, cachedAt: c.opts.now()}
	c.mu.Unlock()
}

// Invalidate drops key. A fetch already in flight for key still completes
// for its callers but its result is not stored, and later callers start a
// new fetch. Fetches for other keys are unaffected.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	if f, ok := c.gens[key]; ok {
		f.gen++
	}
	c.mu.Unlock()

	sk := c.storeKey(key)
	c.group.Forget(sk)
	c.deleteBacking(sk)
}

// InvalidateAll drops every entry and detaches every fetch in flight, so
// nothing requested before the call is stored or joined after it.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries)+len(c.gens))
	for k := range c.entries {
		keys = append(keys, c.storeKey(k))
	}
	for k, f := range c.gens {
		f.gen++
		if _, stored := c.entries[k]; !stored {
			keys = append(keys, c.storeKey(k))
		}
	}
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()

	for _, sk := range keys {
		c.group.Forget(sk)
	}
	c.deleteBacking(keys...)
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// begin registers a fetch for key and returns the generation it runs under.
// After Forget, a new fetch for the key can overlap the detached one, so the
// flight record is shared and counted.
func (c *Cache[K, V]) begin(key K) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.gens[key]
	if !ok {
		f = &flight{}
		c.gens[key] = f
	}
	f.callers++
	return f.gen
}

func (c *Cache[K, V]) end(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.gens[key]; ok {
		f.callers--
		if f.callers == 0 {
			delete(c.gens, key)
		}
	}
}

func (c *Cache[K, V]) store(key K, v V, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.gens[key]; ok && f.gen != gen {
		return
	}
	c.entries[key] = entry[V]{value: v, cachedAt: c.opts.now()}
}

func (c *Cache[K, V]) fromBacking(ctx context.Context, sk string) (V, bool) {
	var v V
	if c.opts.backing == nil {
		return v, false
	}
	b, ok, err := c.opts.backing.Get(ctx, sk)
	if err != nil {
		c.opts.logger.Warn("cache backing get failed", zap.String("key", sk), zap.Error(err))
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(b, &v); err != nil {
		c.opts.logger.Warn("cache backing decode failed", zap.String("key", sk), zap.Error(err))
		return v, false
	}
	return v, true
}

func (c *Cache[K, V]) toBacking(ctx context.Context, sk string, v V) {
	if c.opts.backing == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		c.opts.logger.Warn("cache backing encode failed", zap.String("key", sk), zap.Error(err))
		return
	}
	if err := c.opts.backing.Set(context.WithoutCancel(ctx), sk, b, c.ttl); err != nil {
		c.opts.logger.Warn("cache backing set failed", zap.String("key", sk), zap.Error(err))
	}
}

func (c *Cache[K, V]) deleteBacking(keys ...string) {
	if c.opts.backing == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.opts.backing.Delete(ctx, keys...); err != nil {
		c.opts.logger.Warn("cache backing delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
