package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// DegradeRecorder counts cache health events. Implemented by metrics.Collector.
type DegradeRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheDegraded()
}

// Cache is a namespaced read/write-through cache with TTL and tag-based
// group invalidation. It is never the system of record: every store failure
// degrades to a miss (reads) or a no-op (writes) instead of propagating,
// which only costs extra load on the authoritative store.
type Cache struct {
	kv         KV
	namespace  string
	defaultTTL time.Duration
	tagSlack   time.Duration
	metrics    DegradeRecorder
	logger     *log.Logger
}

// Config holds cache construction options.
type Config struct {
	Namespace  string
	DefaultTTL time.Duration
	// TagSlack is added on top of the entry TTL for tag index keys so a
	// stale tag set self-expires even if invalidation is never called.
	TagSlack time.Duration
	Metrics  DegradeRecorder
	Logger   *log.Logger
}

// New creates a cache over the given KV backend.
func New(kv KV, cfg Config) *Cache {
	if cfg.Namespace == "" {
		cfg.Namespace = "cache"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.TagSlack <= 0 {
		cfg.TagSlack = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Cache{
		kv:         kv,
		namespace:  cfg.Namespace,
		defaultTTL: cfg.DefaultTTL,
		tagSlack:   cfg.TagSlack,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Options modify a single write.
type Options struct {
	TTL  time.Duration
	Tags []string
}

func (c *Cache) key(key string) string {
	return c.namespace + ":" + key
}

func (c *Cache) tagKey(tag string) string {
	return c.namespace + ":tag:" + tag
}

func (c *Cache) degraded(op string, err error) {
	c.logger.Printf("[WARN] cache: %s degraded: %v", op, err)
	if c.metrics != nil {
		c.metrics.RecordCacheDegraded()
	}
}

// Get loads a cached value into dest. It returns false on miss, on store
// failure, and on undecodable payloads.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	raw, found, err := c.kv.Get(ctx, c.key(key))
	if err != nil {
		c.degraded("get", err)
		return false
	}
	if !found {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss()
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.degraded("decode", err)
		return false
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	return true
}

// Set stores a value. Store failures are swallowed.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, opts Options) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.degraded("encode", err)
		return
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	full := c.key(key)
	if err := c.kv.Set(ctx, full, string(raw), ttl); err != nil {
		c.degraded("set", err)
		return
	}
	for _, tag := range opts.Tags {
		if err := c.kv.SAdd(ctx, c.tagKey(tag), []string{full}, ttl+c.tagSlack); err != nil {
			c.degraded("tag index", err)
		}
	}
}

// GetOrSet returns the cached value for key, or invokes fetch, caches the
// result, and decodes it into dest. A store failure on either side still
// returns the fetched value: the cache degrades, the caller never fails.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest interface{}, fetch func(ctx context.Context) (interface{}, error), opts Options) error {
	if c.Get(ctx, key, dest) {
		return nil
	}
	value, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("cache fetch %s: %w", key, err)
	}
	c.Set(ctx, key, value, opts)

	// Round-trip through JSON so dest sees the same shape as a cache hit.
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return json.Unmarshal(raw, dest)
}

// Delete removes a single key.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.kv.Del(ctx, c.key(key)); err != nil {
		c.degraded("delete", err)
	}
}

// DeleteMany removes several keys at once.
func (c *Cache) DeleteMany(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.kv.Del(ctx, full...); err != nil {
		c.degraded("delete many", err)
	}
}

// InvalidateByTag removes every key recorded under the tag, then the tag
// index itself.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) {
	tk := c.tagKey(tag)
	members, err := c.kv.SMembers(ctx, tk)
	if err != nil {
		c.degraded("tag members", err)
		return
	}
	if len(members) > 0 {
		if err := c.kv.Del(ctx, members...); err != nil {
			c.degraded("tag delete", err)
			return
		}
	}
	if err := c.kv.Del(ctx, tk); err != nil {
		c.degraded("tag index delete", err)
	}
}

// Exists reports whether the key is present. Failures read as absent.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	ok, err := c.kv.Exists(ctx, c.key(key))
	if err != nil {
		c.degraded("exists", err)
		return false
	}
	return ok
}

// TTL returns the remaining lifetime of a key, or -1 when unknown.
func (c *Cache) TTL(ctx context.Context, key string) time.Duration {
	ttl, err := c.kv.TTL(ctx, c.key(key))
	if err != nil {
		c.degraded("ttl", err)
		return -1
	}
	return ttl
}

// Clear drops every key in the namespace.
func (c *Cache) Clear(ctx context.Context) {
	keys, err := c.kv.Keys(ctx, c.namespace+":*")
	if err != nil {
		c.degraded("clear scan", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		c.degraded("clear", err)
	}
}

// GetMany returns the raw payloads found for the given keys.
func (c *Cache) GetMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		raw, found, err := c.kv.Get(ctx, c.key(key))
		if err != nil {
			c.degraded("get many", err)
			continue
		}
		if found {
			out[key] = json.RawMessage(raw)
		}
	}
	return out
}

// SetMany stores several values with shared options.
func (c *Cache) SetMany(ctx context.Context, values map[string]interface{}, opts Options) {
	for key, value := range values {
		c.Set(ctx, key, value, opts)
	}
}

// Warm bulk-loads entries from a loader, typically at startup.
func (c *Cache) Warm(ctx context.Context, load func(ctx context.Context) (map[string]interface{}, error), opts Options) error {
	values, err := load(ctx)
	if err != nil {
		return fmt.Errorf("cache warm: %w", err)
	}
	c.SetMany(ctx, values, opts)
	return nil
}

// UserTag is the invalidation tag for all of one user's cached views.
func UserTag(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// UserInvalidator adapts the cache to the tokens.Invalidator port.
type UserInvalidator struct {
	Cache *Cache
}

// InvalidateUser drops all cached views for the user.
func (u UserInvalidator) InvalidateUser(ctx context.Context, userID int64) {
	u.Cache.InvalidateByTag(ctx, UserTag(userID))
}
