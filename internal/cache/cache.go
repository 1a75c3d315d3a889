// Package cache provides the two-tier result cache: a bounded in-process LRU in front of
// a shared Store. Keys are tenant-scoped as kensaku:<namespace>:<org>:<key>.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Layer names the tier that produced a value.
type Layer string

const (
	LayerMemory      Layer = "memory"
	LayerDistributed Layer = "distributed"
	LayerCompute     Layer = "compute"
)

const (
	keyPrefix = "kensaku"

	// NamespaceSearch holds search responses; ingestion invalidates it per org.
	NamespaceSearch = "search"
	// NamespaceDefault is used when Options.Namespace is empty.
	NamespaceDefault = "default"
)

// Options scopes a cache operation.
type Options struct {
	// TTL of a computed value. Zero uses Config.DefaultTTL.
	TTL time.Duration
	// OrgID is required for Get. For Invalidate an empty OrgID targets all tenants.
	OrgID     string
	Namespace string
}

// Config sizes the memory tier and default lifetimes.
type Config struct {
	MemoryCapacity int
	MemoryMaxTTL   time.Duration
	DefaultTTL     time.Duration
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a read-through two-tier cache. Concurrent misses on one key may each compute.
type Cache struct {
	memory  *lru.Cache[string, memoryEntry]
	store   Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for degraded distributed-tier operations.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = utils.OrNop(l) }
}

// WithMetrics records lookups per answering layer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache. store may be nil for a memory-only cache.
func New(store Store, cfg Config, opts ...Option) (*Cache, error) {
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = 1000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.MemoryMaxTTL <= 0 {
		cfg.MemoryMaxTTL = 5 * time.Minute
	}
	mem, err := lru.New[string, memoryEntry](cfg.MemoryCapacity)
	if err != nil {
		return nil, &models.ConfigurationError{Component: "cache", Message: err.Error()}
	}
	c := &Cache{
		memory: mem,
		store:  store,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// segmentEscaper percent-encodes the separator and glob metacharacters so a namespace
// or org segment only ever matches itself.
var segmentEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	`\`, "%5C",
)

func escapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

// Key returns the effective storage key for key under opts.
func Key(key string, opts Options) string {
	return strings.Join([]string{keyPrefix, escapeSegment(namespaceOf(opts)), escapeSegment(opts.OrgID), key}, ":")
}

// Get returns the cached value for key, or computes, stores, and returns it.
// A memory hit short-circuits; a distributed hit back-fills memory. Distributed-tier
// failures are logged and treated as misses. Errors from compute are returned as is
// and nothing is cached.
func Get[T any](ctx context.Context, c *Cache, key string, compute func(context.Context) (T, error), opts Options) (T, Layer, error) {
	var zero T
	if opts.OrgID == "" {
		return zero, "", models.NewValidationError("org_id", "org_id is required for cache access")
	}
	if key == "" {
		return zero, "", models.NewValidationError("key", "cache key cannot be empty")
	}
	full := Key(key, opts)
	now := c.now()

	if e, ok := c.memory.Get(full); ok {
		if now.Before(e.expiresAt) {
			var v T
			if err := json.Unmarshal(e.value, &v); err == nil {
				c.metrics.CacheLookup(namespaceOf(opts), string(LayerMemory))
				return v, LayerMemory, nil
			}
		}
		c.memory.Remove(full)
	}

	if c.store != nil {
		entry, err := c.store.Get(ctx, full)
		switch {
		case err != nil:
			c.logger.Warn("distributed cache read failed", zap.String("key", full), zap.Error(err))
		case entry != nil:
			var v T
			if err := json.Unmarshal(entry.Value, &v); err != nil {
				c.logger.Warn("distributed cache entry undecodable", zap.String("key", full), zap.Error(err))
				break
			}
			remaining := c.cfg.MemoryMaxTTL
			if entry.TTLSeconds > 0 {
				left := entry.InsertedAt.Add(time.Duration(entry.TTLSeconds) * time.Second).Sub(now)
				if left < remaining {
					remaining = left
				}
			}
			if remaining > 0 {
				c.memory.Add(full, memoryEntry{value: entry.Value, expiresAt: now.Add(remaining)})
			}
			c.metrics.CacheLookup(namespaceOf(opts), string(LayerDistributed))
			return v, LayerDistributed, nil
		}
	}

	v, err := compute(ctx)
	if err != nil {
		return zero, "", err
	}
	c.metrics.CacheLookup(namespaceOf(opts), string(LayerCompute))

	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value not encodable", zap.String("key", full), zap.Error(err))
		return v, LayerCompute, nil
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	memTTL := ttl
	if memTTL > c.cfg.MemoryMaxTTL {
		memTTL = c.cfg.MemoryMaxTTL
	}
	c.memory.Add(full, memoryEntry{value: raw, expiresAt: now.Add(memTTL)})

	if c.store != nil {
		entry := &models.CacheEntry{
			Key:        full,
			Value:      raw,
			TenantID:   opts.OrgID,
			InsertedAt: now,
			TTLSeconds: ttlSeconds(ttl),
		}
		if err := c.store.Set(ctx, entry); err != nil {
			c.logger.Warn("distributed cache write failed", zap.String("key", full), zap.Error(err))
		}
	}
	return v, LayerCompute, nil
}

// Invalidate removes keys matching the glob pattern within opts.Namespace and opts.OrgID
// (all orgs when OrgID is empty) from both tiers. It returns the number of entries removed
// from the tier that held the most.
func (c *Cache) Invalidate(ctx context.Context, pattern string, opts Options) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	org := "*"
	if opts.OrgID != "" {
		org = escapeSegment(opts.OrgID)
	}
	full := strings.Join([]string{keyPrefix, escapeSegment(namespaceOf(opts)), org, pattern}, ":")

	memRemoved := 0
	for _, k := range c.memory.Keys() {
		if matchKey(full, k) {
			if c.memory.Remove(k) {
				memRemoved++
			}
		}
	}

	removed := memRemoved
	if c.store != nil {
		n, err := c.store.DeletePattern(ctx, full)
		if err != nil {
			c.logger.Warn("distributed cache invalidation failed", zap.String("pattern", full), zap.Error(err))
			return removed, err
		}
		if n > removed {
			removed = n
		}
	}
	c.logger.Debug("cache invalidated", zap.String("pattern", full), zap.Int("removed", removed))
	return removed, nil
}

// MemoryLen returns the number of entries in the memory tier.
func (c *Cache) MemoryLen() int {
	return c.memory.Len()
}

// Close closes the distributed tier.
func (c *Cache) Close() error {
	c.memory.Purge()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func namespaceOf(opts Options) string {
	if opts.Namespace == "" {
		return NamespaceDefault
	}
	return opts.Namespace
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
