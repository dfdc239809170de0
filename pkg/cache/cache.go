// Package cache provides an in-process second-level entity cache on sturdyc.
// It is cheaper than the Redis cache but private to one process, so it only
// suits deployments where a single process writes the data it caches.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/viccon/sturdyc"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/metrics"
	"github.com/ammar0144/repo4go/pkg/persistence"
)

// layer labels this cache in the shared cache metrics
const layer = "local"

// Config holds the sturdyc cache settings
type Config struct {
	// Capacity is the maximum number of cached entities. Default: 10000
	Capacity int `json:"capacity" yaml:"capacity"`

	// NumShards splits the cache for concurrent access. Default: 64
	NumShards int `json:"num_shards" yaml:"num_shards"`

	// TTL is how long an entry stays valid. Default: 5m
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// EvictionPercentage of entries is dropped when a shard is full. Default: 10
	EvictionPercentage int `json:"eviction_percentage" yaml:"eviction_percentage"`

	// EvictionInterval sets how often expired entries are swept. Zero keeps
	// the sturdyc default.
	EvictionInterval time.Duration `json:"eviction_interval" yaml:"eviction_interval"`
}

// DefaultConfig returns a Config with sensible defaults for most use cases
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          64,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
	}
}

// Validate checks if the configuration values are valid
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "num_shards", Message: "must be greater than 0"}
	}
	if c.NumShards > c.Capacity {
		return &ConfigError{Field: "num_shards", Message: "cannot exceed capacity"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "ttl", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "eviction_percentage", Message: "must be between 1 and 100"}
	}
	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "eviction_interval", Message: "must be non-negative"}
	}
	return nil
}

func (c Config) options() []sturdyc.Option {
	var opts []sturdyc.Option
	if c.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return opts
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "cache config: " + e.Field + " " + e.Message
}

// Option configures a Cache
type Option func(*Cache)

// WithMetrics records lookups and evictions on m
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Cache is an in-process second-level entity cache
type Cache struct {
	client  *sturdyc.Client[map[string]any]
	metrics *metrics.Collector
	logger  *slog.Logger
}

var _ persistence.SecondLevelCache = (*Cache)(nil)

// New builds a cache from cfg
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		client: sturdyc.New[map[string]any](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, cfg.options()...),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c, nil
}

func key(meta *entity.Metadata, id any) string {
	return meta.Table + ":" + fmt.Sprint(entity.Key(id))
}

// Get implements persistence.SecondLevelCache. Callers receive a copy.
func (c *Cache) Get(_ context.Context, meta *entity.Metadata, id any) (map[string]any, bool, error) {
	values, ok := c.client.Get(key(meta, id))
	if !ok {
		c.metrics.CacheMiss(layer)
		return nil, false, nil
	}
	c.metrics.CacheHit(layer)
	return maps.Clone(values), true, nil
}

// Put implements persistence.SecondLevelCache
func (c *Cache) Put(_ context.Context, meta *entity.Metadata, id any, values map[string]any) error {
	c.client.Set(key(meta, id), maps.Clone(values))
	return nil
}

// Evict implements persistence.SecondLevelCache
func (c *Cache) Evict(_ context.Context, meta *entity.Metadata, id any) error {
	c.client.Delete(key(meta, id))
	c.metrics.CacheEvicted(layer, "entity")
	return nil
}

// EvictAll implements persistence.SecondLevelCache
func (c *Cache) EvictAll(_ context.Context, meta *entity.Metadata) error {
	prefix := meta.Table + ":"
	removed := 0
	for _, k := range c.client.ScanKeys() {
		if strings.HasPrefix(k, prefix) {
			c.client.Delete(k)
			removed++
		}
	}
	c.metrics.CacheEvicted(layer, "table")
	c.logger.Debug("cache table evicted", "table", meta.Table, "keys", removed)
	return nil
}

// Len returns the number of cached entities
func (c *Cache) Len() int {
	return c.client.Size()
}
