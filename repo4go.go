// Package repo4go is a data-access layer built around a persistence
// context: repositories derive queries from declared method names, sessions
// track loaded entities and write back only what changed, and an optional
// second-level cache shares loaded state between sessions.
//
// Open wires storage, cache and metrics from a Config. The packages under
// pkg/ can also be used directly.
package repo4go

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ammar0144/repo4go/pkg/audit"
	"github.com/ammar0144/repo4go/pkg/cache"
	"github.com/ammar0144/repo4go/pkg/db"
	"github.com/ammar0144/repo4go/pkg/metrics"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/redis"
	"github.com/ammar0144/repo4go/pkg/repository"
	"github.com/ammar0144/repo4go/pkg/storage"
	"github.com/ammar0144/repo4go/pkg/storage/memory"
)

// Session is a unit of work
type Session = persistence.Session

// Method declares a repository query method
type Method = query.Method

// DatabaseConfig represents database configuration
type DatabaseConfig = db.Config

// RedisConfig represents Redis configuration
type RedisConfig = redis.Config

// CacheConfig represents in-process cache configuration
type CacheConfig = cache.Config

// Option configures Open
type Option func(*Engine)

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegisterer registers the metrics collectors with reg. Without it no
// metrics are recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithStorage replaces the storage the configuration would select
func WithStorage(s storage.Storage) Option {
	return func(e *Engine) {
		e.storage = s
	}
}

// WithAuditing stamps audit attributes during flush
func WithAuditing(actors audit.ActorResolver, opts ...audit.Option) Option {
	return func(e *Engine) {
		e.interceptors = append(e.interceptors, audit.New(actors, opts...))
	}
}

// WithInterceptors adds flush interceptors
func WithInterceptors(interceptors ...persistence.Interceptor) Option {
	return func(e *Engine) {
		e.interceptors = append(e.interceptors, interceptors...)
	}
}

// Engine holds the components shared by every session
type Engine struct {
	storage      storage.Storage
	cache        persistence.SecondLevelCache
	interceptors []persistence.Interceptor
	flushMode    persistence.FlushMode
	metrics      *metrics.Collector
	registerer   prometheus.Registerer
	logger       *slog.Logger

	dbManager    *db.Manager
	redisManager *redis.Manager
}

// Open validates cfg and connects the configured components. A nil cfg
// opens an in-memory engine without a second-level cache.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.flushMode, _ = persistence.ParseFlushMode(cfg.FlushMode)
	e.metrics = metrics.New(e.registerer)

	if err := e.openStorage(ctx, cfg); err != nil {
		return nil, err
	}
	if err := e.openCache(ctx, cfg); err != nil {
		_ = e.Close()
		return nil, err
	}

	e.logger.Info("repo4go engine opened",
		"storage", fmt.Sprintf("%T", e.storage),
		"cache", e.cache != nil,
		"flush_mode", e.flushMode.String())
	return e, nil
}

func (e *Engine) openStorage(ctx context.Context, cfg *Config) error {
	if e.storage != nil {
		return nil
	}
	if cfg.Database == nil {
		e.storage = memory.NewStore()
		return nil
	}

	m, err := db.NewManager(cfg.Database, db.WithLogger(e.logger))
	if err != nil {
		return err
	}
	s := db.NewStorage(m)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = m.Close()
		return err
	}
	e.dbManager = m
	e.storage = s
	return nil
}

func (e *Engine) openCache(ctx context.Context, cfg *Config) error {
	if cfg.Redis != nil && cfg.Redis.Enabled {
		m, err := redis.NewManager(cfg.Redis, redis.WithLogger(e.logger), redis.WithMetrics(e.metrics))
		if err != nil {
			return err
		}
		e.redisManager = m
		if err := m.Ping(ctx); err != nil {
			return err
		}
		e.cache = redis.NewCache(m)
		return nil
	}
	if cfg.Cache != nil {
		c, err := cache.New(*cfg.Cache, cache.WithLogger(e.logger), cache.WithMetrics(e.metrics))
		if err != nil {
			return err
		}
		e.cache = c
	}
	return nil
}

// Storage returns the storage sessions run against
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

// Metrics returns the collector, nil when metrics are disabled
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// SecondLevelCache returns the shared cache, or nil
func (e *Engine) SecondLevelCache() persistence.SecondLevelCache {
	return e.cache
}

func (e *Engine) sessionOptions(opts []persistence.Option) []persistence.Option {
	base := []persistence.Option{
		persistence.WithLogger(e.logger),
		persistence.WithMetrics(e.metrics),
		persistence.WithFlushMode(e.flushMode),
	}
	if len(e.interceptors) > 0 {
		base = append(base, persistence.WithInterceptor(e.interceptors...))
	}
	if e.cache != nil {
		base = append(base, persistence.WithSecondLevelCache(e.cache))
	}
	return append(base, opts...)
}

// Begin starts a session. opts apply after the engine defaults.
func (e *Engine) Begin(ctx context.Context, opts ...persistence.Option) (*Session, error) {
	return persistence.Begin(ctx, e.storage, e.sessionOptions(opts)...)
}

// Run executes fn in a session, committing when fn succeeds
func (e *Engine) Run(ctx context.Context, fn func(*Session) error, opts ...persistence.Option) error {
	return persistence.Run(ctx, e.storage, fn, e.sessionOptions(opts)...)
}

// Close releases the database and Redis connections
func (e *Engine) Close() error {
	var errs []error
	if e.redisManager != nil {
		if err := e.redisManager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.dbManager != nil {
		if err := e.dbManager.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRepository builds the repository for T, logging through the engine's
// logger unless opts override it
func NewRepository[T any](e *Engine, opts ...repository.Option) (*repository.Repository[T], error) {
	return repository.New[T](append([]repository.Option{repository.WithLogger(e.logger)}, opts...)...)
}
