package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/metrics"
)

// Interceptor hooks into flush before the attribute diff is computed
type Interceptor interface {
	// BeforeInsert runs once for each new entity
	BeforeInsert(ctx context.Context, meta *entity.Metadata, e any) error
	// BeforeUpdate runs for each managed entity with at least one dirty attribute
	BeforeUpdate(ctx context.Context, meta *entity.Metadata, e any, dirty []*entity.Attribute) error
}

// SecondLevelCache shares loaded entity state across units of work. Values
// are attribute values keyed by column.
type SecondLevelCache interface {
	Get(ctx context.Context, meta *entity.Metadata, id any) (map[string]any, bool, error)
	Put(ctx context.Context, meta *entity.Metadata, id any, values map[string]any) error
	Evict(ctx context.Context, meta *entity.Metadata, id any) error
	EvictAll(ctx context.Context, meta *entity.Metadata) error
}

// FlushMode decides when pending changes are written
type FlushMode int

const (
	// FlushAuto writes pending changes before every query and at commit
	FlushAuto FlushMode = iota
	// FlushCommit writes pending changes only at commit or on explicit Flush
	FlushCommit
)

func (m FlushMode) String() string {
	if m == FlushCommit {
		return "commit"
	}
	return "auto"
}

// ParseFlushMode parses "auto" or "commit"; empty means auto
func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FlushAuto, nil
	case "commit":
		return FlushCommit, nil
	default:
		return FlushAuto, fmt.Errorf("invalid flush mode %q: must be auto or commit", s)
	}
}

type options struct {
	interceptors []Interceptor
	cache        SecondLevelCache
	logger       *slog.Logger
	metrics      *metrics.Collector
	flushMode    FlushMode
}

// Option configures a Context or Session
type Option func(*options)

// WithInterceptor appends flush interceptors, run in registration order
func WithInterceptor(interceptors ...Interceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}

// WithSecondLevelCache sets the shared entity cache
func WithSecondLevelCache(cache SecondLevelCache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFlushMode sets when a session writes pending changes
func WithFlushMode(mode FlushMode) Option {
	return func(o *options) {
		o.flushMode = mode
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
