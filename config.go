package repo4go

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ammar0144/repo4go/pkg/cache"
	"github.com/ammar0144/repo4go/pkg/db"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/redis"
)

// Config aggregates the settings of every component Open wires. A nil
// Database selects the in-memory store. Redis takes precedence over Cache
// when both are set and Redis is enabled.
type Config struct {
	Database *db.Config    `json:"database" yaml:"database"`
	Redis    *redis.Config `json:"redis" yaml:"redis"`
	Cache    *cache.Config `json:"cache" yaml:"cache"`

	// FlushMode is auto or commit. Default: auto
	FlushMode string `json:"flush_mode" yaml:"flush_mode"`
}

// Validate checks every configured component
func (c *Config) Validate() error {
	var errs []error
	if c.Database != nil {
		if err := c.Database.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if c.Redis != nil && c.Redis.Enabled {
		if err := c.Redis.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if _, err := persistence.ParseFlushMode(c.FlushMode); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// fileConfig defers decoding of each section until its defaults are known
type fileConfig struct {
	Database  *yaml.Node `yaml:"database"`
	Redis     *yaml.Node `yaml:"redis"`
	Cache     *yaml.Node `yaml:"cache"`
	FlushMode string     `yaml:"flush_mode"`
}

// LoadConfig reads a YAML file. Each section present in the file is
// decoded over its package defaults, so a file only names what it changes.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates YAML configuration
func ParseConfig(data []byte) (*Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{FlushMode: raw.FlushMode}
	if raw.Database != nil {
		var probe struct {
			Dialect db.Dialect `yaml:"dialect"`
		}
		if err := raw.Database.Decode(&probe); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		cfg.Database = db.DefaultConfig(probe.Dialect)
		if err := raw.Database.Decode(cfg.Database); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
	}
	if raw.Redis != nil {
		cfg.Redis = redis.DefaultConfig()
		if err := raw.Redis.Decode(cfg.Redis); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}
	if raw.Cache != nil {
		c := cache.DefaultConfig()
		if err := raw.Cache.Decode(&c); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		cfg.Cache = &c
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
