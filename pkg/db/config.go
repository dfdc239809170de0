package db

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-sql-driver/mysql"
)

const defaultSequenceTable = "repo4go_sequences"

// DefaultConfig returns a configuration with production pool defaults for
// the given dialect
func DefaultConfig(dialect Dialect) *Config {
	c := &Config{
		Dialect:         dialect,
		Host:            "localhost",
		Charset:         "utf8mb4",
		Collation:       "utf8mb4_unicode_ci",
		TimeZone:        "UTC",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		PrepareStmt:     true,
		QueryTimeout:    30 * time.Second,
		SequenceTable:   defaultSequenceTable,
		Logging: LoggingConfig{
			Level:              "warn",
			LogSlowQueries:     true,
			SlowQueryThreshold: 200 * time.Millisecond,
		},
	}
	switch dialect {
	case Postgres:
		c.Port = 5432
	default:
		c.Dialect = MySQL
		c.Port = 3306
	}
	return c
}

func (c *Config) dialect() Dialect {
	if c.Dialect == "" {
		return MySQL
	}
	return c.Dialect
}

func (c *Config) sequenceTable() string {
	if c.SequenceTable == "" {
		return defaultSequenceTable
	}
	return c.SequenceTable
}

// Validate checks if the database configuration is valid
func (c *Config) Validate() error {
	switch c.dialect() {
	case MySQL, Postgres:
	default:
		return fmt.Errorf("unsupported dialect %q, want mysql or postgres", c.Dialect)
	}
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Username == "" {
		return fmt.Errorf("database username is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns cannot be greater than max_open_conns")
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout cannot be negative")
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	// Validate TLS configuration if SSL is enabled
	if c.SSL.Enabled && !c.SSL.SkipVerify {
		if err := c.validateTLSFiles(); err != nil {
			return fmt.Errorf("TLS configuration error: %w", err)
		}
	}

	return nil
}

// validateTLSFiles validates that TLS certificate files exist and are readable
func (c *Config) validateTLSFiles() error {
	if c.SSL.CAFile != "" {
		if _, err := os.Stat(c.SSL.CAFile); err != nil {
			return fmt.Errorf("CA file not accessible: %w", err)
		}
	}

	if c.SSL.CertFile != "" || c.SSL.KeyFile != "" {
		// Both cert and key must be provided together
		if c.SSL.CertFile == "" || c.SSL.KeyFile == "" {
			return errors.New("both CertFile and KeyFile must be provided together")
		}
		if _, err := os.Stat(c.SSL.CertFile); err != nil {
			return fmt.Errorf("client certificate file not accessible: %w", err)
		}
		if _, err := os.Stat(c.SSL.KeyFile); err != nil {
			return fmt.Errorf("client key file not accessible: %w", err)
		}
	}

	return nil
}

// GetDSN returns the data source name for the configured dialect
func (c *Config) GetDSN() (string, error) {
	if c.dialect() == Postgres {
		return c.postgresDSN(), nil
	}
	return c.mysqlDSN()
}

// mysqlDSN uses the official MySQL driver config builder for safe DSN construction
func (c *Config) mysqlDSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.Collation = c.Collation
	cfg.Loc = parseLocation(c.TimeZone)
	cfg.ParseTime = true
	cfg.AllowNativePasswords = true
	// affected-row counts must include matched but unchanged rows
	cfg.ClientFoundRows = true
	if c.Charset != "" {
		cfg.Params = map[string]string{"charset": c.Charset}
	}

	if c.SSL.Enabled {
		if c.SSL.SkipVerify {
			cfg.TLSConfig = "skip-verify"
		} else {
			tlsConfig, err := c.tlsConfig()
			if err != nil {
				return "", err
			}
			tlsName := c.generateTLSConfigName()
			// re-registering the same name replaces the config, which is
			// what a reconnect with the same files wants
			if err := mysql.RegisterTLSConfig(tlsName, tlsConfig); err != nil {
				return "", fmt.Errorf("register TLS config: %w", err)
			}
			cfg.TLSConfig = tlsName
		}
	}

	return cfg.FormatDSN(), nil
}

func (c *Config) postgresDSN() string {
	params := []string{
		"host=" + quoteDSN(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"user=" + quoteDSN(c.Username),
		"password=" + quoteDSN(c.Password),
		"dbname=" + quoteDSN(c.Database),
	}
	switch {
	case !c.SSL.Enabled:
		params = append(params, "sslmode=disable")
	case c.SSL.SkipVerify:
		params = append(params, "sslmode=require")
	default:
		params = append(params, "sslmode=verify-full")
		if c.SSL.CAFile != "" {
			params = append(params, "sslrootcert="+quoteDSN(c.SSL.CAFile))
		}
		if c.SSL.CertFile != "" {
			params = append(params, "sslcert="+quoteDSN(c.SSL.CertFile), "sslkey="+quoteDSN(c.SSL.KeyFile))
		}
	}
	tz := c.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	params = append(params, "TimeZone="+quoteDSN(tz))
	return strings.Join(params, " ")
}

// quoteDSN quotes a keyword/value DSN value when it contains spaces or quotes
func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.SSL.CAFile != "" {
		caCert, err := os.ReadFile(c.SSL.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("invalid CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if c.SSL.CertFile != "" && c.SSL.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.SSL.ServerName != "" {
		tlsConfig.ServerName = c.SSL.ServerName
	}
	return tlsConfig, nil
}

// generateTLSConfigName derives the driver registration name from the SSL
// files so distinct configs never collide
func (c *Config) generateTLSConfigName() string {
	h := xxhash.New()
	for _, part := range []string{c.SSL.CAFile, c.SSL.CertFile, c.SSL.KeyFile, c.SSL.ServerName} {
		_, _ = h.WriteString(part)
		_, _ = h.WriteString("\x00")
	}
	return fmt.Sprintf("repo4go_tls_%016x", h.Sum64())
}

// parseLocation parses timezone string to *time.Location
func parseLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
