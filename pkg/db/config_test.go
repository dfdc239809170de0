package db

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func validConfig(dialect Dialect) *Config {
	c := DefaultConfig(dialect)
	c.Database = "app"
	c.Username = "app"
	c.Password = "secret"
	return c
}

func TestDefaultConfig(t *testing.T) {
	my := DefaultConfig(MySQL)
	assert.Equal(t, 3306, my.Port)
	assert.Equal(t, defaultSequenceTable, my.SequenceTable)

	pg := DefaultConfig(Postgres)
	assert.Equal(t, Postgres, pg.Dialect)
	assert.Equal(t, 5432, pg.Port)

	assert.Equal(t, MySQL, DefaultConfig("").Dialect)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty dialect means mysql", func(c *Config) { c.Dialect = "" }, ""},
		{"unknown dialect", func(c *Config) { c.Dialect = "sqlite" }, "unsupported dialect"},
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"bad port", func(c *Config) { c.Port = 0 }, "port must be between"},
		{"missing database", func(c *Config) { c.Database = "" }, "database name is required"},
		{"missing username", func(c *Config) { c.Username = "" }, "username is required"},
		{"no connections", func(c *Config) { c.MaxOpenConns = 0 }, "max_open_conns"},
		{"idle above open", func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }, "max_idle_conns"},
		{"negative timeout", func(c *Config) { c.QueryTimeout = -time.Second }, "query_timeout"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "unknown log level"},
		{"missing CA file", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}
		}, "CA file not accessible"},
		{"cert without key", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, CertFile: "client.pem"}
		}, "both CertFile and KeyFile"},
		{"skip verify ignores files", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, SkipVerify: true, CAFile: "missing.pem"}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(MySQL)
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMySQLDSN(t *testing.T) {
	c := validConfig(MySQL)
	c.TimeZone = "Europe/Berlin"

	dsn, err := c.GetDSN()
	require.NoError(t, err)

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "secret", parsed.Passwd)
	assert.Equal(t, "localhost:3306", parsed.Addr)
	assert.Equal(t, "app", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.True(t, parsed.ClientFoundRows)
	assert.Equal(t, "Europe/Berlin", parsed.Loc.String())
	assert.Equal(t, "utf8mb4", parsed.Params["charset"])
}

func TestMySQLDSNSkipVerify(t *testing.T) {
	c := validConfig(MySQL)
	c.SSL = SSLConfig{Enabled: true, SkipVerify: true}

	dsn, err := c.GetDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls=skip-verify")
}

func TestMySQLDSNRejectsInvalidCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o600))

	c := validConfig(MySQL)
	c.SSL = SSLConfig{Enabled: true, CAFile: ca}
	_, err := c.GetDSN()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid CA certificate")
}

func TestPostgresDSN(t *testing.T) {
	c := validConfig(Postgres)
	c.Password = "it's secret"

	dsn, err := c.GetDSN()
	require.NoError(t, err)
	assert.Equal(t, `host=localhost port=5432 user=app password='it\'s secret' dbname=app sslmode=disable TimeZone=UTC`, dsn)

	c.SSL = SSLConfig{Enabled: true, CAFile: "/etc/ssl/ca.pem", CertFile: "/etc/ssl/c.pem", KeyFile: "/etc/ssl/k.pem"}
	dsn, err = c.GetDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=verify-full sslrootcert=/etc/ssl/ca.pem sslcert=/etc/ssl/c.pem sslkey=/etc/ssl/k.pem")

	c.SSL = SSLConfig{Enabled: true, SkipVerify: true}
	dsn, err = c.GetDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "sslmode=require")
}

func TestTLSConfigNameIsStablePerFiles(t *testing.T) {
	a := validConfig(MySQL)
	a.SSL = SSLConfig{CAFile: "a.pem"}
	b := validConfig(MySQL)
	b.SSL = SSLConfig{CAFile: "b.pem"}

	assert.Equal(t, a.generateTLSConfigName(), a.generateTLSConfigName())
	assert.NotEqual(t, a.generateTLSConfigName(), b.generateTLSConfigName())
	assert.True(t, strings.HasPrefix(a.generateTLSConfigName(), "repo4go_tls_"))
}

func TestParseLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, parseLocation(""))
	assert.Equal(t, time.UTC, parseLocation("Not/AZone"))
	assert.Equal(t, "Asia/Tokyo", parseLocation("Asia/Tokyo").String())
}

func TestParseLogLevel(t *testing.T) {
	for name, want := range map[string]logger.LogLevel{
		"":       logger.Error,
		"silent": logger.Silent,
		"ERROR":  logger.Error,
		"warn":   logger.Warn,
		"info":   logger.Info,
	} {
		got, err := ParseLogLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestGormLoggerRoutesThroughSlog(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewGormLogger(log, LoggingConfig{Level: "warn", LogSlowQueries: true, SlowQueryThreshold: time.Millisecond})
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), fc, nil)
	assert.Empty(t, buf.String(), "fast queries are not logged at warn")

	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	assert.Contains(t, buf.String(), "slow query")
	assert.Contains(t, buf.String(), "SELECT 1")

	buf.Reset()
	l.LogMode(logger.Silent).Trace(context.Background(), time.Now().Add(-time.Second), fc, assert.AnError)
	assert.Empty(t, buf.String())

	sql, params := l.(*gormLogger).ParamsFilter(context.Background(), "SELECT ?", "secret")
	assert.Equal(t, "SELECT ?", sql)
	assert.Nil(t, params)
}
