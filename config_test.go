package repo4go_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go"
	"github.com/ammar0144/repo4go/pkg/db"
)

const sampleConfig = `
flush_mode: commit
database:
  dialect: postgres
  host: db.internal
  database: app
  username: app
  password: secret
  query_timeout: 5s
redis:
  enabled: true
  host: cache.internal
  key_prefix: shop
cache:
  capacity: 500
  ttl: 90s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "repo4go.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := repo4go.LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "commit", cfg.FlushMode)

	require.NotNil(t, cfg.Database)
	assert.Equal(t, db.Postgres, cfg.Database.Dialect)
	assert.Equal(t, 5432, cfg.Database.Port, "dialect default kept")
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns, "pool default kept")

	require.NotNil(t, cfg.Redis)
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "shop", cfg.Redis.KeyPrefix)
	assert.Equal(t, time.Hour, cfg.Redis.DefaultTTL)

	require.NotNil(t, cfg.Cache)
	assert.Equal(t, 500, cfg.Cache.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 64, cfg.Cache.NumShards)
}

func TestLoadConfigOmittedSections(t *testing.T) {
	cfg, err := repo4go.LoadConfig(writeConfig(t, "flush_mode: auto\n"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Database)
	assert.Nil(t, cfg.Redis)
	assert.Nil(t, cfg.Cache)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad flush mode", "flush_mode: sometimes\n", "invalid flush mode"},
		{"bad dialect", "database:\n  dialect: oracle\n  database: app\n  username: app\n", "unsupported dialect"},
		{"missing database name", "database:\n  username: app\n", "database name is required"},
		{"bad cache", "cache:\n  capacity: 0\n", "capacity"},
		{"malformed yaml", "database: [\n", "failed to parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo4go.LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := repo4go.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDisabledRedisSkipsValidation(t *testing.T) {
	cfg, err := repo4go.ParseConfig([]byte("redis:\n  enabled: false\n  port: 0\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Redis.Enabled)
}
