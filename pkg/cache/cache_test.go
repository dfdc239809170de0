package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go/internal/fixture"
	"github.com/ammar0144/repo4go/pkg/bulk"
	"github.com/ammar0144/repo4go/pkg/cache"
	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/metrics"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/storage/memory"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, cache.DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*cache.Config)
		field  string
	}{
		{"zero capacity", func(c *cache.Config) { c.Capacity = 0 }, "capacity"},
		{"zero shards", func(c *cache.Config) { c.NumShards = 0 }, "num_shards"},
		{"more shards than entries", func(c *cache.Config) { c.Capacity = 8; c.NumShards = 16 }, "num_shards"},
		{"zero ttl", func(c *cache.Config) { c.TTL = 0 }, "ttl"},
		{"eviction above 100", func(c *cache.Config) { c.EvictionPercentage = 101 }, "eviction_percentage"},
		{"negative interval", func(c *cache.Config) { c.EvictionInterval = -time.Second }, "eviction_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cache.DefaultConfig()
			tt.mutate(&cfg)
			var cfgErr *cache.ConfigError
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestCachePutGetEvict(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	meta := entity.MustOf[fixture.Member]()

	require.NoError(t, c.Put(ctx, meta, int64(1), map[string]any{"id": int64(1), "username": "member1"}))

	values, ok, err := c.Get(ctx, meta, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "member1", values["username"])

	values["username"] = "changed"
	again, _, _ := c.Get(ctx, meta, int64(1))
	assert.Equal(t, "member1", again["username"], "callers get copies")

	require.NoError(t, c.Evict(ctx, meta, int64(1)))
	_, ok, _ = c.Get(ctx, meta, int64(1))
	assert.False(t, ok)
}

func TestCacheEvictAllKeepsOtherTables(t *testing.T) {
	ctx := context.Background()
	c, err := cache.New(cache.DefaultConfig())
	require.NoError(t, err)
	members := entity.MustOf[fixture.Member]()
	teams := entity.MustOf[fixture.Team]()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, c.Put(ctx, members, i, map[string]any{"id": i}))
	}
	require.NoError(t, c.Put(ctx, teams, int64(1), map[string]any{"id": int64(1)}))
	require.Equal(t, 4, c.Len())

	require.NoError(t, c.EvictAll(ctx, members))
	assert.Equal(t, 1, c.Len())
	_, ok, _ := c.Get(ctx, teams, int64(1))
	assert.True(t, ok)
}

func TestCacheAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fixture.Members(t, store)
	meta := entity.MustOf[fixture.Member]()

	reg := prometheus.NewRegistry()
	c, err := cache.New(cache.DefaultConfig(), cache.WithMetrics(metrics.New(reg)))
	require.NoError(t, err)

	first := fixture.Session(t, store, persistence.WithSecondLevelCache(c))
	_, err = first.Context().Find(ctx, meta, int64(2))
	require.NoError(t, err)
	require.NoError(t, first.Commit(ctx))

	store.ResetStats()
	second := fixture.Session(t, store, persistence.WithSecondLevelCache(c))
	m, err := second.Context().Find(ctx, meta, int64(2))
	require.NoError(t, err)
	assert.Equal(t, "member2", m.(*fixture.Member).Username)
	assert.Zero(t, store.Stats().Selects, "second session hits the shared cache")

	plan := bulk.MustCompile(meta, bulk.Declaration{
		Name:  "agePlus",
		Where: "AgeGreaterThanEqual",
		Set:   []bulk.Assignment{bulk.Increment("Age", 1)},
	})
	n, err := bulk.Execute(ctx, second, plan, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, ok, err := c.Get(ctx, meta, int64(2))
	require.NoError(t, err)
	assert.False(t, ok, "bulk mutation evicts the entity type")

	lookups, err := testutil.GatherAndCount(reg, "repo4go_cache_lookups_total")
	require.NoError(t, err)
	assert.Positive(t, lookups)
}
