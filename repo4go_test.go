package repo4go_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ammar0144/repo4go"
	"github.com/ammar0144/repo4go/internal/fixture"
	"github.com/ammar0144/repo4go/pkg/audit"
	"github.com/ammar0144/repo4go/pkg/cache"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/repository"
	"github.com/ammar0144/repo4go/pkg/storage/memory"
)

func TestOpenDefaultsToMemory(t *testing.T) {
	e, err := repo4go.Open(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	assert.IsType(t, &memory.Store{}, e.Storage())
	assert.Nil(t, e.SecondLevelCache())
	assert.Nil(t, e.Metrics())
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := repo4go.Open(context.Background(), &repo4go.Config{FlushMode: "never"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestEngineSessions(t *testing.T) {
	ctx := audit.WithActor(context.Background(), "alice")
	store := memory.NewStore()
	reg := prometheus.NewRegistry()
	cacheCfg := cache.DefaultConfig()

	e, err := repo4go.Open(ctx, &repo4go.Config{Cache: &cacheCfg, FlushMode: "commit"},
		repo4go.WithStorage(store),
		repo4go.WithRegisterer(reg),
		repo4go.WithAuditing(nil, audit.WithClock(fixture.Clock())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NotNil(t, e.SecondLevelCache())

	repo, err := repo4go.NewRepository[fixture.Member](e,
		repository.WithMethods(repo4go.Method{Name: "findByUsername"}))
	require.NoError(t, err)

	err = e.Run(ctx, func(s *repo4go.Session) error {
		assert.Equal(t, persistence.FlushCommit, s.FlushMode())
		_, err := repo.Save(ctx, s, fixture.NewMember("member1", 10))
		return err
	})
	require.NoError(t, err)

	s, err := e.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Rollback() })

	found, err := repo.Find(ctx, s, "findByUsername", "member1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alice", found[0].CreatedBy)
	assert.Equal(t, fixture.Epoch.Add(time.Minute), found[0].CreatedDate)

	require.NoError(t, s.Commit(ctx))

	store.ResetStats()
	next, err := e.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = next.Rollback() })
	again, err := repo.FindByID(ctx, next, found[0].ID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Zero(t, store.Stats().Selects, "served from the in-process cache")

	n, err := testutil.GatherAndCount(reg, "repo4go_cache_lookups_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}
