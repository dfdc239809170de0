package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.Nil(t, New(nil))
	assert.NotPanics(t, func() {
		c.ObserveStatement("select", time.Millisecond, nil)
		c.Flushed(1, 2, 3)
		c.BulkAffected("Member", 2)
		c.ContextCleared("bulk")
		c.CacheHit("local")
		c.CacheMiss("local")
		c.CacheError("redis")
		c.CacheEvicted("redis", "type")
	})
}

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	require.NotNil(t, c)

	c.ObserveStatement("select", time.Millisecond, nil)
	c.ObserveStatement("select", time.Millisecond, errors.New("boom"))
	c.Flushed(2, 1, 0)
	c.BulkAffected("Member", 2)
	c.ContextCleared("bulk")
	c.CacheHit("local")
	c.CacheMiss("local")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.statementsTotal.WithLabelValues("select", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statementsTotal.WithLabelValues("select", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.flushedTotal.WithLabelValues("insert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushedTotal.WithLabelValues("update")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.bulkAffected.WithLabelValues("Member")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.contextClears.WithLabelValues("bulk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("local", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("local", "miss")))
}
