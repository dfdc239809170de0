package redis

// layer labels this cache in the shared cache metrics
const layer = "redis"

func (m *Manager) recordHit(key string) {
	m.metrics.CacheHit(layer)
	if m.config.Logging.LogCacheHits {
		m.logger.Debug("cache hit", "key", key)
	}
}

func (m *Manager) recordMiss(key string) {
	m.metrics.CacheMiss(layer)
	if m.config.Logging.LogCacheMisses {
		m.logger.Debug("cache miss", "key", key)
	}
}

func (m *Manager) recordError(op string, err error) {
	m.metrics.CacheError(layer)
	m.logger.Warn("cache operation failed", "op", op, "error", err)
}

func (m *Manager) recordEviction(scope string) {
	m.metrics.CacheEvicted(layer, scope)
}
