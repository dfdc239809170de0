package redis

import (
	"bytes"
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/persistence"
)

// Cache is a second-level entity cache shared by every process pointed at
// the same Redis. Entries hold the column values of one entity, encoded
// with msgpack, under prefix:table:hash(id).
type Cache struct {
	m *Manager
}

var _ persistence.SecondLevelCache = (*Cache)(nil)

// NewCache returns the entity cache backed by m
func NewCache(m *Manager) *Cache {
	return &Cache{m: m}
}

// Key returns the Redis key of one entity
func (c *Cache) Key(meta *entity.Metadata, id any) string {
	return fmt.Sprintf("%s:%s:%016x", c.m.config.keyPrefix(), meta.Table, xxhash.Sum64String(fmt.Sprint(entity.Key(id))))
}

func (c *Cache) pattern(meta *entity.Metadata) string {
	return fmt.Sprintf("%s:%s:*", c.m.config.keyPrefix(), meta.Table)
}

// Get implements persistence.SecondLevelCache. A disabled cache always misses.
func (c *Cache) Get(ctx context.Context, meta *entity.Metadata, id any) (map[string]any, bool, error) {
	key := c.Key(meta, id)
	data, err := c.m.Get(ctx, key)
	switch {
	case IsCacheDisabled(err):
		return nil, false, nil
	case IsKeyNotFound(err):
		c.m.recordMiss(key)
		return nil, false, nil
	case err != nil:
		c.m.recordError("get", err)
		return nil, false, err
	}

	values, err := decode(data)
	if err != nil {
		c.m.recordError("decode", err)
		return nil, false, err
	}
	c.m.recordHit(key)
	return values, true, nil
}

// Put implements persistence.SecondLevelCache
func (c *Cache) Put(ctx context.Context, meta *entity.Metadata, id any, values map[string]any) error {
	data, err := msgpack.Marshal(values)
	if err != nil {
		return fmt.Errorf("%w: %s %v: %v", ErrSerializationFailed, meta.Name, id, err)
	}
	err = c.m.Set(ctx, c.Key(meta, id), data)
	if IsCacheDisabled(err) {
		return nil
	}
	if err != nil {
		c.m.recordError("put", err)
	}
	return err
}

// Evict implements persistence.SecondLevelCache
func (c *Cache) Evict(ctx context.Context, meta *entity.Metadata, id any) error {
	err := c.m.Delete(ctx, c.Key(meta, id))
	if IsCacheDisabled(err) {
		return nil
	}
	if err != nil {
		c.m.recordError("evict", err)
		return err
	}
	c.m.recordEviction("entity")
	return nil
}

// EvictAll implements persistence.SecondLevelCache
func (c *Cache) EvictAll(ctx context.Context, meta *entity.Metadata) error {
	_, err := c.m.InvalidatePattern(ctx, c.pattern(meta))
	if IsCacheDisabled(err) {
		return nil
	}
	if err != nil {
		c.m.recordError("evict_all", err)
		return err
	}
	c.m.recordEviction("table")
	return nil
}

// decode reads values back with integers widened to int64 so they convert
// onto entity fields like driver values do
func decode(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return values, nil
}
