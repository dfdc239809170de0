// Package persistence implements the unit of work: an identity map with
// snapshot-based dirty checking, and the Session that scopes it to one
// storage transaction.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"time"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/metrics"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

type entityState int

const (
	stateNew entityState = iota
	stateManaged
	stateRemoved
)

type identity struct {
	typ reflect.Type
	id  any
}

type entry struct {
	meta     *entity.Metadata
	value    any
	id       any
	snapshot map[string]any
	state    entityState
	readOnly bool
}

// Context is the identity map of one unit of work. It is not safe for
// concurrent use; each unit of work owns its own Context.
type Context struct {
	store        storage.Storage
	cache        SecondLevelCache
	interceptors []Interceptor
	logger       *slog.Logger
	metrics      *metrics.Collector

	entries map[identity]*entry
	order   []*entry

	// set while bound to a storage transaction: cache puts wait for commit
	deferred bool
	pending  map[identity]pendingPut
	written  map[identity]*entity.Metadata
	bulked   map[reflect.Type]*entity.Metadata
}

type pendingPut struct {
	meta   *entity.Metadata
	id     any
	values map[string]any
}

// NewContext creates an empty context over store
func NewContext(store storage.Storage, opts ...Option) *Context {
	return newContext(store, buildOptions(opts))
}

func newContext(store storage.Storage, o options) *Context {
	return &Context{
		store:        store,
		cache:        o.cache,
		interceptors: o.interceptors,
		logger:       o.logger,
		metrics:      o.metrics,
		entries:      make(map[identity]*entry),
	}
}

// Storage returns the storage the context reads and writes
func (c *Context) Storage() storage.Storage {
	return c.store
}

// Len returns the number of tracked entities
func (c *Context) Len() int {
	return len(c.entries)
}

// key converts id to the identifier's declared type so 5, int32(5) and
// []byte("5") address the same entity
func (c *Context) key(meta *entity.Metadata, id any) identity {
	v := reflect.New(meta.ID.Type).Elem()
	if err := entity.Assign(v, id); err == nil {
		id = v.Interface()
	}
	return identity{typ: meta.Type, id: entity.Key(id)}
}

func (c *Context) lookup(meta *entity.Metadata, id any) *entry {
	return c.entries[c.key(meta, id)]
}

func (c *Context) track(meta *entity.Metadata, e any, id any, st entityState) *entry {
	k := c.key(meta, id)
	en := &entry{meta: meta, value: e, id: k.id, state: st}
	if st != stateNew {
		en.snapshot = meta.Snapshot(e)
	}
	c.entries[k] = en
	c.order = append(c.order, en)
	return en
}

func (c *Context) untrack(en *entry) {
	delete(c.entries, identity{typ: en.meta.Type, id: en.id})
}

// live returns tracked entries in the order they were first tracked
func (c *Context) live() []*entry {
	out := c.order[:0]
	for _, en := range c.order {
		if c.entries[identity{typ: en.meta.Type, id: en.id}] == en {
			out = append(out, en)
		}
	}
	c.order = out
	return append([]*entry(nil), out...)
}

func (c *Context) describe(e any) (*entity.Metadata, error) {
	meta, err := entity.Describe(e)
	if err != nil {
		return nil, err
	}
	if err := meta.Check(e); err != nil {
		return nil, err
	}
	return meta, nil
}

// Track registers a loaded entity as managed and returns the tracked
// instance. When the identity is already tracked the existing instance wins.
func (c *Context) Track(e any) (any, error) {
	meta, err := c.describe(e)
	if err != nil {
		return nil, err
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return nil, fmt.Errorf("%w: cannot track %s", ErrMissingIdentifier, meta.Name)
	}
	if en := c.lookup(meta, id); en != nil {
		return en.value, nil
	}
	c.rekey(meta, e)
	return c.track(meta, e, id, stateManaged).value, nil
}

// Get returns the tracked instance for id without touching storage
func (c *Context) Get(meta *entity.Metadata, id any) (any, bool) {
	if id == nil {
		return nil, false
	}
	en := c.lookup(meta, id)
	if en == nil || en.state == stateRemoved {
		return nil, false
	}
	return en.value, true
}

// Get returns the tracked *T for id
func Get[T any](c *Context, id any) (*T, bool) {
	meta, err := entity.Of[T]()
	if err != nil {
		return nil, false
	}
	v, ok := c.Get(meta, id)
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// Contains reports whether e itself is the tracked instance of its identity
func (c *Context) Contains(e any) bool {
	meta, err := c.describe(e)
	if err != nil {
		return false
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return false
	}
	en := c.lookup(meta, id)
	return en != nil && en.value == e && en.state != stateRemoved
}

// Detach stops tracking e. Pending changes to it are dropped.
func (c *Context) Detach(e any) {
	meta, err := c.describe(e)
	if err != nil {
		return
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return
	}
	if en := c.lookup(meta, id); en != nil && en.value == e {
		c.untrack(en)
	}
}

// SetReadOnly excludes a tracked entity from dirty checking
func (c *Context) SetReadOnly(e any, readOnly bool) {
	meta, err := c.describe(e)
	if err != nil {
		return
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return
	}
	if en := c.lookup(meta, id); en != nil && en.value == e {
		en.readOnly = readOnly
	}
}

// IsReadOnly reports whether e is tracked with the read-only hint
func (c *Context) IsReadOnly(e any) bool {
	meta, err := c.describe(e)
	if err != nil {
		return false
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return false
	}
	en := c.lookup(meta, id)
	return en != nil && en.value == e && en.readOnly
}

// HasPendingChanges reports whether Flush would write anything
func (c *Context) HasPendingChanges() bool {
	for _, en := range c.entries {
		switch en.state {
		case stateNew, stateRemoved:
			return true
		case stateManaged:
			if en.readOnly {
				continue
			}
			if len(en.meta.Diff(en.value, en.snapshot)) > 0 || c.referencesMoved(en) {
				return true
			}
		}
	}
	return false
}

// Clear discards every tracked entity and snapshot without writing
func (c *Context) Clear() {
	c.clear("explicit")
}

func (c *Context) clear(reason string) {
	n := len(c.entries)
	c.entries = make(map[identity]*entry)
	c.order = nil
	c.metrics.ContextCleared(reason)
	if n > 0 {
		c.logger.Debug("cleared persistence context", "reason", reason, "entities", n)
	}
}

// Find returns the entity with id, consulting the identity map, then the
// second-level cache, then storage. It returns nil without error when no
// such entity exists.
func (c *Context) Find(ctx context.Context, meta *entity.Metadata, id any) (any, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: find %s", ErrMissingIdentifier, meta.Name)
	}
	k := c.key(meta, id)
	if en := c.entries[k]; en != nil {
		if en.state == stateRemoved {
			return nil, nil
		}
		return en.value, nil
	}
	id = k.id

	if c.cache != nil && !c.wroteTo(k) {
		values, ok, err := c.cache.Get(ctx, meta, id)
		switch {
		case err != nil:
			c.logger.Warn("second-level cache lookup failed", "entity", meta.Name, "id", id, "error", err)
		case ok:
			e, err := c.hydrate(meta, func(column string) (any, bool) {
				v, ok := values[column]
				return v, ok
			})
			if err == nil {
				return c.track(meta, e, id, stateManaged).value, nil
			}
			c.logger.Warn("discarding unreadable cached entity", "entity", meta.Name, "id", id, "error", err)
		}
	}

	rows, err := c.Query(ctx, &storage.Select{
		Entity: meta,
		Where:  query.IDTree(meta),
		Args:   []any{id},
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("find %s %v: %w", meta.Name, id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return c.Materialize(ctx, meta, rows[0], "")
}

// Materialize turns a row into a tracked entity. Columns are read after
// stripping prefix. An already tracked identity is returned untouched so
// unflushed changes survive re-reads. A row whose identifier is null, as
// produced by an outer join with no match, yields nil.
func (c *Context) Materialize(ctx context.Context, meta *entity.Metadata, row storage.Row, prefix string) (any, error) {
	if prefix != "" {
		row = row.Prefixed(prefix)
	}
	raw, _ := row.Get(meta.ID.Column)
	if raw == nil {
		return nil, nil
	}
	if en := c.lookup(meta, raw); en != nil {
		return en.value, nil
	}
	e, err := c.hydrate(meta, row.Get)
	if err != nil {
		return nil, err
	}
	id, _ := meta.Identifier(e)
	en := c.track(meta, e, id, stateManaged)
	if c.cache != nil && len(row.Columns) >= len(meta.Attributes) {
		c.put(ctx, meta, en.id, en.snapshot)
	}
	return e, nil
}

func (c *Context) put(ctx context.Context, meta *entity.Metadata, id any, values map[string]any) {
	if c.deferred {
		if c.pending == nil {
			c.pending = make(map[identity]pendingPut)
		}
		c.pending[identity{typ: meta.Type, id: id}] = pendingPut{meta: meta, id: id, values: maps.Clone(values)}
		return
	}
	if err := c.cache.Put(ctx, meta, id, values); err != nil {
		c.logger.Warn("second-level cache put failed", "entity", meta.Name, "id", id, "error", err)
	}
}

func (c *Context) hydrate(meta *entity.Metadata, get func(column string) (any, bool)) (any, error) {
	e := meta.New()
	for _, a := range meta.Attributes {
		v, ok := get(a.Column)
		if !ok {
			continue
		}
		if err := meta.Set(e, a, v); err != nil {
			return nil, err
		}
	}
	c.rekey(meta, e)
	return e, nil
}

// rekey points every unresolved association of e at its current key: the
// foreign key attribute for to-one, the identifier for to-many
func (c *Context) rekey(meta *entity.Metadata, e any) {
	for _, a := range meta.Associations {
		ref := meta.Reference(e, a)
		if ref.IsResolved() {
			continue
		}
		if a.Kind == entity.ToOne {
			fk, _ := meta.Attribute(a.ForeignKey)
			ref.Unresolve(meta.Get(e, fk))
			continue
		}
		id, _ := meta.Identifier(e)
		ref.Unresolve(id)
	}
}

// Save makes e persistent and returns the tracked instance callers should
// continue to use. An entity without identifier gets one from storage and is
// inserted at flush. An entity with identifier is merged: its attributes are
// copied onto the tracked or freshly loaded instance, or it is inserted when
// storage has no such row.
func (c *Context) Save(ctx context.Context, e any) (any, error) {
	meta, err := c.describe(e)
	if err != nil {
		return nil, err
	}

	id, ok := meta.Identifier(e)
	if !ok {
		if meta.Strategy == entity.IDAssigned {
			return nil, fmt.Errorf("%w: %s uses an assigned identifier", ErrMissingIdentifier, meta.Name)
		}
		id, err = c.store.GenerateIdentifier(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("generate identifier for %s: %w", meta.Name, err)
		}
		if err := meta.SetID(e, id); err != nil {
			return nil, err
		}
		id, _ = meta.Identifier(e)
		c.rekey(meta, e)
		c.track(meta, e, id, stateNew)
		return e, nil
	}

	if en := c.lookup(meta, id); en != nil {
		if en.state == stateRemoved {
			en.state = stateManaged
		}
		return c.merge(en, e)
	}

	loaded, err := c.Find(ctx, meta, id)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		c.rekey(meta, e)
		c.track(meta, e, id, stateNew)
		return e, nil
	}
	return c.merge(c.lookup(meta, id), e)
}

func (c *Context) merge(en *entry, e any) (any, error) {
	if en.value == e {
		return e, nil
	}
	meta := en.meta
	if v := meta.Version; v != nil {
		detached, current := entity.Key(meta.Get(e, v)), entity.Key(meta.Get(en.value, v))
		if !entity.Equal(detached, current) {
			return nil, &OptimisticConflictError{Entity: meta.Name, ID: en.id, Expected: detached, Actual: current}
		}
	}
	if err := meta.Copy(en.value, e); err != nil {
		return nil, fmt.Errorf("merge %s %v: %w", meta.Name, en.id, err)
	}
	c.rekey(meta, en.value)
	return en.value, nil
}

// Remove schedules e for deletion at the next flush. A new entity that was
// never written is simply forgotten.
func (c *Context) Remove(ctx context.Context, e any) error {
	meta, err := c.describe(e)
	if err != nil {
		return err
	}
	id, ok := meta.Identifier(e)
	if !ok {
		return fmt.Errorf("%w: cannot remove %s", ErrMissingIdentifier, meta.Name)
	}
	en := c.lookup(meta, id)
	if en == nil {
		loaded, err := c.Find(ctx, meta, id)
		if err != nil || loaded == nil {
			return err
		}
		en = c.lookup(meta, id)
	}
	if v := meta.Version; v != nil && en.value != e {
		detached, current := entity.Key(meta.Get(e, v)), entity.Key(meta.Get(en.value, v))
		if !entity.Equal(detached, current) {
			return &OptimisticConflictError{Entity: meta.Name, ID: en.id, Expected: detached, Actual: current}
		}
	}
	if en.state == stateNew {
		c.untrack(en)
		return nil
	}
	en.state = stateRemoved
	return nil
}

// Flush writes pending changes: inserts in save order, then updates of
// dirty entities, then deletes. Snapshots are refreshed after each write.
func (c *Context) Flush(ctx context.Context) error {
	entries := c.live()
	var inserts, updates, deletes int

	for _, en := range entries {
		if en.state != stateNew {
			continue
		}
		if err := c.insert(ctx, en); err != nil {
			return err
		}
		inserts++
	}
	for _, en := range entries {
		if en.state != stateManaged || en.readOnly {
			continue
		}
		written, err := c.update(ctx, en)
		if err != nil {
			return err
		}
		if written {
			updates++
		}
	}
	for _, en := range entries {
		if en.state != stateRemoved {
			continue
		}
		if err := c.delete(ctx, en); err != nil {
			return err
		}
		deletes++
	}

	c.metrics.Flushed(inserts, updates, deletes)
	if inserts+updates+deletes > 0 {
		c.logger.Debug("flushed persistence context",
			"inserts", inserts, "updates", updates, "deletes", deletes)
	}
	return nil
}

func (c *Context) insert(ctx context.Context, en *entry) error {
	meta, e := en.meta, en.value
	for _, in := range c.interceptors {
		if err := in.BeforeInsert(ctx, meta, e); err != nil {
			return fmt.Errorf("before insert %s %v: %w", meta.Name, en.id, err)
		}
	}
	if err := c.syncReferences(meta, e); err != nil {
		return err
	}

	values := make([]storage.Assignment, len(meta.Attributes))
	for i, a := range meta.Attributes {
		values[i] = storage.Assignment{Column: a.Column, Value: meta.Get(e, a)}
	}
	if _, err := c.Mutate(ctx, &storage.Mutation{Kind: storage.Insert, Entity: meta, Values: values}); err != nil {
		return fmt.Errorf("insert %s %v: %w", meta.Name, en.id, err)
	}
	en.state = stateManaged
	en.snapshot = meta.Snapshot(e)
	c.rekey(meta, e)
	return nil
}

func (c *Context) update(ctx context.Context, en *entry) (bool, error) {
	meta, e := en.meta, en.value
	if err := c.syncReferences(meta, e); err != nil {
		return false, err
	}
	if len(meta.Diff(e, en.snapshot)) == 0 {
		return false, nil
	}
	dirty := meta.Diff(e, en.snapshot)
	for _, in := range c.interceptors {
		if err := in.BeforeUpdate(ctx, meta, e, dirty); err != nil {
			return false, fmt.Errorf("before update %s %v: %w", meta.Name, en.id, err)
		}
	}
	dirty = meta.Diff(e, en.snapshot)

	values := make([]storage.Assignment, 0, len(dirty)+1)
	for _, a := range dirty {
		if a == meta.Version {
			continue
		}
		values = append(values, storage.Assignment{Column: a.Column, Value: meta.Get(e, a)})
	}
	where, args := query.IDTree(meta), []any{en.id}

	v := meta.Version
	var previous any
	if v != nil {
		previous = en.snapshot[v.Column]
		next, err := nextVersion(previous)
		if err != nil {
			return false, fmt.Errorf("%s.%s: %w", meta.Name, v.Name, err)
		}
		if err := meta.Set(e, v, next); err != nil {
			return false, err
		}
		values = append(values, storage.Assignment{Column: v.Column, Value: meta.Get(e, v)})
		where, args = query.VersionedIDTree(meta), []any{en.id, previous}
	}

	n, err := c.Mutate(ctx, &storage.Mutation{Kind: storage.Update, Entity: meta, Values: values, Where: where, Args: args})
	if err == nil && v != nil && n == 0 {
		err = &OptimisticConflictError{Entity: meta.Name, ID: en.id, Expected: previous}
	}
	if err != nil {
		if v != nil {
			_ = meta.Set(e, v, previous)
		}
		return false, fmt.Errorf("update %s %v: %w", meta.Name, en.id, err)
	}

	en.snapshot = meta.Snapshot(e)
	c.rekey(meta, e)
	c.evict(ctx, meta, en.id)
	return true, nil
}

func (c *Context) delete(ctx context.Context, en *entry) error {
	meta := en.meta
	where, args := query.IDTree(meta), []any{en.id}
	if v := meta.Version; v != nil {
		where, args = query.VersionedIDTree(meta), []any{en.id, en.snapshot[v.Column]}
	}
	n, err := c.Mutate(ctx, &storage.Mutation{Kind: storage.Delete, Entity: meta, Where: where, Args: args})
	if err == nil && meta.Version != nil && n == 0 {
		err = &OptimisticConflictError{Entity: meta.Name, ID: en.id, Expected: args[1]}
	}
	if err != nil {
		return fmt.Errorf("delete %s %v: %w", meta.Name, en.id, err)
	}
	c.untrack(en)
	c.evict(ctx, meta, en.id)
	return nil
}

// syncReferences copies the identifier of each resolved to-one value into
// the owner's foreign key attribute
func (c *Context) syncReferences(meta *entity.Metadata, e any) error {
	for _, a := range meta.Associations {
		if a.Kind != entity.ToOne {
			continue
		}
		ref := meta.Reference(e, a)
		if !ref.IsResolved() {
			continue
		}
		fk, _ := meta.Attribute(a.ForeignKey)
		target := ref.Value()
		if target == nil {
			if err := meta.Set(e, fk, nil); err != nil {
				return err
			}
			continue
		}
		targetMeta, err := a.TargetMetadata()
		if err != nil {
			return err
		}
		id, ok := targetMeta.Identifier(target)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrTransientReference, meta.Name, a.Name)
		}
		if err := meta.Set(e, fk, id); err != nil {
			return err
		}
	}
	return nil
}

// referencesMoved reports whether a resolved to-one value points elsewhere
// than the stored foreign key
func (c *Context) referencesMoved(en *entry) bool {
	for _, a := range en.meta.Associations {
		if a.Kind != entity.ToOne {
			continue
		}
		ref := en.meta.Reference(en.value, a)
		if !ref.IsResolved() {
			continue
		}
		fk, _ := en.meta.Attribute(a.ForeignKey)
		var id any
		if target := ref.Value(); target != nil {
			targetMeta, err := a.TargetMetadata()
			if err != nil {
				return true
			}
			if id, _ = targetMeta.Identifier(target); id == nil {
				return true
			}
		}
		if !entity.Equal(entity.Key(id), entity.Key(en.snapshot[fk.Column])) {
			return true
		}
	}
	return false
}

func nextVersion(current any) (int64, error) {
	switch v := entity.Key(current).(type) {
	case nil:
		return 1, nil
	case int64:
		return v + 1, nil
	case uint64:
		return int64(v) + 1, nil
	default:
		return 0, fmt.Errorf("%w: version must be an integer, got %T", entity.ErrTypeMismatch, current)
	}
}

func (c *Context) evict(ctx context.Context, meta *entity.Metadata, id any) {
	if c.cache == nil {
		return
	}
	if c.deferred {
		k := identity{typ: meta.Type, id: id}
		delete(c.pending, k)
		if c.written == nil {
			c.written = make(map[identity]*entity.Metadata)
		}
		c.written[k] = meta
	}
	if err := c.cache.Evict(ctx, meta, id); err != nil {
		c.logger.Warn("second-level cache evict failed", "entity", meta.Name, "id", id, "error", err)
	}
}

// EvictAll drops every cached entry of meta from the second-level cache
func (c *Context) EvictAll(ctx context.Context, meta *entity.Metadata) error {
	if c.cache == nil {
		return nil
	}
	if c.deferred {
		for k := range c.pending {
			if k.typ == meta.Type {
				delete(c.pending, k)
			}
		}
		if c.bulked == nil {
			c.bulked = make(map[reflect.Type]*entity.Metadata)
		}
		c.bulked[meta.Type] = meta
	}
	return c.cache.EvictAll(ctx, meta)
}

// wroteTo reports whether this transaction wrote the row, making any shared
// cache entry for it stale from its point of view
func (c *Context) wroteTo(k identity) bool {
	if _, ok := c.bulked[k.typ]; ok {
		return true
	}
	_, ok := c.written[k]
	return ok
}

// settle ends the transaction's view of the second-level cache. Entries the
// transaction wrote are evicted again, since other units of work may have
// cached the old committed state meanwhile. Rows it read are published only
// when it committed.
func (c *Context) settle(ctx context.Context, committed bool) {
	if c.cache == nil {
		return
	}
	for _, meta := range c.bulked {
		if err := c.cache.EvictAll(ctx, meta); err != nil {
			c.logger.Warn("second-level cache eviction failed", "entity", meta.Name, "error", err)
		}
	}
	for k, meta := range c.written {
		if _, ok := c.bulked[k.typ]; ok {
			continue
		}
		if err := c.cache.Evict(ctx, meta, k.id); err != nil {
			c.logger.Warn("second-level cache evict failed", "entity", meta.Name, "id", k.id, "error", err)
		}
	}
	if committed {
		for _, p := range c.pending {
			if err := c.cache.Put(ctx, p.meta, p.id, p.values); err != nil {
				c.logger.Warn("second-level cache put failed", "entity", p.meta.Name, "id", p.id, "error", err)
			}
		}
	}
	c.pending, c.written, c.bulked = nil, nil, nil
}

// Query runs a select against the context's storage
func (c *Context) Query(ctx context.Context, q *storage.Select) ([]storage.Row, error) {
	start := time.Now()
	rows, err := c.store.Execute(ctx, q)
	c.metrics.ObserveStatement("select", time.Since(start), err)
	return rows, err
}

// Count runs a count against the context's storage
func (c *Context) Count(ctx context.Context, q *storage.Select) (int64, error) {
	start := time.Now()
	n, err := c.store.ExecuteScalarCount(ctx, q)
	c.metrics.ObserveStatement("count", time.Since(start), err)
	return n, err
}

// Mutate runs a mutation against the context's storage, bypassing tracking
func (c *Context) Mutate(ctx context.Context, m *storage.Mutation) (int64, error) {
	start := time.Now()
	n, err := c.store.ExecuteMutation(ctx, m)
	c.metrics.ObserveStatement(m.Kind.String(), time.Since(start), err)
	return n, err
}
