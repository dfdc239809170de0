// Package loader resolves association references. Lazy resolution fetches
// one reference at a time, EagerJoin assembles references from joined rows
// and EagerGraph batches all references of a result into one IN query.
// Every strategy resolves through the persistence context, so the attached
// values are the tracked instances.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// Loader resolves references against one persistence context
type Loader struct {
	pc     *persistence.Context
	logger *slog.Logger
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a loader over pc
func New(pc *persistence.Context, opts ...Option) *Loader {
	l := &Loader{pc: pc, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func association(owner any, name string) (*entity.Metadata, *entity.Association, *entity.Metadata, error) {
	meta, err := entity.Describe(owner)
	if err != nil {
		return nil, nil, nil, err
	}
	assoc, ok := meta.Association(name)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownAssociation, meta.Name, name)
	}
	target, err := assoc.TargetMetadata()
	if err != nil {
		return nil, nil, nil, err
	}
	return meta, assoc, target, nil
}

// Resolve loads the named association of owner unless it is already resolved
func (l *Loader) Resolve(ctx context.Context, owner any, name string) error {
	meta, assoc, target, err := association(owner, name)
	if err != nil {
		return err
	}
	ref := meta.Reference(owner, assoc)
	if ref.IsResolved() {
		return nil
	}
	if assoc.Kind == entity.ToOne {
		return l.resolveOne(ctx, target, ref)
	}

	key := ref.ForeignKey()
	if isNil(key) {
		ref.Resolve([]any{})
		return nil
	}
	where, err := query.Condition(target, assoc.ForeignKey, query.Equals)
	if err != nil {
		return err
	}
	rows, err := l.pc.Query(ctx, &storage.Select{
		Entity: target,
		Where:  where,
		Args:   []any{key},
		Sort:   query.By(target.ID.Name),
	})
	if err != nil {
		return fmt.Errorf("load %s.%s: %w", meta.Name, name, err)
	}
	items := make([]any, 0, len(rows))
	for _, row := range rows {
		v, err := l.pc.Materialize(ctx, target, row, "")
		if err != nil {
			return err
		}
		items = append(items, v)
	}
	ref.Resolve(items)
	return nil
}

func (l *Loader) resolveOne(ctx context.Context, target *entity.Metadata, ref entity.Reference) error {
	key := ref.ForeignKey()
	if isNil(key) {
		ref.Resolve(nil)
		return nil
	}
	v, err := l.pc.Find(ctx, target, key)
	if err != nil {
		return err
	}
	ref.Resolve(v)
	return nil
}

// Get returns the value of a to-one reference, fetching it on first access
func Get[T any](ctx context.Context, l *Loader, ref *entity.Ref[T]) (*T, error) {
	if v, ok := ref.Get(); ok {
		return v, nil
	}
	target, err := entity.Of[T]()
	if err != nil {
		return nil, err
	}
	if err := l.resolveOne(ctx, target, ref); err != nil {
		return nil, err
	}
	v, _ := ref.Get()
	return v, nil
}

// GetAll returns the named to-many association of owner, fetching it on
// first access
func GetAll[T any](ctx context.Context, l *Loader, owner any, name string) ([]*T, error) {
	if err := l.Resolve(ctx, owner, name); err != nil {
		return nil, err
	}
	meta, _, _, err := association(owner, name)
	if err != nil {
		return nil, err
	}
	assoc, _ := meta.Association(name)
	refs, ok := meta.Reference(owner, assoc).(*entity.Refs[T])
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s does not hold %T", entity.ErrTypeMismatch, meta.Name, name, new(T))
	}
	items, _ := refs.Get()
	return items, nil
}

// Joins builds the storage joins for the named associations of meta
func Joins(meta *entity.Metadata, names []string) ([]storage.Join, error) {
	joins := make([]storage.Join, 0, len(names))
	for _, name := range names {
		assoc, ok := meta.Association(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownAssociation, meta.Name, name)
		}
		target, err := assoc.TargetMetadata()
		if err != nil {
			return nil, err
		}
		joins = append(joins, storage.Join{Association: assoc, Target: target})
	}
	return joins, nil
}

// HasCollectionJoin reports whether any join fans out to-many rows
func HasCollectionJoin(joins []storage.Join) bool {
	for _, j := range joins {
		if j.Association.Kind == entity.ToMany {
			return true
		}
	}
	return false
}

// Assemble materializes joined rows. Roots are deduplicated by identity in
// first-seen order and joined targets are attached to references that were
// unresolved before the call.
func (l *Loader) Assemble(ctx context.Context, meta *entity.Metadata, rows []storage.Row, joins []storage.Join) ([]any, error) {
	type slot struct {
		ref   entity.Reference
		items []any
		seen  map[any]bool
	}
	var roots []any
	seenRoots := make(map[any]bool)
	slots := make(map[any]map[string]*slot)

	for _, row := range rows {
		root, err := l.pc.Materialize(ctx, meta, row, "")
		if err != nil {
			return nil, err
		}
		if root == nil {
			continue
		}
		if !seenRoots[root] {
			seenRoots[root] = true
			roots = append(roots, root)
			slots[root] = make(map[string]*slot, len(joins))
			for _, j := range joins {
				ref := meta.Reference(root, j.Association)
				if !ref.IsResolved() {
					slots[root][j.Association.Name] = &slot{ref: ref, seen: make(map[any]bool)}
				}
			}
		}
		for _, j := range joins {
			s := slots[root][j.Association.Name]
			if s == nil {
				continue
			}
			target, err := l.pc.Materialize(ctx, j.Target, row, j.Prefix())
			if err != nil {
				return nil, err
			}
			if target == nil || s.seen[target] {
				continue
			}
			s.seen[target] = true
			s.items = append(s.items, target)
		}
	}

	for _, root := range roots {
		for _, j := range joins {
			s := slots[root][j.Association.Name]
			if s == nil {
				continue
			}
			if j.Association.Kind == entity.ToMany {
				s.ref.Resolve(append([]any{}, s.items...))
				continue
			}
			if len(s.items) > 0 {
				s.ref.Resolve(s.items[0])
			} else {
				s.ref.Resolve(nil)
			}
		}
	}
	return roots, nil
}

// LoadGraph resolves the named association for every owner with at most one
// additional query, keyed by the distinct unresolved keys of the batch
func (l *Loader) LoadGraph(ctx context.Context, owners []any, name string) error {
	if len(owners) == 0 {
		return nil
	}
	meta, assoc, target, err := association(owners[0], name)
	if err != nil {
		return err
	}

	var pending []entity.Reference
	var keys []any
	seen := make(map[any]bool)
	for _, owner := range owners {
		ref := meta.Reference(owner, assoc)
		if ref.IsResolved() {
			continue
		}
		pending = append(pending, ref)
		key := ref.ForeignKey()
		if isNil(key) || seen[entity.Key(key)] {
			continue
		}
		seen[entity.Key(key)] = true
		if assoc.Kind == entity.ToOne {
			if _, ok := l.pc.Get(target, key); ok {
				continue
			}
		}
		keys = append(keys, entity.Key(key))
	}
	if len(pending) == 0 {
		return nil
	}

	if assoc.Kind == entity.ToOne {
		if len(keys) > 0 {
			if err := l.fetch(ctx, target, query.IDsTree(target), keys, nil); err != nil {
				return fmt.Errorf("load %s.%s: %w", meta.Name, name, err)
			}
		}
		for _, ref := range pending {
			key := ref.ForeignKey()
			if isNil(key) {
				ref.Resolve(nil)
				continue
			}
			v, _ := l.pc.Get(target, key)
			ref.Resolve(v)
		}
		return nil
	}

	fk, ok := target.Attribute(assoc.ForeignKey)
	if !ok {
		return fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, target.Name, assoc.ForeignKey)
	}
	groups := make(map[any][]any)
	if len(keys) > 0 {
		where, err := query.Condition(target, assoc.ForeignKey, query.In)
		if err != nil {
			return err
		}
		collect := func(v any) {
			k := entity.Key(target.Get(v, fk))
			groups[k] = append(groups[k], v)
		}
		if err := l.fetch(ctx, target, where, keys, collect); err != nil {
			return fmt.Errorf("load %s.%s: %w", meta.Name, name, err)
		}
	}
	for _, ref := range pending {
		ref.Resolve(append([]any{}, groups[entity.Key(ref.ForeignKey())]...))
	}
	return nil
}

// LoadGraphs runs LoadGraph for each association name
func (l *Loader) LoadGraphs(ctx context.Context, owners []any, names []string) error {
	for _, name := range names {
		if err := l.LoadGraph(ctx, owners, name); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) fetch(ctx context.Context, target *entity.Metadata, where *query.Tree, keys []any, each func(any)) error {
	rows, err := l.pc.Query(ctx, &storage.Select{
		Entity: target,
		Where:  where,
		Args:   []any{keys},
		Sort:   query.By(target.ID.Name),
	})
	if err != nil {
		return err
	}
	l.logger.Debug("batch loaded association targets", "entity", target.Name, "keys", len(keys), "rows", len(rows))
	for _, row := range rows {
		v, err := l.pc.Materialize(ctx, target, row, "")
		if err != nil {
			return err
		}
		if each != nil && v != nil {
			each(v)
		}
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return rv.IsNil()
	}
	return false
}
