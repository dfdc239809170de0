// Package repository dispatches repository calls to built-in CRUD
// operations, derived queries, declared statements and bulk mutations.
//
// A Repository is built once per entity type. Every declaration is parsed
// when it is built, so a misspelled attribute or an unbound statement
// parameter fails at startup rather than on first use. Calls take the
// session they run in; the repository itself holds no per-call state and
// may be shared between goroutines.
package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ammar0144/repo4go/pkg/bulk"
	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/loader"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

const findAllMethod = "findAll"

type config struct {
	methods []query.Method
	bulks   []bulk.Declaration
	logger  *slog.Logger
}

// Option configures a Repository
type Option func(*config)

// WithMethods declares query methods
func WithMethods(methods ...query.Method) Option {
	return func(c *config) {
		c.methods = append(c.methods, methods...)
	}
}

// WithBulk declares bulk mutations
func WithBulk(decls ...bulk.Declaration) Option {
	return func(c *config) {
		c.bulks = append(c.bulks, decls...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Repository serves one entity type
type Repository[T any] struct {
	meta    *entity.Metadata
	methods map[string]*query.Plan
	bulks   map[string]*bulk.Plan
	findAll *query.Plan
	logger  *slog.Logger
}

// New builds the repository for T, compiling every declaration
func New[T any](opts ...Option) (*Repository[T], error) {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	meta, err := entity.Of[T]()
	if err != nil {
		return nil, err
	}

	r := &Repository[T]{
		meta:    meta,
		methods: make(map[string]*query.Plan, len(cfg.methods)),
		bulks:   make(map[string]*bulk.Plan, len(cfg.bulks)),
		logger:  cfg.logger.With("entity", meta.Name),
	}
	for _, m := range cfg.methods {
		if r.declared(m.Name) {
			return nil, &query.MalformedDescriptorError{Method: m.Name, Reason: "declared more than once"}
		}
		p, err := query.Parse(meta, m)
		if err != nil {
			return nil, err
		}
		if p.Shape == query.ShapeScalar && len(p.Columns) > 1 {
			return nil, &query.MalformedDescriptorError{Method: m.Name, Reason: "scalar methods select exactly one attribute"}
		}
		r.methods[m.Name] = p
	}
	for _, d := range cfg.bulks {
		if r.declared(d.Name) {
			return nil, &query.MalformedDescriptorError{Method: d.Name, Reason: "declared more than once"}
		}
		p, err := bulk.Compile(meta, d)
		if err != nil {
			return nil, err
		}
		r.bulks[d.Name] = p
	}

	if p, ok := r.methods[findAllMethod]; ok {
		if p.Shape != query.ShapeSequence || p.Tree.Slots() > 0 {
			return nil, &query.MalformedDescriptorError{Method: findAllMethod, Reason: "findAll overrides must take no arguments and return a sequence"}
		}
		r.findAll = p
	} else {
		p, err := query.Parse(meta, query.Method{Name: findAllMethod})
		if err != nil {
			return nil, err
		}
		r.findAll = p
	}

	r.logger.Debug("repository built", "methods", len(r.methods), "bulk", len(r.bulks))
	return r, nil
}

// MustNew is like New but panics on error
func MustNew[T any](opts ...Option) *Repository[T] {
	r, err := New[T](opts...)
	if err != nil {
		panic(fmt.Sprintf("repository for %T: %v", *new(T), err))
	}
	return r
}

func (r *Repository[T]) declared(name string) bool {
	_, m := r.methods[name]
	_, b := r.bulks[name]
	return m || b
}

// Metadata returns the entity metadata
func (r *Repository[T]) Metadata() *entity.Metadata {
	return r.meta
}

// Plan returns the compiled declaration of a query method
func (r *Repository[T]) Plan(name string) (*query.Plan, bool) {
	p, ok := r.methods[name]
	return p, ok
}

func (r *Repository[T]) plan(name string, shapes ...query.Shape) (*query.Plan, error) {
	p, ok := r.methods[name]
	if !ok {
		return nil, unknownMethod(r.meta.Name, name)
	}
	for _, s := range shapes {
		if p.Shape == s {
			return p, nil
		}
	}
	return nil, shapeMismatch(name, p.Shape, shapes[0])
}

// window is an extra offset, limit and sort applied on top of a plan
type window struct {
	offset int
	limit  int
	sort   query.Sort
}

func (r *Repository[T]) selectFor(p *query.Plan, args []any, w window) (*storage.Select, error) {
	bound, err := p.Bind(args)
	if err != nil {
		return nil, err
	}
	if err := w.sort.Validate(r.meta); err != nil {
		return nil, err
	}
	limit := w.limit
	if p.Limit > 0 && (limit == 0 || p.Limit < limit) {
		limit = p.Limit
	}
	return &storage.Select{
		Entity:    r.meta,
		Where:     p.Tree,
		Args:      bound,
		Statement: p.Statement,
		Sort:      p.Sort.And(w.sort),
		Offset:    w.offset,
		Limit:     limit,
		Lock:      p.Method.Lock,
		Columns:   p.Columns,
	}, nil
}

// entities runs an entity-returning plan, applying its fetch plan and hints
func (r *Repository[T]) entities(ctx context.Context, s *persistence.Session, p *query.Plan, args []any, w window) ([]*T, error) {
	if err := s.BeforeQuery(ctx); err != nil {
		return nil, err
	}
	q, err := r.selectFor(p, args, w)
	if err != nil {
		return nil, err
	}
	q.Columns = nil

	pc := s.Context()
	l := loader.New(pc, loader.WithLogger(r.logger))

	var joins []storage.Join
	if p.Statement == nil {
		if joins, err = loader.Joins(r.meta, p.Associations(query.FetchEagerJoin)); err != nil {
			return nil, err
		}
	}
	inMemory := loader.HasCollectionJoin(joins) && (q.Offset > 0 || q.Limit > 0)
	offset, limit := q.Offset, q.Limit
	if inMemory {
		r.logger.Warn("applying window in memory after joining a collection",
			"method", p.Method.Name, "offset", offset, "limit", limit)
		q.Offset, q.Limit = 0, 0
	}
	q.Joins = joins

	rows, err := pc.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	var roots []any
	if len(joins) > 0 {
		if roots, err = l.Assemble(ctx, r.meta, rows, joins); err != nil {
			return nil, err
		}
	} else {
		roots = make([]any, 0, len(rows))
		for _, row := range rows {
			v, err := pc.Materialize(ctx, r.meta, row, "")
			if err != nil {
				return nil, err
			}
			if v != nil {
				roots = append(roots, v)
			}
		}
	}
	if inMemory {
		roots = sliceWindow(roots, offset, limit)
	}

	if err := l.LoadGraphs(ctx, roots, p.Associations(query.FetchEagerGraph)); err != nil {
		return nil, err
	}

	out := make([]*T, len(roots))
	for i, v := range roots {
		if p.Method.ReadOnly {
			pc.SetReadOnly(v, true)
		}
		out[i] = v.(*T)
	}
	return out, nil
}

func (r *Repository[T]) count(ctx context.Context, s *persistence.Session, p *query.Plan, args []any) (int64, error) {
	if err := s.BeforeQuery(ctx); err != nil {
		return 0, err
	}
	bound, err := p.BindCount(args)
	if err != nil {
		return 0, err
	}
	q := &storage.Select{Entity: r.meta, Where: p.Tree, Args: bound, Statement: p.Count}
	if p.Statement != nil && p.Count == nil {
		q.Statement = p.Statement
	}
	return s.Context().Count(ctx, q)
}

func sliceWindow(items []any, offset, limit int) []any {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
