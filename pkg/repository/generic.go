package repository

import (
	"context"
	"fmt"

	"github.com/ammar0144/repo4go/pkg/paging"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// Save makes e persistent and returns the instance to keep using. A new
// entity is inserted at the next flush; a detached one is merged onto the
// tracked copy.
func (r *Repository[T]) Save(ctx context.Context, s *persistence.Session, e *T) (*T, error) {
	if e == nil {
		return nil, fmt.Errorf("save %s: entity cannot be nil", r.meta.Name)
	}
	v, err := s.Context().Save(ctx, e)
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

// SaveAll saves each entity in order
func (r *Repository[T]) SaveAll(ctx context.Context, s *persistence.Session, es []*T) ([]*T, error) {
	out := make([]*T, 0, len(es))
	for _, e := range es {
		v, err := r.Save(ctx, s, e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// FindByID returns the entity with id, or nil when none exists
func (r *Repository[T]) FindByID(ctx context.Context, s *persistence.Session, id any) (*T, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: find %s", persistence.ErrMissingIdentifier, r.meta.Name)
	}
	v, err := s.Context().Find(ctx, r.meta, id)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*T), nil
}

// GetByID is like FindByID but fails with NotFoundError when none exists
func (r *Repository[T]) GetByID(ctx context.Context, s *persistence.Session, id any) (*T, error) {
	e, err := r.FindByID(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, &NotFoundError{Entity: r.meta.Name, Method: "getByID", ID: id}
	}
	return e, nil
}

// ExistsByID reports whether an entity with id exists
func (r *Repository[T]) ExistsByID(ctx context.Context, s *persistence.Session, id any) (bool, error) {
	e, err := r.FindByID(ctx, s, id)
	return e != nil, err
}

// FindAll returns every entity. A declared findAll method supplies the
// fetch plan and static order; orders are appended after it.
func (r *Repository[T]) FindAll(ctx context.Context, s *persistence.Session, orders ...query.Order) ([]*T, error) {
	return r.entities(ctx, s, r.findAll, nil, window{sort: query.Sort(orders)})
}

// FindAllPage returns one page of every entity
func (r *Repository[T]) FindAllPage(ctx context.Context, s *persistence.Session, req paging.Request) (*paging.Page[*T], error) {
	return r.page(ctx, s, r.findAll, req, nil)
}

// Count returns the number of entities
func (r *Repository[T]) Count(ctx context.Context, s *persistence.Session) (int64, error) {
	if err := s.BeforeQuery(ctx); err != nil {
		return 0, err
	}
	return s.Context().Count(ctx, &storage.Select{Entity: r.meta})
}

// Delete removes e at the next flush
func (r *Repository[T]) Delete(ctx context.Context, s *persistence.Session, e *T) error {
	if e == nil {
		return fmt.Errorf("delete %s: entity cannot be nil", r.meta.Name)
	}
	return s.Context().Remove(ctx, e)
}

// DeleteByID loads and removes the entity with id. A missing entity is not
// an error.
func (r *Repository[T]) DeleteByID(ctx context.Context, s *persistence.Session, id any) error {
	e, err := r.FindByID(ctx, s, id)
	if err != nil || e == nil {
		return err
	}
	return s.Context().Remove(ctx, e)
}

func (r *Repository[T]) page(ctx context.Context, s *persistence.Session, p *query.Plan, req paging.Request, args []any) (*paging.Page[*T], error) {
	fetch := func(ctx context.Context, offset, limit int) ([]*T, error) {
		return r.entities(ctx, s, p, args, window{offset: offset, limit: limit, sort: req.Sort})
	}
	count := func(ctx context.Context) (int64, error) {
		return r.count(ctx, s, p, args)
	}
	return paging.FetchPage(ctx, req, fetch, count)
}

func (r *Repository[T]) slice(ctx context.Context, s *persistence.Session, p *query.Plan, req paging.Request, args []any) (*paging.Slice[*T], error) {
	fetch := func(ctx context.Context, offset, limit int) ([]*T, error) {
		return r.entities(ctx, s, p, args, window{offset: offset, limit: limit, sort: req.Sort})
	}
	return paging.FetchSlice(ctx, req, fetch)
}
