package repository

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ammar0144/repo4go/pkg/bulk"
	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/paging"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// Find runs a sequence method
func (r *Repository[T]) Find(ctx context.Context, s *persistence.Session, name string, args ...any) ([]*T, error) {
	p, err := r.plan(name, query.ShapeSequence)
	if err != nil {
		return nil, err
	}
	return r.entities(ctx, s, p, args, window{})
}

// FindOne runs a single-result method. No match is a NotFoundError and
// more than one match is ErrNonUniqueResult.
func (r *Repository[T]) FindOne(ctx context.Context, s *persistence.Session, name string, args ...any) (*T, error) {
	p, err := r.plan(name, query.ShapeSingle)
	if err != nil {
		return nil, err
	}
	found, err := r.entities(ctx, s, p, args, window{})
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, &NotFoundError{Entity: r.meta.Name, Method: name}
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("%w: %s matched %d %s rows", ErrNonUniqueResult, name, len(found), r.meta.Name)
}

// FindOptional runs an optional-result method, returning nil when nothing
// matches
func (r *Repository[T]) FindOptional(ctx context.Context, s *persistence.Session, name string, args ...any) (*T, error) {
	p, err := r.plan(name, query.ShapeOptional)
	if err != nil {
		return nil, err
	}
	found, err := r.entities(ctx, s, p, args, window{})
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("%w: %s matched %d %s rows", ErrNonUniqueResult, name, len(found), r.meta.Name)
}

// FindPage runs a page method: one bounded fetch and one count
func (r *Repository[T]) FindPage(ctx context.Context, s *persistence.Session, name string, req paging.Request, args ...any) (*paging.Page[*T], error) {
	p, err := r.plan(name, query.ShapePage)
	if err != nil {
		return nil, err
	}
	return r.page(ctx, s, p, req, args)
}

// FindSlice runs a slice method: one fetch of limit+1 rows, no count
func (r *Repository[T]) FindSlice(ctx context.Context, s *persistence.Session, name string, req paging.Request, args ...any) (*paging.Slice[*T], error) {
	p, err := r.plan(name, query.ShapeSlice)
	if err != nil {
		return nil, err
	}
	return r.slice(ctx, s, p, req, args)
}

// CountBy runs a count method
func (r *Repository[T]) CountBy(ctx context.Context, s *persistence.Session, name string, args ...any) (int64, error) {
	p, err := r.plan(name, query.ShapeCount)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, s, p, args)
}

// ExistsBy runs an exists method, reading at most one identifier
func (r *Repository[T]) ExistsBy(ctx context.Context, s *persistence.Session, name string, args ...any) (bool, error) {
	p, err := r.plan(name, query.ShapeExists)
	if err != nil {
		return false, err
	}
	rows, err := r.rows(ctx, s, p, args, window{limit: 1})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// DeleteBy runs a derived delete: matching entities are loaded and removed
// through the persistence context, so interceptors, versions and cache
// eviction apply. It returns the number removed.
func (r *Repository[T]) DeleteBy(ctx context.Context, s *persistence.Session, name string, args ...any) (int64, error) {
	p, err := r.plan(name, query.ShapeDelete)
	if err != nil {
		return 0, err
	}
	found, err := r.entities(ctx, s, p, args, window{})
	if err != nil {
		return 0, err
	}
	for _, e := range found {
		if err := s.Context().Remove(ctx, e); err != nil {
			return 0, err
		}
	}
	return int64(len(found)), nil
}

// Modify runs a declared bulk mutation
func (r *Repository[T]) Modify(ctx context.Context, s *persistence.Session, name string, args ...any) (int64, error) {
	p, ok := r.bulks[name]
	if !ok {
		if _, declared := r.methods[name]; declared {
			return 0, fmt.Errorf("%w: %s is a query method, not a bulk mutation", ErrShapeMismatch, name)
		}
		return 0, unknownMethod(r.meta.Name, name)
	}
	return bulk.Execute(ctx, s, p, args...)
}

func (r *Repository[T]) rows(ctx context.Context, s *persistence.Session, p *query.Plan, args []any, w window) ([]storage.Row, error) {
	if err := s.BeforeQuery(ctx); err != nil {
		return nil, err
	}
	q, err := r.selectFor(p, args, w)
	if err != nil {
		return nil, err
	}
	if p.Shape == query.ShapeExists && p.Statement == nil {
		q.Columns = []string{r.meta.ID.Column}
	}
	return s.Context().Query(ctx, q)
}

// Scalars runs a scalar method, converting the first column of each row to S
func Scalars[S, T any](ctx context.Context, r *Repository[T], s *persistence.Session, name string, args ...any) ([]S, error) {
	p, err := r.plan(name, query.ShapeScalar)
	if err != nil {
		return nil, err
	}
	rows, err := r.rows(ctx, s, p, args, window{})
	if err != nil {
		return nil, err
	}
	out := make([]S, 0, len(rows))
	for _, row := range rows {
		if len(row.Values) == 0 {
			continue
		}
		var v S
		if err := entity.Assign(reflect.ValueOf(&v).Elem(), row.Values[0]); err != nil {
			return nil, fmt.Errorf("%s: column %s: %w", name, row.Columns[0], err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Project runs a projection method, filling the exported fields of D from
// the row columns by position
func Project[D, T any](ctx context.Context, r *Repository[T], s *persistence.Session, name string, args ...any) ([]D, error) {
	dt := reflect.TypeOf((*D)(nil)).Elem()
	if dt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: projection target %s is not a struct", ErrShapeMismatch, dt)
	}
	p, err := r.plan(name, query.ShapeProjection)
	if err != nil {
		return nil, err
	}
	rows, err := r.rows(ctx, s, p, args, window{})
	if err != nil {
		return nil, err
	}

	var fields []int
	for i := 0; i < dt.NumField(); i++ {
		if dt.Field(i).IsExported() {
			fields = append(fields, i)
		}
	}
	out := make([]D, 0, len(rows))
	for _, row := range rows {
		var d D
		dv := reflect.ValueOf(&d).Elem()
		for i, v := range row.Values {
			if i >= len(fields) {
				break
			}
			f := dt.Field(fields[i])
			if err := entity.Assign(dv.Field(fields[i]), v); err != nil {
				return nil, fmt.Errorf("%s: field %s: %w", name, f.Name, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}
