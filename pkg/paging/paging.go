// Package paging computes bounded results: pages carry a total count from an
// unjoined count query, slices fetch one extra row to learn whether more
// exist.
package paging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ammar0144/repo4go/pkg/query"
)

// ErrInvalidPageRequest is wrapped by InvalidPageRequestError
var ErrInvalidPageRequest = errors.New("invalid page request")

// InvalidPageRequestError reports an unusable offset or limit
type InvalidPageRequestError struct {
	Offset int
	Limit  int
	Reason string
}

func (e *InvalidPageRequestError) Error() string {
	return fmt.Sprintf("invalid page request (offset %d, limit %d): %s", e.Offset, e.Limit, e.Reason)
}

func (e *InvalidPageRequestError) Unwrap() error {
	return ErrInvalidPageRequest
}

// IsInvalidPageRequest checks if an error is an invalid page request
func IsInvalidPageRequest(err error) bool {
	return errors.Is(err, ErrInvalidPageRequest)
}

// Request is an offset/limit window with a sort order
type Request struct {
	Offset int        `json:"offset" yaml:"offset"`
	Limit  int        `json:"limit" yaml:"limit"`
	Sort   query.Sort `json:"sort,omitempty" yaml:"sort,omitempty"`
}

// Of builds the request for zero-based page number page of the given size
func Of(page, size int, orders ...query.Order) (Request, error) {
	if page < 0 {
		return Request{}, &InvalidPageRequestError{Offset: page * size, Limit: size, Reason: "page number must not be negative"}
	}
	return OfOffset(page*size, size, orders...)
}

// OfOffset builds a request from a raw offset and limit
func OfOffset(offset, limit int, orders ...query.Order) (Request, error) {
	r := Request{Offset: offset, Limit: limit, Sort: query.Sort(orders)}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Validate checks the window bounds
func (r Request) Validate() error {
	if r.Limit <= 0 {
		return &InvalidPageRequestError{Offset: r.Offset, Limit: r.Limit, Reason: "limit must be positive"}
	}
	if r.Offset < 0 {
		return &InvalidPageRequestError{Offset: r.Offset, Limit: r.Limit, Reason: "offset must not be negative"}
	}
	return nil
}

// Number is the zero-based page number, offset/limit
func (r Request) Number() int {
	if r.Limit <= 0 {
		return 0
	}
	return r.Offset / r.Limit
}

// Next returns the request for the following window
func (r Request) Next() Request {
	return Request{Offset: r.Offset + r.Limit, Limit: r.Limit, Sort: r.Sort}
}

// Previous returns the request for the preceding window, or First
func (r Request) Previous() Request {
	if r.Offset < r.Limit {
		return r.First()
	}
	return Request{Offset: r.Offset - r.Limit, Limit: r.Limit, Sort: r.Sort}
}

// First returns the request for the first window
func (r Request) First() Request {
	return Request{Limit: r.Limit, Sort: r.Sort}
}

// IsFirst reports whether the request starts at offset zero
func (r Request) IsFirst() bool {
	return r.Offset == 0
}

// FetchFunc reads one window of content
type FetchFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// CountFunc counts root entities matching the same predicate, unjoined
type CountFunc func(ctx context.Context) (int64, error)

// Page is a window of content with the total number of elements
type Page[T any] struct {
	Content       []T     `json:"content"`
	Request       Request `json:"request"`
	Number        int     `json:"number"`
	Size          int     `json:"size"`
	TotalElements int64   `json:"total_elements"`
	TotalPages    int     `json:"total_pages"`
}

// NewPage assembles a page. total is raised to cover the content when a
// concurrent writer made the count lag behind.
func NewPage[T any](content []T, req Request, total int64) *Page[T] {
	if covered := int64(req.Offset + len(content)); len(content) > 0 && total < covered {
		total = covered
	}
	if total < int64(len(content)) {
		total = int64(len(content))
	}
	pages := 0
	if req.Limit > 0 {
		pages = int((total + int64(req.Limit) - 1) / int64(req.Limit))
	}
	return &Page[T]{
		Content:       content,
		Request:       req,
		Number:        req.Number(),
		Size:          req.Limit,
		TotalElements: total,
		TotalPages:    pages,
	}
}

// NumberOfElements is the length of Content
func (p *Page[T]) NumberOfElements() int { return len(p.Content) }

// HasContent reports whether the page holds any element
func (p *Page[T]) HasContent() bool { return len(p.Content) > 0 }

// IsFirst reports whether this is the first page
func (p *Page[T]) IsFirst() bool { return p.Request.IsFirst() }

// HasNext reports whether a following page exists
func (p *Page[T]) HasNext() bool { return p.Number+1 < p.TotalPages }

// IsLast reports whether no following page exists
func (p *Page[T]) IsLast() bool { return !p.HasNext() }

// HasPrevious reports whether a preceding page exists
func (p *Page[T]) HasPrevious() bool { return !p.IsFirst() }

// NextRequest returns the request for the following page
func (p *Page[T]) NextRequest() Request { return p.Request.Next() }

// PreviousRequest returns the request for the preceding page
func (p *Page[T]) PreviousRequest() Request { return p.Request.Previous() }

// Slice is a window of content that knows only whether more exists
type Slice[T any] struct {
	Content []T     `json:"content"`
	Request Request `json:"request"`
	Number  int     `json:"number"`
	Size    int     `json:"size"`
	More    bool    `json:"has_next"`
}

// NewSlice assembles a slice
func NewSlice[T any](content []T, req Request, hasNext bool) *Slice[T] {
	return &Slice[T]{
		Content: content,
		Request: req,
		Number:  req.Number(),
		Size:    req.Limit,
		More:    hasNext,
	}
}

// NumberOfElements is the length of Content
func (s *Slice[T]) NumberOfElements() int { return len(s.Content) }

// HasContent reports whether the slice holds any element
func (s *Slice[T]) HasContent() bool { return len(s.Content) > 0 }

// IsFirst reports whether this is the first slice
func (s *Slice[T]) IsFirst() bool { return s.Request.IsFirst() }

// HasNext reports whether more content follows
func (s *Slice[T]) HasNext() bool { return s.More }

// IsLast reports whether no content follows
func (s *Slice[T]) IsLast() bool { return !s.More }

// HasPrevious reports whether a preceding slice exists
func (s *Slice[T]) HasPrevious() bool { return !s.IsFirst() }

// NextRequest returns the request for the following slice
func (s *Slice[T]) NextRequest() Request { return s.Request.Next() }

// FetchPage runs one bounded fetch and one count query
func FetchPage[T any](ctx context.Context, req Request, fetch FetchFunc[T], count CountFunc) (*Page[T], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	content, err := fetch(ctx, req.Offset, req.Limit)
	if err != nil {
		return nil, err
	}
	if len(content) > req.Limit {
		content = content[:req.Limit]
	}
	total, err := count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count page total: %w", err)
	}
	return NewPage(content, req, total), nil
}

// FetchSlice requests limit+1 rows; receiving all of them means another
// slice exists, and the extra row is dropped
func FetchSlice[T any](ctx context.Context, req Request, fetch FetchFunc[T]) (*Slice[T], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	content, err := fetch(ctx, req.Offset, req.Limit+1)
	if err != nil {
		return nil, err
	}
	hasNext := len(content) > req.Limit
	if hasNext {
		content = content[:req.Limit]
	}
	return NewSlice(content, req, hasNext), nil
}

// MapPage converts the content of p, keeping its paging metadata
func MapPage[T, U any](p *Page[T], fn func(T) U) *Page[U] {
	out := make([]U, len(p.Content))
	for i, v := range p.Content {
		out[i] = fn(v)
	}
	return &Page[U]{
		Content:       out,
		Request:       p.Request,
		Number:        p.Number,
		Size:          p.Size,
		TotalElements: p.TotalElements,
		TotalPages:    p.TotalPages,
	}
}

// MapSlice converts the content of s, keeping its paging metadata
func MapSlice[T, U any](s *Slice[T], fn func(T) U) *Slice[U] {
	out := make([]U, len(s.Content))
	for i, v := range s.Content {
		out[i] = fn(v)
	}
	return &Slice[U]{Content: out, Request: s.Request, Number: s.Number, Size: s.Size, More: s.More}
}
