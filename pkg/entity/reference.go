package entity

import "reflect"

// Reference is implemented by association fields (*Ref[T] and *Refs[T]).
// A reference is either Resolved, holding its value, or Unresolved, holding
// the key needed to fetch it. Loaders switch it from one state to the other;
// nothing resolves implicitly.
type Reference interface {
	// TargetType returns the struct type of the referenced entity
	TargetType() reflect.Type
	// Many reports whether the reference is a to-many collection
	Many() bool
	// IsResolved reports whether the value has been loaded
	IsResolved() bool
	// ForeignKey returns the key used to fetch the value: the foreign key for
	// to-one references, the owner's identifier for to-many references
	ForeignKey() any
	// Unresolve drops any cached value and records the fetch key
	Unresolve(key any)
	// Resolve caches the loaded value (*T for Ref, []*T for Refs, or nil)
	Resolve(value any)
	// Value returns the cached value, or nil when unresolved or empty
	Value() any
}

var referenceType = reflect.TypeOf((*Reference)(nil)).Elem()

// Ref is a to-one association
type Ref[T any] struct {
	key      any
	value    *T
	resolved bool
}

// Resolved returns a to-one reference already holding v
func Resolved[T any](v *T) Ref[T] {
	return Ref[T]{value: v, resolved: true}
}

// Unresolved returns a to-one reference that will be fetched by key
func Unresolved[T any](key any) Ref[T] {
	return Ref[T]{key: key}
}

// Get returns the cached value and whether the reference is resolved
func (r *Ref[T]) Get() (*T, bool) {
	return r.value, r.resolved
}

// Set replaces the referenced value. The owner's foreign key follows on flush.
func (r *Ref[T]) Set(v *T) {
	r.value = v
	r.resolved = true
}

func (r *Ref[T]) TargetType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (r *Ref[T]) Many() bool { return false }

func (r *Ref[T]) IsResolved() bool { return r.resolved }

func (r *Ref[T]) ForeignKey() any { return r.key }

func (r *Ref[T]) Unresolve(key any) {
	r.key = key
	r.value = nil
	r.resolved = false
}

func (r *Ref[T]) Resolve(value any) {
	v, _ := value.(*T)
	r.value = v
	r.resolved = true
}

func (r *Ref[T]) Value() any {
	if !r.resolved || r.value == nil {
		return nil
	}
	return r.value
}

// Refs is a to-many association keyed by the owner's identifier
type Refs[T any] struct {
	key      any
	items    []*T
	resolved bool
}

// ResolvedAll returns a to-many reference already holding items
func ResolvedAll[T any](items ...*T) Refs[T] {
	return Refs[T]{items: items, resolved: true}
}

// Get returns the cached items and whether the collection is resolved
func (r *Refs[T]) Get() ([]*T, bool) {
	return r.items, r.resolved
}

// Set replaces the cached collection
func (r *Refs[T]) Set(items []*T) {
	r.items = items
	r.resolved = true
}

func (r *Refs[T]) TargetType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (r *Refs[T]) Many() bool { return true }

func (r *Refs[T]) IsResolved() bool { return r.resolved }

func (r *Refs[T]) ForeignKey() any { return r.key }

func (r *Refs[T]) Unresolve(key any) {
	r.key = key
	r.items = nil
	r.resolved = false
}

func (r *Refs[T]) Resolve(value any) {
	switch v := value.(type) {
	case []*T:
		r.items = v
	case []any:
		items := make([]*T, 0, len(v))
		for _, item := range v {
			if t, ok := item.(*T); ok {
				items = append(items, t)
			}
		}
		r.items = items
	default:
		r.items = nil
	}
	r.resolved = true
}

func (r *Refs[T]) Value() any {
	if !r.resolved {
		return nil
	}
	return r.items
}
