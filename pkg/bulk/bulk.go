// Package bulk executes set-based updates and deletes directly against
// storage, then invalidates the state the persistence context and the
// second-level cache hold for the affected entity type.
package bulk

import (
	"context"
	"errors"
	"fmt"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/persistence"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// ErrBulkMutation is wrapped by BulkMutationError
var ErrBulkMutation = errors.New("bulk mutation failed")

// BulkMutationError carries the failed statement and the storage error
type BulkMutationError struct {
	Statement string
	Err       error
}

func (e *BulkMutationError) Error() string {
	return fmt.Sprintf("bulk mutation %q failed: %v", e.Statement, e.Err)
}

func (e *BulkMutationError) Unwrap() []error {
	return []error{ErrBulkMutation, e.Err}
}

// IsBulkMutation checks if an error is a failed bulk mutation
func IsBulkMutation(err error) bool {
	return errors.Is(err, ErrBulkMutation)
}

// Kind selects update or delete
type Kind int

const (
	Update Kind = iota
	Delete
)

func (k Kind) String() string {
	if k == Delete {
		return "delete"
	}
	return "update"
}

// Assignment is one column write of a bulk update
type Assignment struct {
	Attribute string
	Op        storage.AssignOp
	Value     any
	// Param, when set, takes the value from the named call argument
	Param string
}

// Assign sets attr to a fixed value
func Assign(attr string, value any) Assignment {
	return Assignment{Attribute: attr, Op: storage.Set, Value: value}
}

// AssignParam sets attr to the named call argument
func AssignParam(attr, param string) Assignment {
	return Assignment{Attribute: attr, Op: storage.Set, Param: param}
}

// Increment adds a fixed delta to attr
func Increment(attr string, delta any) Assignment {
	return Assignment{Attribute: attr, Op: storage.Add, Value: delta}
}

// IncrementParam adds the named call argument to attr
func IncrementParam(attr, param string) Assignment {
	return Assignment{Attribute: attr, Op: storage.Add, Param: param}
}

// Declaration describes a bulk mutation. Either Where and Set are given,
// Where being a predicate fragment in method-name syntax, or Statement is
// a literal template with :name placeholders.
//
// Call arguments follow Params. Parameters referenced by Set assignments
// feed those assignments; the remaining parameters bind the Where slots in
// order. Without Params the arguments bind the Where slots directly.
type Declaration struct {
	Name        string
	Kind        Kind
	Where       string
	Params      []string
	Set         []Assignment
	Statement   string
	KeepContext bool
}

type compiled struct {
	column string
	op     storage.AssignOp
	value  any
	param  int
}

// Plan is a compiled declaration
type Plan struct {
	Declaration Declaration
	Entity      *entity.Metadata
	Tree        *query.Tree
	Statement   *query.Statement

	values    []compiled
	whereArgs []int
	arity     int
}

// Compile validates d against meta. Errors are declaration errors.
func Compile(meta *entity.Metadata, d Declaration) (*Plan, error) {
	if d.Name == "" {
		return nil, &query.MalformedDescriptorError{Reason: "bulk declaration has no name"}
	}
	p := &Plan{Declaration: d, Entity: meta}

	if d.Statement != "" {
		if d.Where != "" || len(d.Set) > 0 {
			return nil, malformed(d.Name, "a statement declaration cannot also declare Where or Set")
		}
		st, err := query.CompileStatement(d.Statement, d.Params)
		if err != nil {
			var unbound *query.UnboundParameterError
			if errors.As(err, &unbound) {
				unbound.Method = d.Name
			}
			return nil, err
		}
		p.Statement = st
		p.arity = len(d.Params)
		return p, nil
	}

	switch {
	case d.Kind == Delete && len(d.Set) > 0:
		return nil, malformed(d.Name, "delete declarations cannot assign attributes")
	case d.Kind == Update && len(d.Set) == 0:
		return nil, malformed(d.Name, "update declarations need at least one assignment")
	}

	tree, err := query.ParsePredicate(meta, d.Name, d.Where)
	if err != nil {
		return nil, err
	}
	p.Tree = tree

	index := make(map[string]int, len(d.Params))
	for i, name := range d.Params {
		if _, dup := index[name]; dup {
			return nil, &query.UnboundParameterError{Method: d.Name, Parameter: name, Reason: "declared more than once"}
		}
		index[name] = i
	}

	used := make(map[int]bool)
	for _, a := range d.Set {
		attr, ok := meta.Attribute(a.Attribute)
		if !ok {
			return nil, malformed(d.Name, fmt.Sprintf("%q is not an attribute of %s", a.Attribute, meta.Name))
		}
		if attr.PrimaryKey {
			return nil, malformed(d.Name, fmt.Sprintf("cannot assign identifier %s", attr.Name))
		}
		if a.Op == storage.Add && attr.Kind != entity.KindInteger && attr.Kind != entity.KindFloat {
			return nil, malformed(d.Name, fmt.Sprintf("cannot increment non-numeric attribute %s", attr.Name))
		}
		c := compiled{column: attr.Column, op: a.Op, value: a.Value, param: -1}
		if a.Param != "" {
			i, ok := index[a.Param]
			if !ok {
				return nil, &query.UnboundParameterError{Method: d.Name, Parameter: a.Param, Reason: "assignment references an undeclared parameter"}
			}
			c.param = i
			used[i] = true
		}
		p.values = append(p.values, c)
	}

	if len(d.Params) == 0 {
		for i := 0; i < tree.Slots(); i++ {
			p.whereArgs = append(p.whereArgs, i)
		}
		p.arity = tree.Slots()
		return p, nil
	}
	for i := range d.Params {
		if !used[i] {
			p.whereArgs = append(p.whereArgs, i)
		}
	}
	if len(p.whereArgs) != tree.Slots() {
		return nil, malformed(d.Name, fmt.Sprintf("predicate binds %d values but %d parameters are left for it",
			tree.Slots(), len(p.whereArgs)))
	}
	p.arity = len(d.Params)
	return p, nil
}

// MustCompile is like Compile but panics on error
func MustCompile(meta *entity.Metadata, d Declaration) *Plan {
	p, err := Compile(meta, d)
	if err != nil {
		panic(err)
	}
	return p
}

func malformed(name, reason string) error {
	return &query.MalformedDescriptorError{Method: name, Reason: reason}
}

// Mutation binds call arguments and builds the storage mutation
func (p *Plan) Mutation(args []any) (*storage.Mutation, error) {
	if len(args) != p.arity {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d",
			query.ErrArgumentCount, p.Declaration.Name, p.arity, len(args))
	}
	kind := storage.BulkUpdate
	if p.Declaration.Kind == Delete {
		kind = storage.BulkDelete
	}
	m := &storage.Mutation{Kind: kind, Entity: p.Entity}

	if p.Statement != nil {
		bound, err := p.Statement.Bind(p.Declaration.Params, args)
		if err != nil {
			return nil, err
		}
		m.Statement, m.Args = p.Statement, bound
		return m, nil
	}

	for _, c := range p.values {
		v := c.value
		if c.param >= 0 {
			v = args[c.param]
		}
		m.Values = append(m.Values, storage.Assignment{Column: c.column, Op: c.op, Value: v})
	}
	m.Where = p.Tree
	for _, i := range p.whereArgs {
		m.Args = append(m.Args, args[i])
	}
	return m, nil
}

// Execute flushes pending changes, runs the mutation and returns the
// affected row count. On success the persistence context is cleared unless
// the declaration keeps it, and the entity type is always evicted from the
// second-level cache. On failure the context is left as it was.
func Execute(ctx context.Context, s *persistence.Session, p *Plan, args ...any) (int64, error) {
	m, err := p.Mutation(args)
	if err != nil {
		return 0, err
	}
	if err := s.Flush(ctx); err != nil {
		return 0, fmt.Errorf("flush before %s: %w", p.Declaration.Name, err)
	}

	pc := s.Context()
	n, err := pc.Mutate(ctx, m)
	if err != nil {
		return 0, &BulkMutationError{Statement: m.Describe(), Err: err}
	}

	if !p.Declaration.KeepContext {
		pc.Clear()
	}
	if err := pc.EvictAll(ctx, p.Entity); err != nil {
		s.Logger().Warn("second-level cache eviction failed after bulk mutation",
			"entity", p.Entity.Name, "error", err)
	}
	s.Metrics().BulkAffected(p.Entity.Name, n)
	s.Logger().Info("bulk mutation executed",
		"name", p.Declaration.Name,
		"kind", p.Declaration.Kind.String(),
		"entity", p.Entity.Name,
		"affected", n,
		"keep_context", p.Declaration.KeepContext)
	return n, nil
}
