package query

import (
	"fmt"
	"strings"

	"github.com/ammar0144/repo4go/pkg/entity"
)

// Clause compares one attribute against one bound value slot
type Clause struct {
	Attribute string
	Column    string
	Operator  Operator
	Slot      int
	// Next joins this clause to the following one; ignored on the last clause
	Next Connective
}

// Tree is an ordered predicate. And binds tighter than Or, so the tree reads
// as an OR of AND-groups. Trees are built once per declared method and reused
// with different bound values.
type Tree struct {
	Clauses []Clause
}

// Slots returns the number of values the tree binds
func (t *Tree) Slots() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, c := range t.Clauses {
		if c.Slot+1 > n {
			n = c.Slot + 1
		}
	}
	return n
}

// Groups splits the clauses into AND-groups joined by Or
func (t *Tree) Groups() [][]Clause {
	if t == nil || len(t.Clauses) == 0 {
		return nil
	}
	var groups [][]Clause
	var current []Clause
	for i, c := range t.Clauses {
		current = append(current, c)
		if i == len(t.Clauses)-1 || c.Next == Or {
			groups = append(groups, current)
			current = nil
		}
	}
	return groups
}

// Evaluate reports whether a row matches. lookup returns the row's value for a column.
func (t *Tree) Evaluate(lookup func(column string) any, args []any) (bool, error) {
	groups := t.Groups()
	if len(groups) == 0 {
		return true, nil
	}
	for _, group := range groups {
		matched := true
		for _, c := range group {
			if c.Slot >= len(args) {
				return false, fmt.Errorf("%w: clause %s needs slot %d, got %d values",
					ErrArgumentCount, c.Attribute, c.Slot, len(args))
			}
			ok, err := c.Operator.Apply(lookup(c.Column), args[c.Slot])
			if err != nil {
				return false, fmt.Errorf("evaluate %s: %w", c.Attribute, err)
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// Join appends other to t with the given connective, renumbering other's slots
func (t *Tree) Join(conn Connective, other *Tree) *Tree {
	if t == nil || len(t.Clauses) == 0 {
		return other
	}
	if other == nil || len(other.Clauses) == 0 {
		return t
	}
	offset := t.Slots()
	out := &Tree{Clauses: make([]Clause, 0, len(t.Clauses)+len(other.Clauses))}
	out.Clauses = append(out.Clauses, t.Clauses...)
	out.Clauses[len(out.Clauses)-1].Next = conn
	for _, c := range other.Clauses {
		c.Slot += offset
		out.Clauses = append(out.Clauses, c)
	}
	return out
}

// String renders the tree in SQL-like form for logs and errors
func (t *Tree) String() string {
	if t == nil || len(t.Clauses) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range t.Clauses {
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(t.Clauses[i-1].Next.String())
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s %s ?", c.Column, c.Operator.Symbol())
	}
	return b.String()
}

// Condition builds a single-clause tree on the named attribute
func Condition(meta *entity.Metadata, attribute string, op Operator) (*Tree, error) {
	a, ok := meta.Attribute(attribute)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, meta.Name, attribute)
	}
	return &Tree{Clauses: []Clause{{Attribute: a.Name, Column: a.Column, Operator: op}}}, nil
}

// IDTree matches one entity by identifier
func IDTree(meta *entity.Metadata) *Tree {
	return &Tree{Clauses: []Clause{{Attribute: meta.ID.Name, Column: meta.ID.Column, Operator: Equals}}}
}

// IDsTree matches a set of entities by identifier
func IDsTree(meta *entity.Metadata) *Tree {
	return &Tree{Clauses: []Clause{{Attribute: meta.ID.Name, Column: meta.ID.Column, Operator: In}}}
}

// VersionedIDTree matches one entity by identifier and expected version
func VersionedIDTree(meta *entity.Metadata) *Tree {
	t := IDTree(meta)
	if meta.Version == nil {
		return t
	}
	return t.Join(And, &Tree{Clauses: []Clause{{
		Attribute: meta.Version.Name,
		Column:    meta.Version.Column,
		Operator:  Equals,
	}}})
}
