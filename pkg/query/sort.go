package query

import (
	"fmt"
	"strings"

	"github.com/ammar0144/repo4go/pkg/entity"
)

// Direction of an order clause
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Order sorts by one attribute
type Order struct {
	Attribute string
	Direction Direction
}

// Asc orders by attribute ascending
func Asc(attribute string) Order {
	return Order{Attribute: attribute, Direction: Ascending}
}

// Desc orders by attribute descending
func Desc(attribute string) Order {
	return Order{Attribute: attribute, Direction: Descending}
}

// Sort is an ordered list of orders
type Sort []Order

// By is shorthand for an ascending sort on the given attributes
func By(attributes ...string) Sort {
	s := make(Sort, len(attributes))
	for i, a := range attributes {
		s[i] = Asc(a)
	}
	return s
}

// And appends other's orders after s
func (s Sort) And(other Sort) Sort {
	if len(other) == 0 {
		return s
	}
	out := make(Sort, 0, len(s)+len(other))
	out = append(out, s...)
	return append(out, other...)
}

// Validate checks every order names an attribute of meta
func (s Sort) Validate(meta *entity.Metadata) error {
	for _, o := range s {
		if _, ok := meta.Attribute(o.Attribute); !ok {
			return fmt.Errorf("%w: cannot sort %s by %s", entity.ErrUnknownAttribute, meta.Name, o.Attribute)
		}
	}
	return nil
}

func (s Sort) String() string {
	parts := make([]string, len(s))
	for i, o := range s {
		dir := "ASC"
		if o.Direction == Descending {
			dir = "DESC"
		}
		parts[i] = o.Attribute + " " + dir
	}
	return strings.Join(parts, ", ")
}
