package query

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator is the closed set of comparisons a clause can apply
type Operator int

const (
	Equals Operator = iota + 1
	NotEquals
	GreaterThan
	GreaterThanEqual
	LessThan
	LessThanEqual
	In
	NotIn
	Like
)

// Connective joins a clause to the one after it
type Connective int

const (
	And Connective = iota
	Or
)

// keywords is ordered so longer keywords win over their prefixes
var keywords = []struct {
	word string
	op   Operator
}{
	{"GreaterThanEqual", GreaterThanEqual},
	{"GreaterThan", GreaterThan},
	{"LessThanEqual", LessThanEqual},
	{"LessThan", LessThan},
	{"Containing", Like},
	{"Equals", Equals},
	{"NotIn", NotIn},
	{"Like", Like},
	{"Not", NotEquals},
	{"In", In},
	{"Is", Equals},
}

func (o Operator) String() string {
	switch o {
	case Equals:
		return "Equals"
	case NotEquals:
		return "Not"
	case GreaterThan:
		return "GreaterThan"
	case GreaterThanEqual:
		return "GreaterThanEqual"
	case LessThan:
		return "LessThan"
	case LessThanEqual:
		return "LessThanEqual"
	case In:
		return "In"
	case NotIn:
		return "NotIn"
	case Like:
		return "Like"
	default:
		return fmt.Sprintf("Operator(%d)", int(o))
	}
}

// Symbol returns the SQL spelling of the operator
func (o Operator) Symbol() string {
	switch o {
	case Equals:
		return "="
	case NotEquals:
		return "<>"
	case GreaterThan:
		return ">"
	case GreaterThanEqual:
		return ">="
	case LessThan:
		return "<"
	case LessThanEqual:
		return "<="
	case In:
		return "IN"
	case NotIn:
		return "NOT IN"
	case Like:
		return "LIKE"
	default:
		return "?"
	}
}

func (c Connective) String() string {
	if c == Or {
		return "OR"
	}
	return "AND"
}

// Apply evaluates "left <op> right" with SQL null semantics: a null left
// operand never matches.
func (o Operator) Apply(left, right any) (bool, error) {
	if left == nil {
		return false, nil
	}
	switch o {
	case In, NotIn:
		found, err := member(left, right)
		if err != nil {
			return false, err
		}
		if o == In {
			return found, nil
		}
		return !found, nil
	case Like:
		return strings.Contains(fmt.Sprint(normalize(left)), fmt.Sprint(normalize(right))), nil
	}
	if right == nil {
		return false, nil
	}
	c, err := Compare(left, right)
	if err != nil {
		return false, err
	}
	switch o {
	case Equals:
		return c == 0, nil
	case NotEquals:
		return c != 0, nil
	case GreaterThan:
		return c > 0, nil
	case GreaterThanEqual:
		return c >= 0, nil
	case LessThan:
		return c < 0, nil
	case LessThanEqual:
		return c <= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %v", o)
}

func member(left, set any) (bool, error) {
	if set == nil {
		return false, nil
	}
	v := reflect.ValueOf(set)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		c, err := Compare(left, set)
		return err == nil && c == 0, err
	}
	for i := 0; i < v.Len(); i++ {
		c, err := Compare(left, v.Index(i).Interface())
		if err != nil {
			return false, err
		}
		if c == 0 {
			return true, nil
		}
	}
	return false, nil
}
