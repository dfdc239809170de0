package query

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Compare orders two attribute values. Numbers compare across widths,
// []byte compares as string and times compare by instant.
func Compare(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp(x, y), nil
		case uint64:
			if x < 0 {
				return -1, nil
			}
			return cmp(uint64(x), y), nil
		case float64:
			return cmp(float64(x), y), nil
		}
	case uint64:
		switch y := b.(type) {
		case uint64:
			return cmp(x, y), nil
		case int64:
			if y < 0 {
				return 1, nil
			}
			return cmp(x, uint64(y)), nil
		case float64:
			return cmp(float64(x), y), nil
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp(x, y), nil
		case int64:
			return cmp(x, float64(y)), nil
		case uint64:
			return cmp(x, float64(y)), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case !x:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	}
	if reflect.DeepEqual(a, b) {
		return 0, nil
	}
	return 0, fmt.Errorf("%w: %T and %T", ErrIncomparable, a, b)
}

func cmp[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return int64(u)
		}
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice:
		if b, ok := rv.Interface().([]byte); ok {
			return string(b)
		}
	}
	return rv.Interface()
}
