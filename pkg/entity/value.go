package entity

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// New allocates a zero entity and returns it as *T
func (m *Metadata) New() any {
	return reflect.New(m.Type).Interface()
}

// Check verifies that e is a non-nil pointer to this entity type
func (m *Metadata) Check(e any) error {
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Type() != m.Type {
		return fmt.Errorf("%w: expected *%s, got %T", ErrNotEntity, m.Type.Name(), e)
	}
	return nil
}

func (m *Metadata) field(e any, index []int) reflect.Value {
	return reflect.ValueOf(e).Elem().FieldByIndex(index)
}

// Get returns the value of attribute a, dereferencing pointer fields
func (m *Metadata) Get(e any, a *Attribute) any {
	f := m.field(e, a.Index)
	if f.Kind() == reflect.Pointer {
		if f.IsNil() {
			return nil
		}
		f = f.Elem()
	}
	if b, ok := f.Interface().([]byte); ok {
		return bytes.Clone(b)
	}
	return f.Interface()
}

// Set assigns v to attribute a with tolerant conversion
func (m *Metadata) Set(e any, a *Attribute, v any) error {
	if err := Assign(m.field(e, a.Index), v); err != nil {
		return fmt.Errorf("%s.%s: %w", m.Name, a.Name, err)
	}
	return nil
}

// Identifier returns the identifier of e and whether it is set
func (m *Metadata) Identifier(e any) (any, bool) {
	f := m.field(e, m.ID.Index)
	if f.IsZero() {
		return nil, false
	}
	return m.Get(e, m.ID), true
}

// SetID assigns the identifier of e
func (m *Metadata) SetID(e any, id any) error {
	return m.Set(e, m.ID, id)
}

// Reference returns the association field of e
func (m *Metadata) Reference(e any, a *Association) Reference {
	return m.field(e, a.Index).Addr().Interface().(Reference)
}

// Snapshot captures all attribute values of e keyed by column
func (m *Metadata) Snapshot(e any) map[string]any {
	snap := make(map[string]any, len(m.Attributes))
	for _, a := range m.Attributes {
		snap[a.Column] = m.Get(e, a)
	}
	return snap
}

// Diff returns the non-identifier attributes whose value differs from snap
func (m *Metadata) Diff(e any, snap map[string]any) []*Attribute {
	var dirty []*Attribute
	for _, a := range m.Attributes {
		if a.PrimaryKey {
			continue
		}
		if !Equal(m.Get(e, a), snap[a.Column]) {
			dirty = append(dirty, a)
		}
	}
	return dirty
}

// Copy copies attribute values and resolved references from src onto dst
func (m *Metadata) Copy(dst, src any) error {
	for _, a := range m.Attributes {
		if err := m.Set(dst, a, m.Get(src, a)); err != nil {
			return err
		}
	}
	for _, a := range m.Associations {
		ref := m.Reference(src, a)
		if ref.IsResolved() {
			m.Reference(dst, a).Resolve(ref.Value())
		}
	}
	return nil
}

// Key normalises an identifier for use as a map key so int, int32 and int64
// identifiers of the same value compare equal.
func Key(v any) any {
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
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return int64(u)
		}
		return u
	case reflect.String:
		return rv.String()
	case reflect.Slice:
		if b, ok := rv.Interface().([]byte); ok {
			return string(b)
		}
	}
	return rv.Interface()
}

// Equal compares two attribute values, treating times by instant
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ba, bb)
	}
	return reflect.DeepEqual(a, b)
}

// Assign stores v into dst, converting between the representations drivers
// return ([]byte, int64, float64, string) and the field's declared type.
func Assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	for src.Kind() == reflect.Pointer {
		if src.IsNil() {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		src = src.Elem()
	}

	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := Assign(elem.Elem(), src.Interface()); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}

	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}

	raw, isBytes := src.Interface().([]byte)

	switch dst.Kind() {
	case reflect.String:
		switch {
		case isBytes:
			dst.SetString(string(raw))
			return nil
		case src.Kind() == reflect.String:
			dst.SetString(src.String())
			return nil
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			dst.SetInt(src.Int())
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			dst.SetInt(int64(src.Uint()))
			return nil
		case reflect.Float32, reflect.Float64:
			if f := src.Float(); f == math.Trunc(f) {
				dst.SetInt(int64(f))
				return nil
			}
		case reflect.String:
			if n, err := strconv.ParseInt(src.String(), 10, 64); err == nil {
				dst.SetInt(n)
				return nil
			}
		case reflect.Slice:
			if isBytes {
				if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
					dst.SetInt(n)
					return nil
				}
			}
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if n := src.Int(); n >= 0 {
				dst.SetUint(uint64(n))
				return nil
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			dst.SetUint(src.Uint())
			return nil
		case reflect.Slice:
			if isBytes {
				if n, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
					dst.SetUint(n)
					return nil
				}
			}
		}
	case reflect.Float32, reflect.Float64:
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			dst.SetFloat(float64(src.Int()))
			return nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			dst.SetFloat(float64(src.Uint()))
			return nil
		case reflect.Float32, reflect.Float64:
			dst.SetFloat(src.Float())
			return nil
		case reflect.Slice:
			if isBytes {
				if f, err := strconv.ParseFloat(string(raw), 64); err == nil {
					dst.SetFloat(f)
					return nil
				}
			}
		}
	case reflect.Bool:
		switch src.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			dst.SetBool(src.Int() != 0)
			return nil
		case reflect.Slice:
			if isBytes {
				if b, err := strconv.ParseBool(string(raw)); err == nil {
					dst.SetBool(b)
					return nil
				}
			}
		}
	case reflect.Struct:
		if dst.Type() == timeType {
			text := ""
			switch {
			case isBytes:
				text = string(raw)
			case src.Kind() == reflect.String:
				text = src.String()
			}
			if t, ok := parseTime(text); ok {
				dst.Set(reflect.ValueOf(t))
				return nil
			}
		}
	}

	if src.Kind() == dst.Kind() && src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("%w: cannot assign %T to %s", ErrTypeMismatch, v, dst.Type())
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(text string) (time.Time, bool) {
	if text == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
