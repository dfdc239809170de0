package entity

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"gorm.io/gorm/schema"
)

// Kind classifies an attribute by the way storage represents it
type Kind int

const (
	KindOther Kind = iota
	KindString
	KindInteger
	KindFloat
	KindBool
	KindTimestamp
)

// IDStrategy controls where identifiers come from
type IDStrategy int

const (
	// IDAssigned identifiers are natural keys supplied by the caller
	IDAssigned IDStrategy = iota
	// IDSequence identifiers are integers generated by storage
	IDSequence
	// IDUUID identifiers are random UUID strings generated by storage
	IDUUID
)

// Role marks attributes maintained by the persistence layer
type Role int

const (
	RoleNone Role = iota
	RoleVersion
	RoleCreatedDate
	RoleCreatedBy
	RoleLastModifiedDate
	RoleLastModifiedBy
)

// Tag keys understood in the `repo` struct tag.
//
//	ID        int64     `gorm:"primaryKey"`
//	Version   int64     `repo:"version"`
//	TeamID    *int64
//	Team      entity.Ref[Team]     `gorm:"-" repo:"fk:TeamID"`
//	Members   entity.Refs[Member]  `gorm:"-" repo:"mappedBy:TeamID"`
const (
	tagName     = "repo"
	tagFK       = "fk"
	tagMappedBy = "mappedby"
	tagUUID     = "uuid"
	tagAssigned = "assigned"
)

var roleTags = map[string]Role{
	"version":          RoleVersion,
	"createddate":      RoleCreatedDate,
	"createdby":        RoleCreatedBy,
	"lastmodifieddate": RoleLastModifiedDate,
	"lastmodifiedby":   RoleLastModifiedBy,
}

// Attribute is a persistent field mapped to one column
type Attribute struct {
	Name       string
	Column     string
	Kind       Kind
	Type       reflect.Type
	Index      []int
	PrimaryKey bool
	Role       Role
}

// AssociationKind distinguishes to-one from to-many associations
type AssociationKind int

const (
	ToOne AssociationKind = iota
	ToMany
)

// Association is a Ref or Refs field
type Association struct {
	Name   string
	Kind   AssociationKind
	Target reflect.Type
	// ForeignKey names the attribute holding the key: on the owner for
	// to-one associations, on the target for to-many associations.
	ForeignKey string
	Index      []int
}

// TargetMetadata returns the metadata of the referenced entity type
func (a *Association) TargetMetadata() (*Metadata, error) {
	return DescribeType(a.Target)
}

// Metadata describes how an entity type maps to storage
type Metadata struct {
	Type         reflect.Type
	Name         string
	Table        string
	ID           *Attribute
	Strategy     IDStrategy
	Version      *Attribute
	Attributes   []*Attribute
	Associations []*Association

	byName   map[string]*Attribute
	byColumn map[string]*Attribute
	assocs   map[string]*Association
}

var (
	registry    sync.Map
	schemaCache sync.Map
	namer       = schema.NamingStrategy{}
)

// Describe returns the metadata for the entity type of v
func Describe(v any) (*Metadata, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, ErrNotEntity
	}
	return DescribeType(t)
}

// Of returns the metadata for entity type T
func Of[T any]() (*Metadata, error) {
	return DescribeType(reflect.TypeOf((*T)(nil)).Elem())
}

// MustOf is like Of but panics on invalid entity types
func MustOf[T any]() *Metadata {
	m, err := Of[T]()
	if err != nil {
		panic(err)
	}
	return m
}

// DescribeType returns the metadata for a struct type, parsing it on first use
func DescribeType(t reflect.Type) (*Metadata, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v", ErrNotEntity, t)
	}
	if m, ok := registry.Load(t); ok {
		return m.(*Metadata), nil
	}
	m, err := parse(t)
	if err != nil {
		return nil, err
	}
	actual, _ := registry.LoadOrStore(t, m)
	return actual.(*Metadata), nil
}

// parse uses GORM's schema parser so tables and columns are named exactly as
// GORM names them, then layers association and role tags on top.
func parse(t reflect.Type) (*Metadata, error) {
	s, err := schema.Parse(reflect.New(t).Interface(), &schemaCache, namer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity %s: %w", t, err)
	}

	m := &Metadata{
		Type:     t,
		Name:     t.Name(),
		Table:    s.Table,
		byName:   make(map[string]*Attribute),
		byColumn: make(map[string]*Attribute),
		assocs:   make(map[string]*Association),
	}

	for _, f := range s.Fields {
		if f.DBName == "" || len(f.StructField.Index) == 0 {
			continue
		}
		tags := parseTag(f.Tag.Get(tagName))
		attr := &Attribute{
			Name:       f.Name,
			Column:     f.DBName,
			Kind:       kindOf(f.DataType),
			Type:       f.FieldType,
			Index:      append([]int(nil), f.StructField.Index...),
			PrimaryKey: f.PrimaryKey,
		}
		for key := range tags {
			if role, ok := roleTags[key]; ok {
				attr.Role = role
			}
		}
		m.Attributes = append(m.Attributes, attr)
		m.byName[attr.Name] = attr
		m.byColumn[attr.Column] = attr

		if attr.Role == RoleVersion {
			m.Version = attr
		}
		if f == s.PrioritizedPrimaryField {
			m.ID = attr
			m.Strategy = strategyOf(attr, tags)
		}
	}

	if m.ID == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentifier, t)
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || !reflect.PointerTo(sf.Type).Implements(referenceType) {
			continue
		}
		ref := reflect.New(sf.Type).Interface().(Reference)
		tags := parseTag(sf.Tag.Get(tagName))
		assoc := &Association{
			Name:   sf.Name,
			Target: ref.TargetType(),
			Index:  sf.Index,
		}
		if ref.Many() {
			assoc.Kind = ToMany
			assoc.ForeignKey = tags[tagMappedBy]
			if assoc.ForeignKey == "" {
				assoc.ForeignKey = m.Name + "ID"
			}
		} else {
			assoc.Kind = ToOne
			assoc.ForeignKey = tags[tagFK]
			if assoc.ForeignKey == "" {
				assoc.ForeignKey = sf.Name + "ID"
			}
			if _, ok := m.byName[assoc.ForeignKey]; !ok {
				return nil, fmt.Errorf("%w: %s.%s foreign key %s is not an attribute",
					ErrInvalidAssociation, m.Name, sf.Name, assoc.ForeignKey)
			}
		}
		m.Associations = append(m.Associations, assoc)
		m.assocs[assoc.Name] = assoc
	}

	return m, nil
}

func kindOf(dt schema.DataType) Kind {
	switch dt {
	case schema.String:
		return KindString
	case schema.Int, schema.Uint:
		return KindInteger
	case schema.Float:
		return KindFloat
	case schema.Bool:
		return KindBool
	case schema.Time:
		return KindTimestamp
	default:
		return KindOther
	}
}

func strategyOf(id *Attribute, tags map[string]string) IDStrategy {
	if _, ok := tags[tagAssigned]; ok {
		return IDAssigned
	}
	switch id.Kind {
	case KindInteger:
		return IDSequence
	case KindString:
		if _, ok := tags[tagUUID]; ok {
			return IDUUID
		}
	}
	return IDAssigned
}

// parseTag splits `repo:"fk:TeamID;version"` into lower-cased keys
func parseTag(tag string) map[string]string {
	settings := make(map[string]string)
	for _, part := range strings.Split(tag, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, ":")
		settings[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return settings
}

// Attribute looks up an attribute by Go field name
func (m *Metadata) Attribute(name string) (*Attribute, bool) {
	a, ok := m.byName[name]
	return a, ok
}

// Column looks up an attribute by column name
func (m *Metadata) Column(column string) (*Attribute, bool) {
	a, ok := m.byColumn[column]
	return a, ok
}

// Association looks up an association by Go field name
func (m *Metadata) Association(name string) (*Association, bool) {
	a, ok := m.assocs[name]
	return a, ok
}

// Columns returns the column names in declaration order
func (m *Metadata) Columns() []string {
	cols := make([]string, len(m.Attributes))
	for i, a := range m.Attributes {
		cols[i] = a.Column
	}
	return cols
}

// WithRole returns the attribute carrying role r, or nil
func (m *Metadata) WithRole(r Role) *Attribute {
	for _, a := range m.Attributes {
		if a.Role == r {
			return a
		}
	}
	return nil
}

// AttributeNames returns the Go field names of all attributes
func (m *Metadata) AttributeNames() []string {
	names := make([]string, len(m.Attributes))
	for i, a := range m.Attributes {
		names[i] = a.Name
	}
	return names
}

func (m *Metadata) String() string {
	return m.Name
}
