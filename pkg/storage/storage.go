// Package storage defines the boundary between the persistence layer and the
// engine that actually holds rows. Adapters live in pkg/db (GORM) and
// pkg/storage/memory.
package storage

import (
	"context"
	"strings"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
)

// JoinSeparator separates an association alias from a column in joined rows,
// e.g. "team__name".
const JoinSeparator = "__"

// Storage executes queries and mutations
type Storage interface {
	// Execute returns the rows selected by q
	Execute(ctx context.Context, q *Select) ([]Row, error)
	// ExecuteScalarCount counts root entities matching q, ignoring joins,
	// sort, offset and limit
	ExecuteScalarCount(ctx context.Context, q *Select) (int64, error)
	// ExecuteMutation applies m and returns the number of affected rows
	ExecuteMutation(ctx context.Context, m *Mutation) (int64, error)
	// GenerateIdentifier returns a fresh identifier for a new entity
	GenerateIdentifier(ctx context.Context, meta *entity.Metadata) (any, error)
}

// Transactional storages open a transaction per unit of work
type Transactional interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a Storage bound to one transaction
type Tx interface {
	Storage
	Commit() error
	Rollback() error
}

// Row is one result row with its columns in select order
type Row struct {
	Columns []string
	Values  []any
}

// NewRow pairs columns with values
func NewRow(columns []string, values []any) Row {
	return Row{Columns: columns, Values: values}
}

// Get returns the value of column
func (r Row) Get(column string) (any, bool) {
	for i, c := range r.Columns {
		if c == column {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Prefixed returns the columns of r that start with prefix, stripped of it
func (r Row) Prefixed(prefix string) Row {
	out := Row{}
	for i, c := range r.Columns {
		if rest, ok := strings.CutPrefix(c, prefix); ok {
			out.Columns = append(out.Columns, rest)
			out.Values = append(out.Values, r.Values[i])
		}
	}
	return out
}

// Clone copies r so callers can keep it beyond the storage's buffers
func (r Row) Clone() Row {
	return Row{
		Columns: append([]string(nil), r.Columns...),
		Values:  append([]any(nil), r.Values...),
	}
}

// Join pulls an association's columns into the root query
type Join struct {
	Association *entity.Association
	Target      *entity.Metadata
}

// Alias is the column prefix of the joined entity
func (j Join) Alias() string {
	return strings.ToLower(j.Association.Name)
}

// Prefix is Alias followed by JoinSeparator
func (j Join) Prefix() string {
	return j.Alias() + JoinSeparator
}

// Select is a read against one root entity. When Statement is set it runs
// verbatim with Args and Where, Joins and Columns are ignored.
type Select struct {
	Entity    *entity.Metadata
	Where     *query.Tree
	Args      []any
	Statement *query.Statement
	Sort      query.Sort
	Offset    int
	Limit     int
	Lock      query.LockMode
	Joins     []Join
	Columns   []string
}

// MutationKind distinguishes the mutations storage applies
type MutationKind int

const (
	Insert MutationKind = iota
	Update
	Delete
	BulkUpdate
	BulkDelete
)

func (k MutationKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case BulkUpdate:
		return "bulk_update"
	case BulkDelete:
		return "bulk_delete"
	default:
		return "unknown"
	}
}

// AssignOp is how an assignment combines with the stored value
type AssignOp int

const (
	// Set replaces the stored value
	Set AssignOp = iota
	// Add increments the stored value
	Add
)

// Assignment writes one column
type Assignment struct {
	Column string
	Op     AssignOp
	Value  any
}

// Mutation writes rows of one entity. Where and Args select the rows for
// Update, Delete and the bulk kinds; Values carries inserted or updated
// columns. Statement, when set, runs verbatim with Args.
type Mutation struct {
	Kind      MutationKind
	Entity    *entity.Metadata
	Values    []Assignment
	Where     *query.Tree
	Args      []any
	Statement *query.Statement
}

// Describe renders a short human-readable form for logs and errors
func (m *Mutation) Describe() string {
	if m.Statement != nil {
		return m.Statement.Text
	}
	var b strings.Builder
	b.WriteString(m.Kind.String())
	b.WriteString(" ")
	b.WriteString(m.Entity.Table)
	if len(m.Values) > 0 {
		b.WriteString(" set ")
		for i, a := range m.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.Column)
			if a.Op == Add {
				b.WriteString(" += ?")
			} else {
				b.WriteString(" = ?")
			}
		}
	}
	if w := m.Where.String(); w != "" {
		b.WriteString(" where ")
		b.WriteString(w)
	}
	return b.String()
}
