package db

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// SQL rendering for storage requests.
//
// SECURITY WARNING:
// Identifiers are quoted but never validated here. Tables and columns come
// from entity metadata, which is derived from Go struct definitions, and
// declared statements are trusted text. Values are always bound as
// parameters.

// Operator represents SQL comparison operators
type Operator string

const (
	Equal              Operator = "="
	NotEqual           Operator = "<>"
	GreaterThan        Operator = ">"
	GreaterThanOrEqual Operator = ">="
	LessThan           Operator = "<"
	LessThanOrEqual    Operator = "<="
	Like               Operator = "LIKE"
	In                 Operator = "IN"
	NotIn              Operator = "NOT IN"
)

// JoinType represents SQL JOIN types
type JoinType string

// LeftJoin keeps root rows that have no match
const LeftJoin JoinType = "LEFT JOIN"

// LogicalOperator for combining conditions
type LogicalOperator string

const (
	And LogicalOperator = "AND"
	Or  LogicalOperator = "OR"
)

// Condition represents a WHERE clause condition
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// ConditionGroup represents grouped conditions with logical operators
type ConditionGroup struct {
	Conditions []interface{} // Can be Condition or nested ConditionGroup
	Operator   LogicalOperator
}

// JoinClause represents a JOIN operation
type JoinClause struct {
	Type      JoinType
	Table     string
	Condition string
}

// Builder helps build SQL statements for one table
type Builder struct {
	dialect    Dialect
	table      string
	selectCols []string
	joins      []JoinClause
	where      *ConditionGroup
	orderBy    []string
	limit      int
	offset     int
	lock       query.LockMode
}

// NewBuilder creates a new query builder. The table is quoted for the dialect.
func NewBuilder(dialect Dialect, table string) *Builder {
	return &Builder{
		dialect:    dialect,
		table:      table,
		selectCols: []string{"*"},
		where:      &ConditionGroup{Operator: And},
	}
}

// Quote quotes an identifier for the dialect
func (b *Builder) Quote(ident string) string {
	if b.dialect == Postgres {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// Column returns a qualified, quoted column reference
func (b *Builder) Column(alias, column string) string {
	return b.Quote(alias) + "." + b.Quote(column)
}

// Select sets the select list. Entries are written verbatim.
func (b *Builder) Select(cols ...string) *Builder {
	b.selectCols = cols
	return b
}

// WhereGroup replaces the WHERE clause with a prepared group
func (b *Builder) WhereGroup(group *ConditionGroup) *Builder {
	if group != nil {
		b.where = group
	}
	return b
}

// Join adds a JOIN clause
func (b *Builder) Join(joinType JoinType, table, condition string) *Builder {
	b.joins = append(b.joins, JoinClause{
		Type:      joinType,
		Table:     table,
		Condition: condition,
	})
	return b
}

// LeftJoin adds a LEFT JOIN
func (b *Builder) LeftJoin(table, condition string) *Builder {
	return b.Join(LeftJoin, table, condition)
}

// OrderBy adds an ORDER BY clause
func (b *Builder) OrderBy(field string, desc bool) *Builder {
	order := field
	if desc {
		order += " DESC"
	} else {
		order += " ASC"
	}
	b.orderBy = append(b.orderBy, order)
	return b
}

// Limit sets the LIMIT clause
// Negative values are normalized to 0
func (b *Builder) Limit(limit int) *Builder {
	if limit < 0 {
		limit = 0
	}
	b.limit = limit
	return b
}

// Offset sets the OFFSET clause
// Negative values are normalized to 0
func (b *Builder) Offset(offset int) *Builder {
	if offset < 0 {
		offset = 0
	}
	b.offset = offset
	return b
}

// Lock sets the row lock taken by the select
func (b *Builder) Lock(mode query.LockMode) *Builder {
	b.lock = mode
	return b
}

// Where adds a condition to the group
func (g *ConditionGroup) Where(field string, operator Operator, value interface{}) *ConditionGroup {
	g.Conditions = append(g.Conditions, Condition{
		Field:    field,
		Operator: operator,
		Value:    value,
	})
	return g
}

// Group adds a nested condition group
func (g *ConditionGroup) Group(group *ConditionGroup) *ConditionGroup {
	g.Conditions = append(g.Conditions, group)
	return g
}

// BuildSelect builds a SELECT query
func (b *Builder) BuildSelect() (string, []interface{}) {
	var query strings.Builder
	var args []interface{}

	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.selectCols, ", "))
	query.WriteString(" FROM ")
	query.WriteString(b.Quote(b.table))

	for _, join := range b.joins {
		query.WriteString(" ")
		query.WriteString(string(join.Type))
		query.WriteString(" ")
		query.WriteString(join.Table)
		query.WriteString(" ON ")
		query.WriteString(join.Condition)
	}

	if whereSQL, whereArgs := b.buildConditionGroup(b.where); whereSQL != "" {
		query.WriteString(" WHERE ")
		query.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	query.WriteString(b.window())
	query.WriteString(b.lockClause())

	return query.String(), args
}

// BuildCount builds a COUNT(*) query over the WHERE clause. Joins, order,
// window and lock are ignored.
func (b *Builder) BuildCount() (string, []interface{}) {
	var query strings.Builder
	query.WriteString("SELECT COUNT(*) FROM ")
	query.WriteString(b.Quote(b.table))
	whereSQL, args := b.buildConditionGroup(b.where)
	if whereSQL != "" {
		query.WriteString(" WHERE ")
		query.WriteString(whereSQL)
	}
	return query.String(), args
}

func (b *Builder) window() string {
	switch {
	case b.limit > 0 && b.offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", b.limit, b.offset)
	case b.limit > 0:
		return fmt.Sprintf(" LIMIT %d", b.limit)
	case b.offset > 0 && b.dialect == MySQL:
		// MySQL has no OFFSET without LIMIT
		return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", b.offset)
	case b.offset > 0:
		return fmt.Sprintf(" OFFSET %d", b.offset)
	}
	return ""
}

func (b *Builder) lockClause() string {
	switch b.lock {
	case query.LockPessimisticWrite:
		if b.dialect == Postgres && len(b.joins) > 0 {
			// nullable sides of outer joins cannot be locked
			return " FOR UPDATE OF " + b.Quote(b.table)
		}
		return " FOR UPDATE"
	case query.LockPessimisticRead:
		if b.dialect == Postgres {
			if len(b.joins) > 0 {
				return " FOR SHARE OF " + b.Quote(b.table)
			}
			return " FOR SHARE"
		}
		return " LOCK IN SHARE MODE"
	}
	return ""
}

// buildConditionGroup builds SQL for a condition group with proper logical operators
func (b *Builder) buildConditionGroup(group *ConditionGroup) (string, []interface{}) {
	if group == nil || len(group.Conditions) == 0 {
		return "", nil
	}

	var conditions []string
	var args []interface{}

	for _, item := range group.Conditions {
		switch cond := item.(type) {
		case Condition:
			condSQL, condArgs := b.buildCondition(cond)
			conditions = append(conditions, condSQL)
			args = append(args, condArgs...)
		case *ConditionGroup:
			if len(cond.Conditions) > 0 {
				groupSQL, groupArgs := b.buildConditionGroup(cond)
				conditions = append(conditions, "("+groupSQL+")")
				args = append(args, groupArgs...)
			}
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}

	operator := " " + string(group.Operator) + " "
	return strings.Join(conditions, operator), args
}

// buildCondition builds SQL for a single condition. A nil operand never
// matches.
func (b *Builder) buildCondition(cond Condition) (string, []interface{}) {
	switch cond.Operator {
	case In, NotIn:
		return b.buildInCondition(cond)
	}
	if cond.Value == nil {
		return "1 = 0", nil
	}
	return fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), []interface{}{cond.Value}
}

// buildInCondition builds IN/NOT IN conditions with proper placeholder expansion
func (b *Builder) buildInCondition(cond Condition) (string, []interface{}) {
	if cond.Value == nil {
		return "1 = 0", nil
	}

	v := reflect.ValueOf(cond.Value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		// Single value, treat as regular condition
		return fmt.Sprintf("%s %s (?)", cond.Field, cond.Operator), []interface{}{cond.Value}
	}

	length := v.Len()
	if length == 0 {
		// Empty set: IN never matches, NOT IN always does
		if cond.Operator == In {
			return "1 = 0", nil
		}
		return fmt.Sprintf("%s IS NOT NULL", cond.Field), nil
	}

	placeholders := make([]string, length)
	args := make([]interface{}, length)
	for i := 0; i < length; i++ {
		placeholders[i] = "?"
		args[i] = v.Index(i).Interface()
	}

	sql := fmt.Sprintf("%s %s (%s)", cond.Field, cond.Operator, strings.Join(placeholders, ", "))
	return sql, args
}

// BuildInsert builds an INSERT query
func (b *Builder) BuildInsert(columns []string) (string, int) {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = b.Quote(c)
		placeholders[i] = "?"
	}

	var query strings.Builder
	query.WriteString("INSERT INTO ")
	query.WriteString(b.Quote(b.table))
	query.WriteString(" (")
	query.WriteString(strings.Join(quoted, ", "))
	query.WriteString(") VALUES (")
	query.WriteString(strings.Join(placeholders, ", "))
	query.WriteString(")")

	return query.String(), len(columns)
}

// BuildUpdate builds an UPDATE query over the WHERE clause. Add assignments
// increment the stored value.
func (b *Builder) BuildUpdate(values []storage.Assignment) (string, []interface{}) {
	var query strings.Builder
	query.WriteString("UPDATE ")
	query.WriteString(b.Quote(b.table))
	query.WriteString(" SET ")

	args := make([]interface{}, 0, len(values))
	setClauses := make([]string, len(values))
	for i, a := range values {
		col := b.Quote(a.Column)
		if a.Op == storage.Add {
			setClauses[i] = col + " = " + col + " + ?"
		} else {
			setClauses[i] = col + " = ?"
		}
		args = append(args, a.Value)
	}
	query.WriteString(strings.Join(setClauses, ", "))

	if whereSQL, whereArgs := b.buildConditionGroup(b.where); whereSQL != "" {
		query.WriteString(" WHERE ")
		query.WriteString(whereSQL)
		args = append(args, whereArgs...)
	}
	return query.String(), args
}

// BuildDelete builds a DELETE query over the WHERE clause
func (b *Builder) BuildDelete() (string, []interface{}) {
	query := "DELETE FROM " + b.Quote(b.table)
	whereSQL, args := b.buildConditionGroup(b.where)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	return query, args
}

// conditions translates a predicate tree into an OR of AND groups over
// columns qualified by table
func (b *Builder) conditions(tree *query.Tree, args []any) (*ConditionGroup, error) {
	groups := tree.Groups()
	if len(groups) == 0 {
		return nil, nil
	}
	root := &ConditionGroup{Operator: Or}
	for _, clauses := range groups {
		and := &ConditionGroup{Operator: And}
		for _, c := range clauses {
			if c.Slot >= len(args) {
				return nil, fmt.Errorf("%w: clause on %s needs argument %d, got %d", query.ErrArgumentCount, c.Attribute, c.Slot+1, len(args))
			}
			op, err := sqlOperator(c.Operator)
			if err != nil {
				return nil, err
			}
			value := args[c.Slot]
			if op == Like && value != nil {
				value = "%" + escapeLike(fmt.Sprint(value)) + "%"
			}
			and.Where(b.Column(b.table, c.Column), op, value)
		}
		root.Group(and)
	}
	if len(root.Conditions) == 1 {
		return root.Conditions[0].(*ConditionGroup), nil
	}
	return root, nil
}

func sqlOperator(op query.Operator) (Operator, error) {
	switch op {
	case query.Equals:
		return Equal, nil
	case query.NotEquals:
		return NotEqual, nil
	case query.GreaterThan:
		return GreaterThan, nil
	case query.GreaterThanEqual:
		return GreaterThanOrEqual, nil
	case query.LessThan:
		return LessThan, nil
	case query.LessThanEqual:
		return LessThanOrEqual, nil
	case query.In:
		return In, nil
	case query.NotIn:
		return NotIn, nil
	case query.Like:
		return Like, nil
	}
	return "", fmt.Errorf("%w: operator %v", storage.ErrUnsupported, op)
}

// escapeLike makes wildcard characters in a LIKE operand literal
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// renderSelect turns a storage select into SQL. Declared statements are
// wrapped only when a window is requested.
func renderSelect(dialect Dialect, q *storage.Select) (string, []interface{}, error) {
	if q.Statement != nil {
		sql, args := q.Statement.SQL, q.Args
		if q.Offset > 0 || q.Limit > 0 {
			b := NewBuilder(dialect, "").Limit(q.Limit).Offset(q.Offset)
			sql = "SELECT * FROM (" + sql + ") AS repo4go_q" + b.window()
		}
		return sql, args, nil
	}

	meta := q.Entity
	b := NewBuilder(dialect, meta.Table).Limit(q.Limit).Offset(q.Offset).Lock(q.Lock)

	columns := q.Columns
	if len(columns) == 0 {
		columns = meta.Columns()
	}
	cols := make([]string, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, b.Column(meta.Table, c)+" AS "+b.Quote(c))
	}

	for _, j := range q.Joins {
		on, err := joinCondition(b, meta, j)
		if err != nil {
			return "", nil, err
		}
		b.LeftJoin(b.Quote(j.Target.Table)+" AS "+b.Quote(j.Alias()), on)
		for _, c := range j.Target.Columns() {
			cols = append(cols, b.Column(j.Alias(), c)+" AS "+b.Quote(j.Prefix()+c))
		}
	}
	b.Select(cols...)

	where, err := b.conditions(q.Where, q.Args)
	if err != nil {
		return "", nil, err
	}
	b.WhereGroup(where)

	for _, o := range q.Sort {
		a, ok := meta.Attribute(o.Attribute)
		if !ok {
			return "", nil, fmt.Errorf("%w: cannot sort %s by %s", entity.ErrUnknownAttribute, meta.Name, o.Attribute)
		}
		b.OrderBy(b.Column(meta.Table, a.Column), o.Direction == query.Descending)
	}
	if len(q.Joins) > 0 {
		// keep the rows of one root together
		b.OrderBy(b.Column(meta.Table, meta.ID.Column), false)
	}

	sql, args := b.BuildSelect()
	return sql, args, nil
}

func joinCondition(b *Builder, owner *entity.Metadata, j storage.Join) (string, error) {
	if j.Association.Kind == entity.ToOne {
		fk, ok := owner.Attribute(j.Association.ForeignKey)
		if !ok {
			return "", fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, owner.Name, j.Association.ForeignKey)
		}
		return b.Column(j.Alias(), j.Target.ID.Column) + " = " + b.Column(owner.Table, fk.Column), nil
	}
	fk, ok := j.Target.Attribute(j.Association.ForeignKey)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, j.Target.Name, j.Association.ForeignKey)
	}
	return b.Column(j.Alias(), fk.Column) + " = " + b.Column(owner.Table, owner.ID.Column), nil
}

// renderCount turns a storage select into a COUNT query. A declared
// statement that already counts runs as is; any other statement is wrapped.
func renderCount(dialect Dialect, q *storage.Select) (string, []interface{}, error) {
	if q.Statement != nil {
		if isCountStatement(q.Statement.SQL) {
			return q.Statement.SQL, q.Args, nil
		}
		return "SELECT COUNT(*) FROM (" + q.Statement.SQL + ") AS repo4go_q", q.Args, nil
	}
	b := NewBuilder(dialect, q.Entity.Table)
	where, err := b.conditions(q.Where, q.Args)
	if err != nil {
		return "", nil, err
	}
	sql, args := b.WhereGroup(where).BuildCount()
	return sql, args, nil
}

func isCountStatement(sql string) bool {
	fields := strings.Fields(strings.ToUpper(sql))
	return len(fields) > 1 && fields[0] == "SELECT" && strings.HasPrefix(fields[1], "COUNT(")
}

// renderMutation turns a storage mutation into SQL
func renderMutation(dialect Dialect, m *storage.Mutation) (string, []interface{}, error) {
	if m.Statement != nil {
		return m.Statement.SQL, m.Args, nil
	}
	b := NewBuilder(dialect, m.Entity.Table)
	switch m.Kind {
	case storage.Insert:
		columns := make([]string, len(m.Values))
		args := make([]interface{}, len(m.Values))
		for i, a := range m.Values {
			columns[i] = a.Column
			args[i] = a.Value
		}
		sql, _ := b.BuildInsert(columns)
		return sql, args, nil
	case storage.Update, storage.BulkUpdate:
		if len(m.Values) == 0 {
			return "", nil, fmt.Errorf("%w: update of %s sets no columns", storage.ErrUnsupported, m.Entity.Table)
		}
		where, err := b.conditions(m.Where, m.Args)
		if err != nil {
			return "", nil, err
		}
		sql, args := b.WhereGroup(where).BuildUpdate(m.Values)
		return sql, args, nil
	case storage.Delete, storage.BulkDelete:
		where, err := b.conditions(m.Where, m.Args)
		if err != nil {
			return "", nil, err
		}
		sql, args := b.WhereGroup(where).BuildDelete()
		return sql, args, nil
	}
	return "", nil, fmt.Errorf("%w: mutation kind %v", storage.ErrUnsupported, m.Kind)
}
