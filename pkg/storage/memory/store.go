// Package memory provides an in-memory implementation of storage.Storage used
// for tests and ephemeral environments. Rows are kept per table in insertion
// order. Transactions work on a cloned copy of the state, hold row locks for
// the rows they write or lock, and replay their mutations on commit.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

var (
	_ storage.Storage       = (*Store)(nil)
	_ storage.Transactional = (*Store)(nil)
	_ storage.Tx            = (*Tx)(nil)
)

// StatementFunc serves a literal query statement
type StatementFunc func(tables Tables, args []any) ([]storage.Row, error)

// CountFunc serves a literal count statement
type CountFunc func(tables Tables, args []any) (int64, error)

// MutationFunc serves a literal mutation statement
type MutationFunc func(tables Tables, args []any) (int64, error)

// Stats counts round trips, for asserting fetch behaviour in tests
type Stats struct {
	Selects     int64
	Counts      int64
	Mutations   int64
	Identifiers int64
	Locks       int64
}

type table struct {
	meta *entity.Metadata
	rows []map[string]any
}

type state struct {
	tables map[string]*table
}

func newState() state {
	return state{tables: make(map[string]*table)}
}

func (s state) clone() state {
	out := newState()
	for name, t := range s.tables {
		rows := make([]map[string]any, len(t.rows))
		for i, r := range t.rows {
			rows[i] = cloneValues(r)
		}
		out.tables[name] = &table{meta: t.meta, rows: rows}
	}
	return out
}

// read returns the table for meta without creating it
func (s *state) read(meta *entity.Metadata) *table {
	if t, ok := s.tables[meta.Table]; ok {
		return t
	}
	return &table{meta: meta}
}

func (s *state) table(meta *entity.Metadata) *table {
	t, ok := s.tables[meta.Table]
	if !ok {
		t = &table{meta: meta}
		s.tables[meta.Table] = t
	}
	return t
}

// Store is a concurrency-safe in-memory storage
type Store struct {
	mu    sync.RWMutex
	state state

	seqMu     sync.Mutex
	sequences map[string]int64

	handlerMu  sync.RWMutex
	statements map[string]StatementFunc
	counts     map[string]CountFunc
	mutations  map[string]MutationFunc
	selectHook func(*storage.Select) error
	mutateHook func(*storage.Mutation) error

	lockMu   sync.Mutex
	rowLocks map[lockKey]*rowLock
	released chan struct{}
	lockWait time.Duration

	selects     atomic.Int64
	countCalls  atomic.Int64
	mutateCalls atomic.Int64
	identifiers atomic.Int64
	locks       atomic.Int64
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:      newState(),
		sequences:  make(map[string]int64),
		statements: make(map[string]StatementFunc),
		counts:     make(map[string]CountFunc),
		mutations:  make(map[string]MutationFunc),
		rowLocks:   make(map[lockKey]*rowLock),
		released:   make(chan struct{}),
		lockWait:   DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStatement registers the function serving a literal query statement.
// text must match the declared statement exactly.
func (s *Store) HandleStatement(text string, fn StatementFunc) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.statements[text] = fn
}

// HandleCount registers the function serving a literal count statement
func (s *Store) HandleCount(text string, fn CountFunc) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.counts[text] = fn
}

// HandleMutation registers the function serving a literal mutation statement
func (s *Store) HandleMutation(text string, fn MutationFunc) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.mutations[text] = fn
}

// OnSelect installs a hook run before every select and count. A non-nil
// error is returned in place of the result.
func (s *Store) OnSelect(hook func(*storage.Select) error) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.selectHook = hook
}

// OnMutate installs a hook run before every mutation
func (s *Store) OnMutate(hook func(*storage.Mutation) error) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.mutateHook = hook
}

// Stats returns the round trips served so far
func (s *Store) Stats() Stats {
	return Stats{
		Selects:     s.selects.Load(),
		Counts:      s.countCalls.Load(),
		Mutations:   s.mutateCalls.Load(),
		Identifiers: s.identifiers.Load(),
		Locks:       s.locks.Load(),
	}
}

// ResetStats zeroes the round-trip counters
func (s *Store) ResetStats() {
	s.selects.Store(0)
	s.countCalls.Store(0)
	s.mutateCalls.Store(0)
	s.identifiers.Store(0)
	s.locks.Store(0)
}

// Rows returns the committed rows of an entity's table
func (s *Store) Rows(meta *entity.Metadata) []storage.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Tables{st: &s.state}.Rows(meta)
}

// Execute implements storage.Storage
func (s *Store) Execute(ctx context.Context, q *storage.Select) ([]storage.Row, error) {
	if err := s.beforeSelect(ctx, q); err != nil {
		return nil, err
	}
	s.selects.Add(1)
	if q.Lock != query.LockNone && q.Statement == nil {
		s.mu.RLock()
		keys, err := rowKeys(s.state.read(q.Entity), q.Where, q.Args)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		// without a transaction the lock lasts for the statement only
		auto := &Tx{store: s}
		if err := s.acquire(ctx, auto, q.Entity.Table, keys, q.Lock == query.LockPessimisticWrite); err != nil {
			return nil, err
		}
		defer s.release(auto)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.execute(&s.state, q)
}

// ExecuteScalarCount implements storage.Storage
func (s *Store) ExecuteScalarCount(ctx context.Context, q *storage.Select) (int64, error) {
	if err := s.beforeSelect(ctx, q); err != nil {
		return 0, err
	}
	s.countCalls.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count(&s.state, q)
}

// ExecuteMutation implements storage.Storage
func (s *Store) ExecuteMutation(ctx context.Context, m *storage.Mutation) (int64, error) {
	if err := s.beforeMutate(ctx, m); err != nil {
		return 0, err
	}
	s.mutateCalls.Add(1)
	s.mu.RLock()
	keys, err := mutationKeys(&s.state, m)
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	auto := &Tx{store: s}
	if err := s.acquire(ctx, auto, m.Entity.Table, keys, true); err != nil {
		return 0, err
	}
	defer s.release(auto)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutate(&s.state, m)
}

// GenerateIdentifier implements storage.Storage. Sequences are never rolled
// back, matching database sequences.
func (s *Store) GenerateIdentifier(ctx context.Context, meta *entity.Metadata) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.identifiers.Add(1)
	switch meta.Strategy {
	case entity.IDSequence:
		s.seqMu.Lock()
		defer s.seqMu.Unlock()
		s.sequences[meta.Table]++
		return s.sequences[meta.Table], nil
	case entity.IDUUID:
		return uuid.NewString(), nil
	default:
		return nil, fmt.Errorf("%w: %s identifiers are assigned by the caller", storage.ErrUnsupported, meta.Name)
	}
}

// Begin implements storage.Transactional
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Tx{store: s, state: s.state.clone()}, nil
}

func (s *Store) beforeSelect(ctx context.Context, q *storage.Select) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q == nil || q.Entity == nil {
		return fmt.Errorf("select requires an entity")
	}
	if q.Lock != query.LockNone {
		s.locks.Add(1)
	}
	s.handlerMu.RLock()
	hook := s.selectHook
	s.handlerMu.RUnlock()
	if hook != nil {
		return hook(q)
	}
	return nil
}

func (s *Store) beforeMutate(ctx context.Context, m *storage.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil || m.Entity == nil {
		return fmt.Errorf("mutation requires an entity")
	}
	s.handlerMu.RLock()
	hook := s.mutateHook
	s.handlerMu.RUnlock()
	if hook != nil {
		return hook(m)
	}
	return nil
}

func (s *Store) execute(st *state, q *storage.Select) ([]storage.Row, error) {
	if q.Statement != nil {
		s.handlerMu.RLock()
		fn, ok := s.statements[q.Statement.Text]
		s.handlerMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no handler for statement %q", storage.ErrUnsupported, q.Statement.Text)
		}
		rows, err := fn(Tables{st: st}, q.Args)
		if err != nil {
			return nil, err
		}
		return window(rows, q.Offset, q.Limit), nil
	}

	matched, err := filter(st.read(q.Entity), q.Where, q.Args)
	if err != nil {
		return nil, err
	}
	if err := sortRows(q.Entity, matched, q.Sort); err != nil {
		return nil, err
	}

	var rows []storage.Row
	for _, values := range matched {
		expanded, err := expand(st, q, values)
		if err != nil {
			return nil, err
		}
		rows = append(rows, expanded...)
	}
	return window(rows, q.Offset, q.Limit), nil
}

func (s *Store) count(st *state, q *storage.Select) (int64, error) {
	if q.Statement != nil {
		s.handlerMu.RLock()
		countFn, hasCount := s.counts[q.Statement.Text]
		stmtFn, hasStmt := s.statements[q.Statement.Text]
		s.handlerMu.RUnlock()
		switch {
		case hasCount:
			return countFn(Tables{st: st}, q.Args)
		case hasStmt:
			rows, err := stmtFn(Tables{st: st}, q.Args)
			return int64(len(rows)), err
		default:
			return 0, fmt.Errorf("%w: no handler for count statement %q", storage.ErrUnsupported, q.Statement.Text)
		}
	}
	matched, err := filter(st.read(q.Entity), q.Where, q.Args)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *Store) mutate(st *state, m *storage.Mutation) (int64, error) {
	if m.Statement != nil {
		s.handlerMu.RLock()
		fn, ok := s.mutations[m.Statement.Text]
		s.handlerMu.RUnlock()
		if !ok {
			return 0, fmt.Errorf("%w: no handler for statement %q", storage.ErrUnsupported, m.Statement.Text)
		}
		return fn(Tables{st: st}, m.Args)
	}

	t := st.table(m.Entity)
	switch m.Kind {
	case storage.Insert:
		return insert(t, m)
	case storage.Update, storage.BulkUpdate:
		matched, err := filter(t, m.Where, m.Args)
		if err != nil {
			return 0, err
		}
		for _, row := range matched {
			if err := assign(row, m.Values); err != nil {
				return 0, err
			}
		}
		return int64(len(matched)), nil
	case storage.Delete, storage.BulkDelete:
		kept := t.rows[:0:0]
		var removed int64
		for _, row := range t.rows {
			ok, err := matches(m.Where, row, m.Args)
			if err != nil {
				return 0, err
			}
			if ok {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		t.rows = kept
		return removed, nil
	default:
		return 0, fmt.Errorf("%w: mutation kind %v", storage.ErrUnsupported, m.Kind)
	}
}

func insert(t *table, m *storage.Mutation) (int64, error) {
	row := make(map[string]any, len(t.meta.Attributes))
	for _, a := range t.meta.Attributes {
		row[a.Column] = nil
	}
	for _, a := range m.Values {
		row[a.Column] = a.Value
	}
	id := entity.Key(row[t.meta.ID.Column])
	for _, existing := range t.rows {
		if entity.Key(existing[t.meta.ID.Column]) == id {
			return 0, fmt.Errorf("%w: %s %v", storage.ErrDuplicateKey, t.meta.Table, id)
		}
	}
	t.rows = append(t.rows, row)
	return 1, nil
}

func assign(row map[string]any, values []storage.Assignment) error {
	for _, a := range values {
		if a.Op == storage.Set {
			row[a.Column] = a.Value
			continue
		}
		sum, err := add(row[a.Column], a.Value)
		if err != nil {
			return fmt.Errorf("increment %s: %w", a.Column, err)
		}
		row[a.Column] = sum
	}
	return nil
}

// add follows SQL semantics: NULL plus anything stays NULL
func add(current, delta any) (any, error) {
	if current == nil {
		return nil, nil
	}
	ci, cok := entity.Key(current).(int64)
	di, dok := entity.Key(delta).(int64)
	if cok && dok {
		return ci + di, nil
	}
	cf, err := toFloat(current)
	if err != nil {
		return nil, err
	}
	df, err := toFloat(delta)
	if err != nil {
		return nil, err
	}
	return cf + df, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	err := entity.Assign(reflect.ValueOf(&f).Elem(), v)
	return f, err
}

func matches(where *query.Tree, row map[string]any, args []any) (bool, error) {
	return where.Evaluate(func(column string) any { return row[column] }, args)
}

func filter(t *table, where *query.Tree, args []any) ([]map[string]any, error) {
	var out []map[string]any
	for _, row := range t.rows {
		ok, err := matches(where, row, args)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func sortRows(meta *entity.Metadata, rows []map[string]any, orders query.Sort) error {
	if len(orders) == 0 {
		return nil
	}
	columns := make([]string, len(orders))
	for i, o := range orders {
		a, ok := meta.Attribute(o.Attribute)
		if !ok {
			return fmt.Errorf("%w: cannot sort %s by %s", entity.ErrUnknownAttribute, meta.Name, o.Attribute)
		}
		columns[i] = a.Column
	}
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for k, o := range orders {
			c, err := compareNullsFirst(rows[i][columns[k]], rows[j][columns[k]])
			if err != nil {
				sortErr = err
				return false
			}
			if c == 0 {
				continue
			}
			if o.Direction == query.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return sortErr
}

func compareNullsFirst(a, b any) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		return -1, nil
	case b == nil:
		return 1, nil
	}
	return query.Compare(a, b)
}

// expand turns one root row into result rows: one per joined to-many child,
// or one row with null child columns when there are none (left join).
func expand(st *state, q *storage.Select, root map[string]any) ([]storage.Row, error) {
	base := project(q.Entity, q.Columns, root, "")
	rows := []storage.Row{base}
	for _, j := range q.Joins {
		targets, err := joined(st, q.Entity, j, root)
		if err != nil {
			return nil, err
		}
		var next []storage.Row
		for _, r := range rows {
			if len(targets) == 0 {
				next = append(next, appendRow(r, project(j.Target, nil, nil, j.Prefix())))
				continue
			}
			for _, target := range targets {
				next = append(next, appendRow(r, project(j.Target, nil, target, j.Prefix())))
			}
		}
		rows = next
	}
	return rows, nil
}

func joined(st *state, owner *entity.Metadata, j storage.Join, root map[string]any) ([]map[string]any, error) {
	target := st.read(j.Target)
	var (
		column string
		key    any
	)
	if j.Association.Kind == entity.ToOne {
		fk, ok := owner.Attribute(j.Association.ForeignKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, owner.Name, j.Association.ForeignKey)
		}
		column, key = j.Target.ID.Column, root[fk.Column]
	} else {
		fk, ok := j.Target.Attribute(j.Association.ForeignKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", entity.ErrUnknownAttribute, j.Target.Name, j.Association.ForeignKey)
		}
		column, key = fk.Column, root[owner.ID.Column]
	}
	if key == nil {
		return nil, nil
	}
	var out []map[string]any
	for _, row := range target.rows {
		if row[column] != nil && entity.Key(row[column]) == entity.Key(key) {
			out = append(out, row)
		}
	}
	return out, nil
}

func project(meta *entity.Metadata, columns []string, values map[string]any, prefix string) storage.Row {
	if len(columns) == 0 {
		columns = meta.Columns()
	}
	row := storage.Row{Columns: make([]string, len(columns)), Values: make([]any, len(columns))}
	for i, c := range columns {
		row.Columns[i] = prefix + c
		if values != nil {
			row.Values[i] = values[c]
		}
	}
	return row
}

func appendRow(a, b storage.Row) storage.Row {
	out := a.Clone()
	out.Columns = append(out.Columns, b.Columns...)
	out.Values = append(out.Values, b.Values...)
	return out
}

func window(rows []storage.Row, offset, limit int) []storage.Row {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func cloneValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
