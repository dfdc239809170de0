package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

var (
	// ErrTxDone is returned when a finished transaction is used
	ErrTxDone = errors.New("transaction already committed or rolled back")

	// ErrWriteConflict is returned by Commit when the transaction's writes no
	// longer apply to the committed state
	ErrWriteConflict = errors.New("write conflicts with a concurrent commit")
)

type logged struct {
	m *storage.Mutation
	n int64
}

// Tx reads and writes a private copy of the store state. Rows it locks or
// writes are first refreshed from the committed state, and Commit replays
// its mutations onto the committed state so concurrent commits are kept.
type Tx struct {
	mu    sync.Mutex
	store *Store
	state state
	log   []logged
	held  map[lockKey]struct{}
	done  bool

	// rows written so far; a table written by a literal statement counts whole
	written  map[lockKey]struct{}
	rewrites map[string]struct{}
}

func (t *Tx) Execute(ctx context.Context, q *storage.Select) ([]storage.Row, error) {
	if err := t.store.beforeSelect(ctx, q); err != nil {
		return nil, err
	}
	t.store.selects.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.lockSelected(ctx, q); err != nil {
		return nil, err
	}
	return t.store.execute(&t.state, q)
}

func (t *Tx) ExecuteScalarCount(ctx context.Context, q *storage.Select) (int64, error) {
	if err := t.store.beforeSelect(ctx, q); err != nil {
		return 0, err
	}
	t.store.countCalls.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return 0, ErrTxDone
	}
	return t.store.count(&t.state, q)
}

func (t *Tx) ExecuteMutation(ctx context.Context, m *storage.Mutation) (int64, error) {
	if err := t.store.beforeMutate(ctx, m); err != nil {
		return 0, err
	}
	t.store.mutateCalls.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return 0, ErrTxDone
	}

	keys, err := mutationKeys(&t.state, m)
	if err != nil {
		return 0, err
	}
	if err := t.store.acquire(ctx, t, m.Entity.Table, keys, true); err != nil {
		return 0, err
	}
	t.refresh(m.Entity, keys)

	n, err := t.store.mutate(&t.state, m)
	if err != nil {
		return 0, err
	}
	t.log = append(t.log, logged{m: m, n: n})
	t.markWritten(m, keys)
	return n, nil
}

func (t *Tx) GenerateIdentifier(ctx context.Context, meta *entity.Metadata) (any, error) {
	return t.store.GenerateIdentifier(ctx, meta)
}

// Commit replays the transaction's mutations onto the committed state. An
// entity update or delete that no longer matches the rows it matched inside
// the transaction fails with ErrWriteConflict and nothing is applied.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.store.release(t)

	if len(t.log) == 0 {
		return nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	live := t.store.state.clone()
	for _, l := range t.log {
		n, err := t.store.mutate(&live, l.m)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWriteConflict, l.m.Describe(), err)
		}
		if (l.m.Kind == storage.Update || l.m.Kind == storage.Delete) && n != l.n {
			return fmt.Errorf("%w: %s affected %d rows, expected %d", ErrWriteConflict, l.m.Describe(), n, l.n)
		}
	}
	t.store.state = live
	return nil
}

func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.state = newState()
	t.log, t.written, t.rewrites = nil, nil, nil
	t.store.release(t)
	return nil
}

// lockSelected takes row locks for a locking read and refreshes the locked
// rows so the read sees the latest committed values
func (t *Tx) lockSelected(ctx context.Context, q *storage.Select) error {
	if q.Lock == query.LockNone || q.Statement != nil {
		return nil
	}
	keys, err := rowKeys(t.state.read(q.Entity), q.Where, q.Args)
	if err != nil {
		return err
	}
	if err := t.store.acquire(ctx, t, q.Entity.Table, keys, q.Lock == query.LockPessimisticWrite); err != nil {
		return err
	}
	t.refresh(q.Entity, keys)
	return nil
}

// refresh replaces the private copy of each keyed row with its committed
// version, unless this transaction has already written it
func (t *Tx) refresh(meta *entity.Metadata, keys []lockKey) {
	if len(keys) == 0 {
		return
	}
	t.store.mu.RLock()
	committed := t.store.state.read(meta)
	latest := make(map[any]map[string]any, len(keys))
	for _, k := range keys {
		latest[k.id] = nil
	}
	for _, row := range committed.rows {
		id := entity.Key(row[meta.ID.Column])
		if _, ok := latest[id]; ok {
			latest[id] = cloneValues(row)
		}
	}
	t.store.mu.RUnlock()

	if _, ok := t.rewrites[meta.Table]; ok {
		return
	}
	for id := range latest {
		if _, ok := t.written[lockKey{table: meta.Table, id: id}]; ok {
			delete(latest, id)
		}
	}

	tbl := t.state.table(meta)
	kept := tbl.rows[:0:0]
	for _, row := range tbl.rows {
		id := entity.Key(row[meta.ID.Column])
		values, ok := latest[id]
		if !ok {
			kept = append(kept, row)
			continue
		}
		delete(latest, id)
		if values != nil {
			kept = append(kept, values)
		}
	}
	for _, values := range latest {
		if values != nil {
			kept = append(kept, values)
		}
	}
	tbl.rows = kept
}

func (t *Tx) markWritten(m *storage.Mutation, keys []lockKey) {
	if m.Statement != nil {
		if t.rewrites == nil {
			t.rewrites = make(map[string]struct{})
		}
		t.rewrites[m.Entity.Table] = struct{}{}
		return
	}
	if t.written == nil {
		t.written = make(map[lockKey]struct{})
	}
	for _, k := range keys {
		t.written[k] = struct{}{}
	}
}

// Tables gives statement handlers access to the rows visible to the caller
type Tables struct {
	st *state
}

// Rows returns the rows of an entity's table in insertion order
func (t Tables) Rows(meta *entity.Metadata) []storage.Row {
	tbl := t.st.read(meta)
	rows := make([]storage.Row, len(tbl.rows))
	for i, values := range tbl.rows {
		rows[i] = project(meta, nil, values, "")
	}
	return rows
}

// Update applies fn to every row of meta's table for which match returns
// true and reports how many rows it touched
func (t Tables) Update(meta *entity.Metadata, match func(storage.Row) bool, fn func(values map[string]any)) int64 {
	var n int64
	for _, values := range t.st.table(meta).rows {
		if match(project(meta, nil, values, "")) {
			fn(values)
			n++
		}
	}
	return n
}
