package memory

import (
	"context"
	"time"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/query"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// DefaultLockTimeout bounds how long a statement waits for a row lock
const DefaultLockTimeout = time.Second

// Option configures a Store
type Option func(*Store)

// WithLockTimeout sets how long statements wait for row locks held by other
// transactions before failing with storage.LockTimeoutError
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

type lockKey struct {
	table string
	id    any
}

// rowLock is shared by any number of owners or held exclusively by one
type rowLock struct {
	owners    map[*Tx]struct{}
	exclusive bool
}

// rowKeys returns the lock keys of the rows in tbl matched by where
func rowKeys(tbl *table, where *query.Tree, args []any) ([]lockKey, error) {
	matched, err := filter(tbl, where, args)
	if err != nil {
		return nil, err
	}
	keys := make([]lockKey, 0, len(matched))
	for _, row := range matched {
		keys = append(keys, lockKey{table: tbl.meta.Table, id: entity.Key(row[tbl.meta.ID.Column])})
	}
	return keys, nil
}

// mutationKeys returns the rows a mutation writes, as seen in st
func mutationKeys(st *state, m *storage.Mutation) ([]lockKey, error) {
	if m.Statement != nil {
		return nil, nil
	}
	if m.Kind == storage.Insert {
		for _, a := range m.Values {
			if a.Column == m.Entity.ID.Column {
				return []lockKey{{table: m.Entity.Table, id: entity.Key(a.Value)}}, nil
			}
		}
		return nil, nil
	}
	return rowKeys(st.read(m.Entity), m.Where, m.Args)
}

// acquire waits until owner holds every key, shared or exclusive
func (s *Store) acquire(ctx context.Context, owner *Tx, table string, keys []lockKey, exclusive bool) error {
	if len(keys) == 0 {
		return nil
	}
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	for {
		s.lockMu.Lock()
		if s.grantable(owner, keys, exclusive) {
			s.grant(owner, keys, exclusive)
			s.lockMu.Unlock()
			return nil
		}
		released := s.released
		s.lockMu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return &storage.LockTimeoutError{Table: table}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Store) grantable(owner *Tx, keys []lockKey, exclusive bool) bool {
	for _, k := range keys {
		l := s.rowLocks[k]
		if l == nil {
			continue
		}
		others := len(l.owners)
		if _, ok := l.owners[owner]; ok {
			others--
		}
		if others > 0 && (exclusive || l.exclusive) {
			return false
		}
	}
	return true
}

func (s *Store) grant(owner *Tx, keys []lockKey, exclusive bool) {
	if owner.held == nil {
		owner.held = make(map[lockKey]struct{})
	}
	for _, k := range keys {
		l := s.rowLocks[k]
		if l == nil {
			l = &rowLock{owners: make(map[*Tx]struct{})}
			s.rowLocks[k] = l
		}
		l.owners[owner] = struct{}{}
		l.exclusive = l.exclusive || exclusive
		owner.held[k] = struct{}{}
	}
}

// release drops every lock owner holds and wakes waiting statements
func (s *Store) release(owner *Tx) {
	if len(owner.held) == 0 {
		return
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for k := range owner.held {
		l := s.rowLocks[k]
		if l == nil {
			continue
		}
		delete(l.owners, owner)
		if len(l.owners) == 0 {
			delete(s.rowLocks, k)
		}
	}
	owner.held = nil
	close(s.released)
	s.released = make(chan struct{})
}
