package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ammar0144/repo4go/pkg/metrics"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// Session is one unit of work: a persistence context bound to a storage
// transaction when the storage supports them.
type Session struct {
	pc      *Context
	tx      storage.Tx
	mode    FlushMode
	logger  *slog.Logger
	metrics *metrics.Collector
	closed  bool
}

// Begin starts a unit of work over store
func Begin(ctx context.Context, store storage.Storage, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("session requires a storage")
	}
	o := buildOptions(opts)

	s := &Session{mode: o.flushMode, logger: o.logger, metrics: o.metrics}
	bound := store
	if tr, ok := store.(storage.Transactional); ok {
		tx, err := tr.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		s.tx = tx
		bound = tx
	}
	s.pc = newContext(bound, o)
	s.pc.deferred = s.tx != nil
	s.logger.Debug("session started", "transactional", s.tx != nil, "flush_mode", s.mode.String())
	return s, nil
}

// Run executes fn in a new session, committing when fn succeeds and rolling
// back otherwise
func Run(ctx context.Context, store storage.Storage, fn func(*Session) error, opts ...Option) (err error) {
	s, err := Begin(ctx, store, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback()
			panic(p)
		}
	}()
	if err := fn(s); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Context returns the session's persistence context
func (s *Session) Context() *Context {
	return s.pc
}

// Storage returns the storage bound to this session
func (s *Session) Storage() storage.Storage {
	return s.pc.store
}

// Logger returns the session logger
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Metrics returns the session metrics collector, possibly nil
func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}

// FlushMode returns the session's flush mode
func (s *Session) FlushMode() FlushMode {
	return s.mode
}

// Flush writes pending changes without ending the session
func (s *Session) Flush(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	return s.pc.Flush(ctx)
}

// Clear discards tracked state without writing
func (s *Session) Clear() {
	s.pc.Clear()
}

// BeforeQuery flushes pending changes in FlushAuto mode so queries observe them
func (s *Session) BeforeQuery(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.mode != FlushAuto || !s.pc.HasPendingChanges() {
		return nil
	}
	return s.pc.Flush(ctx)
}

// Commit flushes pending changes, commits the transaction and clears the
// context. A failed flush rolls the transaction back.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.pc.Flush(ctx); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	s.closed = true
	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			s.pc.settle(ctx, false)
			s.pc.clear("rollback")
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	s.pc.settle(ctx, true)
	s.pc.clear("commit")
	s.logger.Debug("session committed")
	return nil
}

// Rollback discards pending changes and rolls the transaction back
func (s *Session) Rollback() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	var err error
	if s.tx != nil {
		if rbErr := s.tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("failed to rollback transaction: %w", rbErr)
		}
	}
	s.pc.settle(context.Background(), false)
	s.pc.clear("rollback")
	s.logger.Debug("session rolled back")
	return err
}
