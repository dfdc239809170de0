package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ammar0144/repo4go/pkg/entity"
	"github.com/ammar0144/repo4go/pkg/storage"
)

// sequenceAttempts bounds retries when two connections seed the same
// sequence row concurrently
const sequenceAttempts = 3

// sequence is one row of the sequence table
type sequence struct {
	Name      string `gorm:"primaryKey;size:191"`
	NextValue int64  `gorm:"not null"`
}

// executor runs rendered statements against a pool or a transaction
type executor struct {
	db      *gorm.DB
	dialect Dialect
	timeout time.Duration
}

// Storage is the SQL storage adapter backed by GORM
type Storage struct {
	executor
	sequences string
	logger    *slog.Logger

	schemaMu    sync.Mutex
	schemaReady bool
}

var (
	_ storage.Storage       = (*Storage)(nil)
	_ storage.Transactional = (*Storage)(nil)
	_ storage.Tx            = (*Tx)(nil)
)

// NewStorage returns the storage adapter over m's pool
func NewStorage(m *Manager) *Storage {
	return &Storage{
		executor: executor{
			db:      m.db,
			dialect: m.config.dialect(),
			timeout: m.config.QueryTimeout,
		},
		sequences: m.config.sequenceTable(),
		logger:    m.logger,
	}
}

// withQueryTimeout bounds ctx by the configured query timeout unless the
// caller already set a deadline
func (e *executor) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// Execute implements storage.Storage
func (e *executor) Execute(ctx context.Context, q *storage.Select) ([]storage.Row, error) {
	stmt, args, err := renderSelect(e.dialect, q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withQueryTimeout(ctx)
	defer cancel()

	rows, err := e.db.WithContext(ctx).Raw(stmt, args...).Rows()
	if err != nil {
		return nil, translateError(q.Entity.Table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, translateError(q.Entity.Table, err)
	}
	return out, nil
}

// ExecuteScalarCount implements storage.Storage
func (e *executor) ExecuteScalarCount(ctx context.Context, q *storage.Select) (int64, error) {
	stmt, args, err := renderCount(e.dialect, q)
	if err != nil {
		return 0, err
	}
	ctx, cancel := e.withQueryTimeout(ctx)
	defer cancel()

	var n int64
	if err := e.db.WithContext(ctx).Raw(stmt, args...).Row().Scan(&n); err != nil {
		return 0, translateError(q.Entity.Table, err)
	}
	return n, nil
}

// ExecuteMutation implements storage.Storage
func (e *executor) ExecuteMutation(ctx context.Context, m *storage.Mutation) (int64, error) {
	stmt, args, err := renderMutation(e.dialect, m)
	if err != nil {
		return 0, err
	}
	ctx, cancel := e.withQueryTimeout(ctx)
	defer cancel()

	res := e.db.WithContext(ctx).Exec(stmt, args...)
	if res.Error != nil {
		return 0, translateError(m.Entity.Table, res.Error)
	}
	return res.RowsAffected, nil
}

// GenerateIdentifier implements storage.Storage. Integer identifiers come
// from the sequence table, advanced in a transaction of their own so they
// are never rolled back with the unit of work.
func (s *Storage) GenerateIdentifier(ctx context.Context, meta *entity.Metadata) (any, error) {
	switch meta.Strategy {
	case entity.IDUUID:
		return uuid.NewString(), nil
	case entity.IDSequence:
		return s.nextSequence(ctx, meta)
	default:
		return nil, fmt.Errorf("%w: %s identifiers are assigned by the caller", storage.ErrUnsupported, meta.Name)
	}
}

// EnsureSchema creates the sequence table if it does not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.db.WithContext(ctx).Table(s.sequences).AutoMigrate(&sequence{}); err != nil {
		return fmt.Errorf("create sequence table %s: %w", s.sequences, err)
	}
	s.schemaReady = true
	return nil
}

func (s *Storage) nextSequence(ctx context.Context, meta *entity.Metadata) (int64, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := s.withQueryTimeout(ctx)
	defer cancel()

	var next int64
	var err error
	for attempt := 0; attempt < sequenceAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row sequence
			err := tx.Table(s.sequences).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("name = ?", meta.Table).
				Take(&row).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				// seed past any rows written before the sequence existed
				b := NewBuilder(s.dialect, meta.Table)
				var highest sql.NullInt64
				if err := tx.Table(meta.Table).Select("MAX(" + b.Quote(meta.ID.Column) + ")").Row().Scan(&highest); err != nil {
					return err
				}
				next = highest.Int64 + 1
				s.logger.Info("sequence seeded", "table", meta.Table, "start", next)
				return tx.Table(s.sequences).Create(&sequence{Name: meta.Table, NextValue: next + 1}).Error
			case err != nil:
				return err
			}
			next = row.NextValue
			return tx.Table(s.sequences).
				Where("name = ?", meta.Table).
				Update("next_value", gorm.Expr("next_value + ?", 1)).Error
		})
		err = translateError(s.sequences, err)
		if !storage.IsDuplicateKey(err) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("next identifier for %s: %w", meta.Name, err)
	}
	return next, nil
}

// Begin implements storage.Transactional
func (s *Storage) Begin(ctx context.Context) (storage.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin transaction: %w", tx.Error)
	}
	return &Tx{
		executor: executor{db: tx, dialect: s.dialect, timeout: s.timeout},
		parent:   s,
	}, nil
}

// Tx is a Storage bound to one database transaction
type Tx struct {
	executor
	parent *Storage
}

// GenerateIdentifier implements storage.Storage outside the transaction
func (t *Tx) GenerateIdentifier(ctx context.Context, meta *entity.Metadata) (any, error) {
	return t.parent.GenerateIdentifier(ctx, meta)
}

// Commit implements storage.Tx
func (t *Tx) Commit() error {
	if err := t.db.Commit().Error; err != nil {
		return translateError("commit", err)
	}
	return nil
}

// Rollback implements storage.Tx
func (t *Tx) Rollback() error {
	if err := t.db.Rollback().Error; err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// scanRows reads every row, turning textual driver bytes into strings
func scanRows(rows *sql.Rows) ([]storage.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	binary := make([]bool, len(types))
	for i, t := range types {
		name := strings.ToUpper(t.DatabaseTypeName())
		binary[i] = strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA"
	}

	var out []storage.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && !binary[i] {
				values[i] = string(b)
			}
		}
		out = append(out, storage.NewRow(columns, values))
	}
	return out, rows.Err()
}
