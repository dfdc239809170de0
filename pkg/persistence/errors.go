package persistence

import (
	"errors"
	"fmt"

	"github.com/ammar0144/repo4go/pkg/entity"
)

// Common errors
var (
	// ErrMissingIdentifier is returned when a natural-key entity is saved
	// without its identifier
	ErrMissingIdentifier = errors.New("entity has no identifier")

	// ErrTransientReference is returned when a flushed association points at
	// an entity that has never been saved
	ErrTransientReference = errors.New("association references an unsaved entity")

	// ErrOptimisticConflict is wrapped by OptimisticConflictError
	ErrOptimisticConflict = errors.New("optimistic lock conflict")

	// ErrSessionClosed is returned when a committed or rolled back session is used
	ErrSessionClosed = errors.New("session already closed")

	// ErrUnknownEntity is returned for values that are not entities
	ErrUnknownEntity = entity.ErrNotEntity
)

// OptimisticConflictError reports that a versioned entity was changed by
// another unit of work since it was read
type OptimisticConflictError struct {
	Entity   string
	ID       any
	Expected any
	Actual   any
}

func (e *OptimisticConflictError) Error() string {
	if e.Actual == nil {
		return fmt.Sprintf("optimistic lock conflict on %s %v: version %v is stale", e.Entity, e.ID, e.Expected)
	}
	return fmt.Sprintf("optimistic lock conflict on %s %v: expected version %v, found %v",
		e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *OptimisticConflictError) Unwrap() error {
	return ErrOptimisticConflict
}

// IsOptimisticConflict checks if an error is an optimistic lock conflict
func IsOptimisticConflict(err error) bool {
	return errors.Is(err, ErrOptimisticConflict)
}

// IsMissingIdentifier checks if an error is ErrMissingIdentifier
func IsMissingIdentifier(err error) bool {
	return errors.Is(err, ErrMissingIdentifier)
}
