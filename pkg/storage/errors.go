package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by storage adapters
var (
	// ErrLockTimeout is returned when a pessimistic lock could not be acquired in time
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrDuplicateKey is returned when an insert collides with an existing identifier
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnsupported is returned for requests an adapter cannot serve
	ErrUnsupported = errors.New("unsupported by storage")
)

// LockTimeoutError carries the storage error behind a lock timeout
type LockTimeoutError struct {
	Table string
	Err   error
}

func (e *LockTimeoutError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lock wait timeout on %s", e.Table)
	}
	return fmt.Sprintf("lock wait timeout on %s: %v", e.Table, e.Err)
}

func (e *LockTimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrLockTimeout}
	}
	return []error{ErrLockTimeout, e.Err}
}

// IsLockTimeout checks if an error is a lock timeout
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsDuplicateKey checks if an error is ErrDuplicateKey
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
