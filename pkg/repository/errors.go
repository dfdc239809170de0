package repository

import (
	"errors"
	"fmt"

	"github.com/ammar0144/repo4go/pkg/query"
)

// Sentinel errors returned by repository calls
var (
	// ErrNotFound is wrapped by NotFoundError
	ErrNotFound = errors.New("entity not found")

	// ErrNonUniqueResult is returned when a single-result method matches more than one row
	ErrNonUniqueResult = errors.New("query did not return a unique result")

	// ErrShapeMismatch is returned when a method is invoked through an entry point
	// that does not produce its declared result shape
	ErrShapeMismatch = errors.New("method result shape mismatch")

	// ErrUnknownMethod is returned for method names the repository does not declare
	ErrUnknownMethod = errors.New("unknown repository method")

	// ErrArgumentCount is returned when a call supplies the wrong number of arguments
	ErrArgumentCount = query.ErrArgumentCount
)

// NotFoundError is returned by single-result lookups that match nothing
type NotFoundError struct {
	Entity string
	Method string
	ID     any
}

func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s with id %v not found", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s not found by %s", e.Entity, e.Method)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNonUniqueResult checks if an error is ErrNonUniqueResult
func IsNonUniqueResult(err error) bool {
	return errors.Is(err, ErrNonUniqueResult)
}

func shapeMismatch(method string, declared, want query.Shape) error {
	return fmt.Errorf("%w: %s returns %s, not %s", ErrShapeMismatch, method, declared, want)
}

func unknownMethod(entity, method string) error {
	return fmt.Errorf("%w: %s.%s", ErrUnknownMethod, entity, method)
}
