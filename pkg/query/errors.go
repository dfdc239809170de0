package query

import (
	"errors"
	"fmt"
)

// Sentinel errors for query declaration and binding
var (
	// ErrMalformedDescriptor is returned when a method name cannot be parsed
	ErrMalformedDescriptor = errors.New("malformed method descriptor")

	// ErrUnboundParameter is returned when statement placeholders and declared parameters disagree
	ErrUnboundParameter = errors.New("unbound statement parameter")

	// ErrArgumentCount is returned when a call supplies the wrong number of arguments
	ErrArgumentCount = errors.New("argument count mismatch")

	// ErrIncomparable is returned when two values cannot be ordered
	ErrIncomparable = errors.New("values are not comparable")
)

// MalformedDescriptorError reports where a method descriptor stopped parsing
type MalformedDescriptorError struct {
	Method   string
	Position int
	Reason   string
}

func (e *MalformedDescriptorError) Error() string {
	return fmt.Sprintf("malformed method descriptor %q at offset %d: %s", e.Method, e.Position, e.Reason)
}

func (e *MalformedDescriptorError) Unwrap() error {
	return ErrMalformedDescriptor
}

// UnboundParameterError reports a placeholder without a parameter, or a
// parameter without a placeholder
type UnboundParameterError struct {
	Method    string
	Parameter string
	Reason    string
}

func (e *UnboundParameterError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("unbound parameter %q: %s", e.Parameter, e.Reason)
	}
	return fmt.Sprintf("method %s: unbound parameter %q: %s", e.Method, e.Parameter, e.Reason)
}

func (e *UnboundParameterError) Unwrap() error {
	return ErrUnboundParameter
}

// IsMalformedDescriptor checks if an error is ErrMalformedDescriptor
func IsMalformedDescriptor(err error) bool {
	return errors.Is(err, ErrMalformedDescriptor)
}

// IsUnboundParameter checks if an error is ErrUnboundParameter
func IsUnboundParameter(err error) bool {
	return errors.Is(err, ErrUnboundParameter)
}

func malformed(method string, pos int, format string, args ...any) error {
	return &MalformedDescriptorError{Method: method, Position: pos, Reason: fmt.Sprintf(format, args...)}
}
