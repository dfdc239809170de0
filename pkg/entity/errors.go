package entity

import "errors"

// Sentinel errors for entity metadata and value access
var (
	// ErrNotEntity is returned when a value is not a pointer to a struct
	ErrNotEntity = errors.New("not an entity")

	// ErrNoIdentifier is returned when an entity type has no primary field
	ErrNoIdentifier = errors.New("entity has no identifier attribute")

	// ErrUnknownAttribute is returned for attribute names the entity does not declare
	ErrUnknownAttribute = errors.New("unknown attribute")

	// ErrUnknownAssociation is returned for association names the entity does not declare
	ErrUnknownAssociation = errors.New("unknown association")

	// ErrTypeMismatch is returned when a stored value cannot be assigned to a field
	ErrTypeMismatch = errors.New("value type mismatch")

	// ErrInvalidAssociation is returned for association fields whose foreign key cannot be resolved
	ErrInvalidAssociation = errors.New("invalid association")
)

// IsUnknownAttribute checks if an error is ErrUnknownAttribute
func IsUnknownAttribute(err error) bool {
	return errors.Is(err, ErrUnknownAttribute)
}

// IsTypeMismatch checks if an error is ErrTypeMismatch
func IsTypeMismatch(err error) bool {
	return errors.Is(err, ErrTypeMismatch)
}
