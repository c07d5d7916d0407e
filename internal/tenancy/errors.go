package tenancy

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("tenancy: not found")
	ErrInconsistent  = errors.New("tenancy: inconsistent parent references")
	ErrHasDependents = errors.New("tenancy: node has dependents")
	ErrInvalidInput  = errors.New("tenancy: invalid input")
	ErrConflict      = errors.New("tenancy: conflict")
)

// ConflictError reports a uniqueness violation on one field of one entity type.
type ConflictError struct {
	EntityType string
	Field      string
	Value      string
}

func (e *ConflictError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("the resource %s with this %s already exists", e.EntityType, e.Field)
	}
	return fmt.Sprintf("the resource %s with %s '%s' already exists", e.EntityType, e.Field, e.Value)
}

// Is lets errors.Is(err, ErrConflict) match any ConflictError.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NameConflict is the common case of a duplicate name in its parent scope.
func NameConflict(kind Kind, name string) *ConflictError {
	return &ConflictError{EntityType: kind.EntityType(), Field: "name", Value: name}
}
