package store

import "errors"

var (
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidDocument = errors.New("invalid document")
	ErrUnknownKind     = errors.New("unknown entity kind")

	// ErrMissingParent is returned when a foreign key names an entity that
	// does not exist.
	ErrMissingParent = errors.New("referenced parent does not exist")
)
