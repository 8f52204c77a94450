package patient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDuplicate is returned by Create when the id is already present.
	ErrDuplicate = errors.New("patient already exists")
	// ErrNotFound is returned by Get for an unknown id.
	ErrNotFound = errors.New("patient not found")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a request body cannot be turned into a
// Patient. It lists every offending field.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid patient: " + strings.Join(parts, "; ")
}

// StorageError reports that the store could not be read or written. A
// malformed store file surfaces as a StorageError, never as an empty
// collection.
type StorageError struct {
	Op     string
	Driver string
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Driver, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
