package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by read queries when no row matches.
var ErrNotFound = errors.New("not found")

// MissingFieldError reports a structurally required key that is absent (or
// null) in an observation payload. Field is the dotted JSON path.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "missing required field: " + e.Field
}

// FieldError describes one rejected value.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports payload values that are present but unusable:
// wrong JSON type, out of range, or too long for their column.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "invalid observation: " + strings.Join(parts, "; ")
}

// PersistenceError wraps a failed upsert transaction. The transaction has
// been rolled back when this is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist observation: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsClientError reports whether err is caused by the payload itself, so an
// HTTP boundary should answer 4xx rather than 5xx.
func IsClientError(err error) bool {
	var missing *MissingFieldError
	var invalid *ValidationError
	return errors.As(err, &missing) || errors.As(err, &invalid)
}
