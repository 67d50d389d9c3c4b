package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown document id.
	ErrNotFound = errors.New("not found")
	// ErrDependencyUnavailable marks an unreachable or timed out collaborator.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrIndexCorruption marks a stored vector wider than the vocabulary.
	ErrIndexCorruption = errors.New("index corruption")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ErrorKind classifies err for per-item reporting.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDependencyUnavailable):
		return "dependency_unavailable"
	case errors.Is(err, ErrIndexCorruption):
		return "index_corruption"
	default:
		return "internal"
	}
}
