package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrQueryTooLong      = errors.New("query too long")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrCorpusMisaligned  = errors.New("corpus and index are misaligned")
	ErrSnapshotCorrupt   = errors.New("index snapshot is corrupt")
	ErrGenerationFailed  = errors.New("language model generation failed")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// DimensionError reports a vector whose length does not match the index.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }
