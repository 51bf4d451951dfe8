package model

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is; every error returned by the engine's public
// operations wraps at most one of these.
var (
	ErrValidation    = errors.New("validation failed")
	ErrCompatibility = errors.New("compatibility check failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflicting state")
	ErrTransient     = errors.New("transient failure")
)

// OpError decorates a failure with the operation and resource it happened on.
type OpError struct {
	Op       string
	Resource string
	ID       int64
	Kind     error
	Err      error
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	cause := e.Err
	if cause == nil {
		cause = e.Kind
	}
	if e.ID > 0 {
		return fmt.Sprintf("%s %s %d: %v", e.Op, e.Resource, e.ID, cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, cause)
}

func (e *OpError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NotFound(resource string, id int64) error {
	return &OpError{Op: "get", Resource: resource, ID: id, Kind: ErrNotFound}
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func Conflict(op, resource string, id int64, format string, args ...any) error {
	return &OpError{Op: op, Resource: resource, ID: id, Kind: ErrConflict, Err: fmt.Errorf(format, args...)}
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects field errors found before any mutation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e when it has at least one field error.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Severity grades a detected conflict.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// CompatibilityError carries the structured reasons an operation was refused,
// so callers can explain the failure to an operator.
type CompatibilityError struct {
	Op      string
	Reasons []string
	Detail  any
}

func (e *CompatibilityError) Error() string {
	if len(e.Reasons) == 0 {
		return e.Op + ": compatibility check failed"
	}
	return e.Op + ": " + strings.Join(e.Reasons, "; ")
}

func (e *CompatibilityError) Is(target error) bool { return target == ErrCompatibility }
