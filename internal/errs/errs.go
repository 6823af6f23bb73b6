// Package errs defines the error taxonomy shared by the bulk upsert pipeline.
//
// Every failure surfaced to callers is one of five kinds:
//
//   - ArgumentError: a required argument is missing or malformed.
//   - UnsupportedConnectionError: the connection handle is not a supported engine.
//   - SchemaError: the record type cannot be mapped, or a referenced property is unknown.
//   - UnsupportedPredicateError: a delete-scope predicate uses an untranslatable construct.
//   - ExecutionError: the engine or the bulk-load transport rejected the work.
//
// Validation kinds are returned before any connection work starts. Callers
// should match with errors.As.
package errs

import (
	"errors"
	"fmt"
)

// ArgumentError reports a nil or invalid required argument.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("bulk: argument %q is required", e.Name)
	}
	return fmt.Sprintf("bulk: argument %q: %s", e.Name, e.Reason)
}

// Argument returns an *ArgumentError for name.
func Argument(name, reason string) error {
	return &ArgumentError{Name: name, Reason: reason}
}

// UnsupportedConnectionError reports a connection handle whose engine has no
// registered backend.
type UnsupportedConnectionError struct {
	Handle string // %T of the handle
}

func (e *UnsupportedConnectionError) Error() string {
	return fmt.Sprintf("bulk: unsupported connection type %s", e.Handle)
}

// SchemaError reports a mapping problem for RecordType.
type SchemaError struct {
	RecordType string
	Message    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("bulk: schema %s: %s", e.RecordType, e.Message)
}

// Schema returns a *SchemaError with a formatted message.
func Schema(recordType, format string, args ...any) error {
	return &SchemaError{RecordType: recordType, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedPredicateError names the predicate node kind that could not be
// translated.
type UnsupportedPredicateError struct {
	Node   string
	Detail string
}

func (e *UnsupportedPredicateError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("bulk: unsupported predicate node %s", e.Node)
	}
	return fmt.Sprintf("bulk: unsupported predicate node %s: %s", e.Node, e.Detail)
}

// ExecutionError wraps an engine or transport failure with the record type,
// the pipeline phase that failed, and a coarse category derived from the
// engine's native error.
type ExecutionError struct {
	RecordType string
	Phase      string
	Category   string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("bulk: %s %s failed (%s): %v", e.RecordType, e.Phase, e.Category, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Categories used by ExecutionError. Backends map native error codes onto
// these; anything unrecognized is CategoryEngine.
const (
	CategoryUnique     = "unique_violation"
	CategoryForeignKey = "foreign_key_violation"
	CategoryNotNull    = "not_null_violation"
	CategoryConstraint = "constraint_violation"
	CategoryDuplicate  = "duplicate_source_rows"
	CategoryDeadlock   = "deadlock"
	CategoryTimeout    = "timeout"
	CategoryCanceled   = "canceled"
	CategorySyntax     = "invalid_sql"
	CategoryTransport  = "transport"
	CategoryEngine     = "engine"
)

// IsValidation reports whether err is one of the validation kinds that are
// raised before any SQL is issued.
func IsValidation(err error) bool {
	var (
		a *ArgumentError
		c *UnsupportedConnectionError
		s *SchemaError
		p *UnsupportedPredicateError
	)
	return errors.As(err, &a) || errors.As(err, &c) || errors.As(err, &s) || errors.As(err, &p)
}
