package datalog

import (
	"errors"
	"fmt"
)

// Input errors
var (
	// ErrOutOfOrderTime is returned when ingest or advance names a time the
	// store has already closed.
	ErrOutOfOrderTime = errors.New("out of order time")
	// ErrUnknownAttribute is returned for attributes absent from the schema.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrTypeMismatch is returned when a value does not match its attribute's type.
	ErrTypeMismatch = errors.New("value type mismatch")
	// ErrSchemaConflict is returned when an attribute is redeclared differently.
	ErrSchemaConflict = errors.New("conflicting attribute declaration")
)

// Compile errors
var (
	ErrUnknownRule            = errors.New("unknown rule")
	ErrArityMismatch          = errors.New("arity mismatch")
	ErrUnstratifiableNegation = errors.New("unstratifiable negation")
	ErrUnboundVariable        = errors.New("unbound variable")
	ErrRuleConflict           = errors.New("conflicting rule definition")

	// ErrUnstratifiablenNegation is the historical spelling of
	// ErrUnstratifiableNegation; both match with errors.Is.
	ErrUnstratifiablenNegation = ErrUnstratifiableNegation
)

// Registry and runtime errors
var (
	ErrQueryExists      = errors.New("query already registered")
	ErrUnknownQuery     = errors.New("unknown query")
	ErrWorkerFailed     = errors.New("worker failed")
	ErrIterationLimit   = errors.New("fixed point iteration limit exceeded")
	ErrHistoryCompacted = errors.New("history compacted")
	ErrArithmetic       = errors.New("arithmetic error")
	ErrClosed           = errors.New("engine closed")
)

var (
	errTruncated   = errors.New("truncated tuple encoding")
	errUnknownKind = errors.New("unknown value kind in encoding")
)

// CompileError reports why a query description was rejected.
type CompileError struct {
	Query  string
	Clause string // offending clause, if known
	Err    error
}

func (e *CompileError) Error() string {
	if e.Clause != "" {
		return fmt.Sprintf("compile %s: %v in %s", e.Query, e.Err, e.Clause)
	}
	return fmt.Sprintf("compile %s: %v", e.Query, e.Err)
}

// Unwrap exposes the underlying sentinel for errors.Is
func (e *CompileError) Unwrap() error {
	return e.Err
}
