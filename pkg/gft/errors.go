package gft

import (
	"errors"
	"fmt"
)

// sentinel errors
var (
	ErrEndOfSequence = errors.New("end of sequence")
	ErrNotFound      = errors.New("feature not found")
	ErrReadOnly      = errors.New("data source opened read-only")
	ErrNoSuchLayer   = errors.New("no such layer")
)

// ProtocolError means the response violates the expected tabular layout. Never retried.
type ProtocolError struct {
	Statement string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error { return e.Err }

// TypeCoercionError is a value which can't be converted to the declared column type.
type TypeCoercionError struct {
	Row    int // row number in the response, -1 for values written by caller
	Column string
	Value  string
	Type   FieldType
	Err    error
}

func (e *TypeCoercionError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("can't convert %q to %s for column %q: %v", e.Value, e.Type, e.Column, e.Err)
	}
	return fmt.Sprintf("row %d: can't convert %q to %s for column %q: %v", e.Row, e.Value, e.Type, e.Column, e.Err)
}

// Unwrap returns the underlying error.
func (e *TypeCoercionError) Unwrap() error { return e.Err }

// SchemaErrorKind classifies schema errors.
type SchemaErrorKind int

// enum of schema error kinds
const (
	DuplicateColumn SchemaErrorKind = iota
	UnknownColumn
)

// SchemaError is a caller mistake in column handling.
type SchemaError struct {
	Kind   SchemaErrorKind
	Table  string
	Column string
}

func (e *SchemaError) Error() string {
	switch e.Kind {
	case DuplicateColumn:
		return fmt.Sprintf("duplicate column %q in %q", e.Column, e.Table)
	case UnknownColumn:
		return fmt.Sprintf("unknown column %q in %q", e.Column, e.Table)
	}
	return fmt.Sprintf("schema error for column %q", e.Column)
}

// WriteErrorKind classifies write errors.
type WriteErrorKind int

// enum of write error kinds
const (
	SchemaMismatch WriteErrorKind = iota // field is not in the schema
	RowNotFound                          // no rows affected
	InvalidValue                         // value can't be written as the column type
)

// WriteError is a failed insert, update or delete. Writes are never retried automatically.
type WriteError struct {
	Kind   WriteErrorKind
	Op     string
	Table  string
	RowID  RowID
	Column string
	Err    error
}

func (e *WriteError) Error() string {
	switch e.Kind {
	case SchemaMismatch:
		return fmt.Sprintf("%s %s: field %q is not in the schema", e.Op, e.Table, e.Column)
	case RowNotFound:
		return fmt.Sprintf("%s %s: row %s not found", e.Op, e.Table, e.RowID)
	case InvalidValue:
		return fmt.Sprintf("%s %s: invalid value for %q: %v", e.Op, e.Table, e.Column, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Op, e.Table)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error { return e.Err }

// Is makes RowNotFound match ErrNotFound.
func (e *WriteError) Is(target error) bool {
	return e.Kind == RowNotFound && target == ErrNotFound
}
