package repositories

import (
	"errors"
	"fmt"
)

// ErrorKind classifies store failures so services can map them onto their own error taxonomy.
type ErrorKind string

const (
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindConflict    ErrorKind = "conflict"
	ErrorKindUnavailable ErrorKind = "unavailable"
	ErrorKindInvalid     ErrorKind = "invalid"
)

// StoreError implements RepositoryError for the memory and SQL backends.
type StoreError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Kind == ErrorKindNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Kind == ErrorKindConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == ErrorKindUnavailable }

// IsInvalid reports whether the store rejected the arguments.
func (e *StoreError) IsInvalid() bool { return e != nil && e.Kind == ErrorKindInvalid }

// NewStoreError constructs a categorised store error. A nil err records the kind only.
func NewStoreError(op string, kind ErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// NotFound builds a not-found error for the given operation.
func NotFound(op string, format string, args ...any) error {
	return NewStoreError(op, ErrorKindNotFound, fmt.Errorf(format, args...))
}

// Conflict builds a conflict error for the given operation.
func Conflict(op string, format string, args ...any) error {
	return NewStoreError(op, ErrorKindConflict, fmt.Errorf(format, args...))
}

// Invalid builds an invalid-argument error for the given operation.
func Invalid(op string, format string, args ...any) error {
	return NewStoreError(op, ErrorKindInvalid, fmt.Errorf(format, args...))
}

// IsNotFound reports whether err carries repository not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries repository conflict semantics.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries repository unavailability semantics.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
