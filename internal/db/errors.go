package db

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a StorageError.
type ErrorKind int

const (
	// ValidationFailed means input was rejected by field or scheme rules.
	ValidationFailed ErrorKind = iota + 1
	// AccessDenied means an access role or hook refused the operation.
	AccessDenied
	// BackendFailure means the backend Interface reported an error.
	BackendFailure
	// SchemaWiringError means a scheme relationship could not be resolved.
	SchemaWiringError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationFailed:
		return "validation failed"
	case AccessDenied:
		return "access denied"
	case BackendFailure:
		return "backend failure"
	case SchemaWiringError:
		return "schema wiring error"
	}
	return "unknown"
}

// StorageError is returned by every fallible engine operation.
type StorageError struct {
	Kind    ErrorKind
	Scheme  string
	Field   string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Scheme != "" {
		b.WriteString(": ")
		b.WriteString(e.Scheme)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a StorageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

func validationError(s *Scheme, field, msg string) error {
	return &StorageError{Kind: ValidationFailed, Scheme: schemeName(s), Field: field, Message: msg}
}

func accessDenied(s *Scheme, op Op) error {
	return &StorageError{Kind: AccessDenied, Scheme: schemeName(s), Message: fmt.Sprintf("operation %s is not allowed", op)}
}

func backendError(s *Scheme, msg string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Kind: BackendFailure, Scheme: schemeName(s), Message: msg, Err: err}
}

func wiringError(s *Scheme, field, msg string) error {
	return &StorageError{Kind: SchemaWiringError, Scheme: schemeName(s), Field: field, Message: msg}
}

func schemeName(s *Scheme) string {
	if s == nil {
		return ""
	}
	return s.name
}
