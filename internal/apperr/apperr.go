// Package apperr defines the error taxonomy shared by the lifecycle engine.
//
// Every error that crosses a component boundary carries one of five kinds:
//
//	Validation     malformed or unauthenticated input; nothing was changed
//	Conflict       illegal transition or second settlement; nothing was changed
//	NotFound       unknown entity; nothing was changed
//	PartialFailure the financial change committed but a downstream call failed
//	Invariant      a computed value broke a money invariant; the transition was aborted
//
// Callers test kinds with errors.Is against the sentinel values.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindNotFound       Kind = "not_found"
	KindPartialFailure Kind = "partial_failure"
	KindInvariant      Kind = "invariant_violation"
)

// Sentinels for errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrPartialFailure = errors.New("partial failure")
	ErrInvariant      = errors.New("invariant violation")
)

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindConflict:
		return ErrConflict
	case KindNotFound:
		return ErrNotFound
	case KindPartialFailure:
		return ErrPartialFailure
	case KindInvariant:
		return ErrInvariant
	}
	return nil
}

// E builds a classified error.
func E(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation is shorthand for E(KindValidation, ...).
func Validation(op, format string, args ...interface{}) *Error {
	return E(KindValidation, op, format, args...)
}

// Conflict is shorthand for E(KindConflict, ...).
func Conflict(op, format string, args ...interface{}) *Error {
	return E(KindConflict, op, format, args...)
}

// NotFound is shorthand for E(KindNotFound, ...).
func NotFound(op, format string, args ...interface{}) *Error {
	return E(KindNotFound, op, format, args...)
}

// Invariant is shorthand for E(KindInvariant, ...).
func Invariant(op, format string, args ...interface{}) *Error {
	return E(KindInvariant, op, format, args...)
}

// PartialFailure marks a downstream failure after a durable change.
func PartialFailure(op string, err error) *Error {
	return Wrap(KindPartialFailure, op, err)
}

// KindOf returns the kind of err, or "" if it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps err to a response status and error code.
func HTTPStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvariant):
		return http.StatusInternalServerError, "invariant_violation"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
