// Package errs defines the coded errors surfaced by the screener pipeline.
//
// Every expected failure (bad DSL, unknown field, store outage) is returned as
// an *Error carrying one of the Code constants so callers can branch on the
// code without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a class of screener failure.
type Code string

const (
	InvalidDSL            Code = "INVALID_DSL"
	InvalidField          Code = "INVALID_FIELD"
	InvalidRange          Code = "INVALID_RANGE"
	AmbiguousTemporalRule Code = "AMBIGUOUS_TEMPORAL_RULE"
	UnsatisfiableRule     Code = "UNSATISFIABLE_RULE"
	UnsupportedOperator   Code = "UNSUPPORTED_OPERATOR"
	DatabaseError         Code = "DATABASE_ERROR"
	UnsafeDivision        Code = "UNSAFE_DIVISION"
)

// Error is a coded error. Err is optional and is exposed through Unwrap.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsClientError reports whether the code describes a problem with the
// caller's input rather than with the store.
func IsClientError(code Code) bool {
	switch code {
	case InvalidDSL, InvalidField, InvalidRange, AmbiguousTemporalRule,
		UnsatisfiableRule, UnsupportedOperator:
		return true
	}
	return false
}
