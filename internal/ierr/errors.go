// Package ierr defines the closed error taxonomy shared across agent-intercom,
// per spec §7. Every variant carries a machine-readable Code plus a
// human-readable Detail, and infrastructure errors bubble up wrapped so
// callers can still errors.As into the underlying cause.
package ierr

import (
	"errors"
	"fmt"
)

// Code identifies one of the closed set of error categories.
type Code string

const (
	Config         Code = "config"
	Io             Code = "io"
	Db             Code = "db"
	PathViolation  Code = "path_violation"
	PatchConflict  Code = "patch_conflict"
	Policy         Code = "policy"
	Protocol       Code = "protocol"
	Auth           Code = "auth"
	Timeout        Code = "timeout"
	Cancelled      Code = "cancelled"
	Unavailable    Code = "unavailable"
)

// Error is the structured error type returned across component boundaries.
type Error struct {
	Code   Code
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Wrap builds an *Error wrapping cause. If cause is nil, Wrap returns nil,
// so it is safe to use as `return ierr.Wrap(ierr.Db, "...", err)` in the
// common `if err != nil` idiom.
func Wrap(code Code, detail string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Detail: detail, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to "" if err is not (or does
// not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
