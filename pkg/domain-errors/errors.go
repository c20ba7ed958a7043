// Package domainerrors carries typed error codes across layers.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into coded errors here; transports map codes onto status codes.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure independent of the transport.
type Code string

const (
	CodeInternal          Code = "internal_error"
	CodeBadRequest        Code = "bad_request"
	CodeInvalidInput      Code = "invalid_input"
	CodeValidation        Code = "validation_error"
	CodeUnauthorized      Code = "unauthorized"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeTimeout           Code = "timeout"
	CodeInvalidParameter  Code = "invalid_parameter"
	CodeAlreadyVerified   Code = "already_verified"
	CodeExpired           Code = "expired"
	CodeMaxAttempts       Code = "max_attempts_exceeded"
	CodeRateLimited       Code = "rate_limit_exceeded"
	CodeStoreUnavailable  Code = "store_unavailable"
	CodeNotifierFailure   Code = "notifier_failure"
	CodeMalformedMessage  Code = "malformed_message"
	CodeInvariantViolated Code = "invariant_violation"
)

// Error is a coded domain error. The optional cause is kept for logs and
// errors.Is chains but never rendered to API callers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can compare against
// New(code, "") without caring about the message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// CodeOf returns the outermost code in the chain, or CodeInternal for
// uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is is errors.Is re-exported so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As re-exported so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}
