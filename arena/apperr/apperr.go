// Package apperr defines the error codes reported to clients.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	AuthenticationRequired Code = "AuthenticationRequired"
	NotFound               Code = "NotFound"
	OwnershipViolation     Code = "OwnershipViolation"
	InvalidState           Code = "InvalidState"
	ValidationError        Code = "ValidationError"
	InternalError          Code = "InternalError"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf maps any error to a code. Errors outside the taxonomy are internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// MessageOf returns the text safe to show a client. Internal details are never exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != InternalError {
		return e.Message
	}
	return "internal error"
}
